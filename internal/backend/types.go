package backend

import "github.com/shopspring/decimal"

// GameID identifies this minigame to the backend.
const GameID = "ash_trail"

// Player is a backend player profile.
type Player struct {
	ID       string          `json:"id"`
	Username string          `json:"username"`
	Crypto   decimal.Decimal `json:"crypto"`
}

// Balance is a player's crypto balance.
type Balance struct {
	PlayerID string          `json:"player_id"`
	Crypto   decimal.Decimal `json:"crypto"`
}

// CryptoCredit is the body of an AddCrypto request.
type CryptoCredit struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
	RunID  string          `json:"run_id,omitempty"`
}

// ScoreSubmission is the body of a SubmitScore request.
type ScoreSubmission struct {
	PlayerID string `json:"player_id"`
	Game     string `json:"game"`
	Book     string `json:"book"`
	Score    int    `json:"score"`
	RunID    string `json:"run_id"`
}

// ScoreReceipt is the backend's answer to a score submission.
type ScoreReceipt struct {
	Accepted bool `json:"accepted"`
	Best     int  `json:"best"`
}

// LeaderboardEntry is one row of the backend leaderboard.
type LeaderboardEntry struct {
	Rank     int    `json:"rank"`
	PlayerID string `json:"player_id"`
	Username string `json:"username"`
	Score    int    `json:"score"`
}
