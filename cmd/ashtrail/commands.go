package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	"github.com/dbs2/ashtrail/internal/api"
	"github.com/dbs2/ashtrail/internal/credentials"
	"github.com/dbs2/ashtrail/internal/engine"
	"github.com/dbs2/ashtrail/internal/reward"
	"github.com/dbs2/ashtrail/internal/scan"
	"github.com/dbs2/ashtrail/internal/scripting"
	"github.com/dbs2/ashtrail/internal/session"
	"github.com/dbs2/ashtrail/internal/store"
)

var stdout io.Writer = os.Stdout

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// loadPolyline reads a JSON polyline. Both [{"x":..,"y":..}] and
// [[x, y], ...] are accepted.
func loadPolyline(path string) (engine.Polyline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parsePolyline(data)
}

func parsePolyline(data []byte) (engine.Polyline, error) {
	var pl engine.Polyline
	if err := json.Unmarshal(data, &pl); err == nil {
		return pl, nil
	}
	var pairs [][]float64
	if err := json.Unmarshal(data, &pairs); err != nil {
		return nil, fmt.Errorf("polyline: expected [{\"x\":..,\"y\":..}] or [[x,y]]: %w", err)
	}
	pl = make(engine.Polyline, 0, len(pairs))
	for i, p := range pairs {
		if len(p) != 2 {
			return nil, fmt.Errorf("polyline: point %d has %d coordinates", i, len(p))
		}
		pl = append(pl, engine.Point{X: p[0], Y: p[1]})
	}
	return pl, nil
}

func booksAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	reg, err := registry(cfg)
	if err != nil {
		return err
	}
	specs := reg.List()
	if c.Bool("json") {
		return printJSON(stdout, specs)
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tDIFFICULTY\tPOINTS\tTIME LIMIT\tREWARD")
	for _, s := range specs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", s.ID, s.Name, s.Difficulty, s.Points, s.TimeLimit, s.Reward.String())
	}
	return tw.Flush()
}

func trailAction(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return cli.NewExitError("usage: ashtrail trail <book>", 2)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	reg, err := registry(cfg)
	if err != nil {
		return err
	}
	book, ok := reg.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrUnknownBook, id)
	}

	out := c.String("out")
	if out == "" {
		return printJSON(stdout, book.Trail())
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	if err := printJSON(f, book.Trail()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// scoreOutput is printed by the score command.
type scoreOutput struct {
	BookID    string           `json:"book_id,omitempty"`
	Breakdown engine.Breakdown `json:"breakdown"`
	Reward    *reward.Reward   `json:"reward,omitempty"`
}

func scoreAction(c *cli.Context) error {
	playerFile := c.String("player")
	bookID := c.String("book")
	refFile := c.String("reference")
	if playerFile == "" {
		return cli.NewExitError("--player is required", 2)
	}
	if (bookID == "") == (refFile == "") {
		return cli.NewExitError("exactly one of --book or --reference is required", 2)
	}

	player, err := loadPolyline(playerFile)
	if err != nil {
		return fmt.Errorf("player: %w", err)
	}

	out := scoreOutput{BookID: bookID}
	if refFile != "" {
		ref, err := loadPolyline(refFile)
		if err != nil {
			return fmt.Errorf("reference: %w", err)
		}
		out.Breakdown = engine.Evaluate(ref, player)
		return printJSON(stdout, out)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	reg, err := registry(cfg)
	if err != nil {
		return err
	}
	book, ok := reg.Get(bookID)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrUnknownBook, bookID)
	}
	out.Breakdown = engine.Evaluate(book.Trail(), player)
	rw := reward.NewSchedule(cfg.PartialShare).For(book.Spec(), out.Breakdown.Score)
	out.Reward = &rw
	return printJSON(stdout, out)
}

func rescoreAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	reg, err := registry(cfg)
	if err != nil {
		return err
	}

	req := scan.RescoreRequest{
		BookID:     c.String("book"),
		TargetOp:   scan.TargetOp(c.String("op")),
		TargetVal:  c.Int("val"),
		TargetVal2: c.Int("val2"),
		Limit:      c.Int("limit"),
		MaxRuns:    c.Int("max-runs"),
		TimeoutMs:  int(c.Duration("timeout") / time.Millisecond),
		Apply:      c.Bool("apply"),
	}
	if err := api.ValidateRescoreRequest(&req, reg); err != nil {
		return cli.NewExitError(err.Error(), 2)
	}

	ctx, stop := signalContext()
	defer stop()
	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.DBPath, err)
	}
	defer db.Close()

	scanner := scan.NewScanner(db, reg, reward.NewSchedule(cfg.PartialShare), api.EngineVersion, cfg.ScanWorkers)
	started := time.Now()
	res, err := scanner.Rescore(ctx, req)
	if err != nil {
		return err
	}
	logger.Printf("rescore_completed id=%s evaluated=%d hits=%d applied=%d duration=%s",
		res.ID, res.Summary.TotalEvaluated, res.Summary.HitsFound, res.Summary.Applied, time.Since(started))
	return printJSON(stdout, res)
}

func ghostAction(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.NewExitError("usage: ashtrail ghost <script.js>", 2)
	}
	source, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	reg, err := registry(cfg)
	if err != nil {
		return err
	}
	req := api.GhostRequest{
		BookID:   c.String("book"),
		Script:   string(source),
		MaxSpeed: c.Float64("max-speed"),
	}
	if err := api.ValidateGhostRequest(&req, reg); err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	book, _ := reg.Get(req.BookID)

	ctx, stop := signalContext()
	defer stop()

	runner := scripting.Runner{
		Loop:     session.Loop{Realtime: c.Bool("realtime")},
		MaxSpeed: req.MaxSpeed,
	}
	res, err := runner.Run(ctx, book, req.Script)
	if err != nil && res == nil {
		return err
	}
	if err != nil {
		logger.Printf("ghost_interrupted book=%s err=%v", req.BookID, err)
	}
	if !c.Bool("path") {
		res.Path = nil
	}

	return printJSON(stdout, api.GhostResponse{
		GhostResult:   res,
		Reward:        reward.NewSchedule(cfg.PartialShare).For(book.Spec(), res.Result.Score),
		EngineVersion: api.EngineVersion,
	})
}

func loginAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	creds := credentials.NewStore(credentials.DefaultService, credentials.DefaultFallbackPath())

	if c.Bool("logout") {
		if err := creds.Delete(cfg.Profile); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "removed credentials for profile %s\n", cfg.Profile)
		return nil
	}

	token := strings.TrimSpace(c.String("token"))
	if token == "" {
		fmt.Fprint(os.Stderr, "backend token: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		token = strings.TrimSpace(line)
	}
	if token == "" {
		return cli.NewExitError("no token given", 2)
	}

	playerID := c.String("player")
	if playerID != "" && cfg.BackendURL != "" {
		cfg.BackendToken = token
		client, err := backendClient(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		p, err := client.GetPlayer(ctx, playerID)
		if err != nil {
			return fmt.Errorf("verify token: %w", err)
		}
		fmt.Fprintf(stdout, "verified player %s (%s)\n", p.ID, p.Username)
	}

	if err := creds.SetToken(cfg.Profile, token); err != nil {
		return err
	}
	if playerID != "" {
		if err := creds.SetPlayerID(cfg.Profile, playerID); err != nil {
			return err
		}
	}
	fmt.Fprintf(stdout, "stored credentials for profile %s\n", cfg.Profile)
	return nil
}
