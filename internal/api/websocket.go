package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/dbs2/ashtrail/internal/session"
)

const (
	wsReadLimit    = 1 << 20
	wsPongWait     = 60 * time.Second
	wsPingInterval = 25 * time.Second
	wsWriteWait    = 10 * time.Second
)

// Message types exchanged on /ws/runs/{id}.
const (
	wsTypePosition  = "position"
	wsTypePositions = "positions"
	wsTypeFinish    = "finish"
	wsTypeStatus    = "status"
	wsTypeFinished  = "finished"
	wsTypeError     = "error"
)

// wsClientMessage is a message sent by the client. A "position" carries one
// sample inline, "positions" a batch, "finish" an optional reason.
type wsClientMessage struct {
	Type      string               `json:"type"`
	T         float64              `json:"t"`
	X         float64              `json:"x"`
	Y         float64              `json:"y"`
	Positions []Position           `json:"positions,omitempty"`
	Reason    session.FinishReason `json:"reason,omitempty"`
}

// wsServerMessage is a message sent by the server.
type wsServerMessage struct {
	Type     string          `json:"type"`
	Run      *session.Status `json:"run,omitempty"`
	Accepted int             `json:"accepted,omitempty"`
	Finished *FinishResponse `json:"finished,omitempty"`
	Error    *APIError       `json:"error,omitempty"`
}

// handleRunSocket streams positions into a live run. Every position message
// is answered with the run status; the connection closes after the run
// finishes and the final outcome is sent.
func (s *Server) handleRunSocket(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseRunID(w, r)
	if !ok {
		return
	}
	if _, found := s.sessions.Get(id); !found {
		s.errorHandler.HandleError(w, r, session.ErrRunNotFound, http.StatusNotFound)
		return
	}
	requestID := middleware.GetReqID(r.Context())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("ws_upgrade_failed request_id=%s run_id=%s err=%v", requestID, id, err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	s.logger.Printf("ws_connected request_id=%s run_id=%s remote_addr=%s", requestID, id, r.RemoteAddr)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Printf("ws_read_failed request_id=%s run_id=%s err=%v", requestID, id, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.wsWrite(conn, wsError(ErrTypeValidation, "Invalid JSON message: "+err.Error(), requestID))
			continue
		}

		var out wsServerMessage
		switch msg.Type {
		case wsTypePosition, wsTypePositions:
			positions := msg.Positions
			if msg.Type == wsTypePosition {
				positions = []Position{{T: msg.T, X: msg.X, Y: msg.Y}}
			}
			req := PositionsRequest{Positions: positions}
			if err := ValidatePositionsRequest(&req); err != nil {
				out = wsError(ErrTypeValidation, err.Error(), requestID)
				break
			}
			resp, err := s.observe(r.Context(), requestID, id, positions)
			if err != nil {
				_, apiErr := observeError(err, requestID, resp.Accepted)
				out = wsServerMessage{Type: wsTypeError, Error: &apiErr}
				break
			}
			out = wsServerMessage{Type: wsTypeStatus, Run: &resp.Run, Accepted: resp.Accepted}
			if resp.Finished != nil {
				out = wsServerMessage{Type: wsTypeFinished, Run: &resp.Run, Accepted: resp.Accepted, Finished: resp.Finished}
			}

		case wsTypeFinish:
			req := FinishRequest{Reason: msg.Reason}
			if err := ValidateFinishRequest(&req); err != nil {
				out = wsError(ErrTypeValidation, err.Error(), requestID)
				break
			}
			res, err := s.sessions.Finish(id, req.Reason)
			if err != nil {
				out = wsDomainError(err, requestID)
				break
			}
			fr, ok := s.finalize(r.Context(), requestID, res)
			if !ok {
				out = wsDomainError(session.ErrAlreadyFinished, requestID)
				break
			}
			out = wsServerMessage{Type: wsTypeFinished, Finished: fr}

		default:
			out = wsError(ErrTypeValidation, "unknown message type "+msg.Type, requestID)
		}

		if err := s.wsWrite(conn, out); err != nil {
			s.logger.Printf("ws_write_failed request_id=%s run_id=%s err=%v", requestID, id, err)
			return
		}
		if out.Type == wsTypeFinished {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
				time.Now().Add(wsWriteWait))
			return
		}
	}
}

func (s *Server) wsWrite(conn *websocket.Conn, msg wsServerMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(msg)
}

func wsError(errType, message, requestID string) wsServerMessage {
	apiErr := NewError(errType, message).WithRequestID(requestID).Build()
	return wsServerMessage{Type: wsTypeError, Error: &apiErr}
}

func wsDomainError(err error, requestID string) wsServerMessage {
	_, errType := classify(err, http.StatusInternalServerError)
	return wsError(errType, err.Error(), requestID)
}
