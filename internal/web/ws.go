package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/personchat/internal/chat"
	"github.com/MrWong99/personchat/internal/observe"
)

// writeTimeout bounds a single websocket write.
const writeTimeout = 5 * time.Second

// errorFrame is pushed when a submit over the websocket is rejected.
type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// handleWS upgrades the connection, pushes the current snapshot and then one
// snapshot per change. Text frames from the browser are submitted as user
// messages.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		observe.Logger(r.Context()).Debug("web: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxBodyBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.metrics.ActiveConnections.Add(ctx, 1)
	defer s.metrics.ActiveConnections.Add(context.WithoutCancel(ctx), -1)

	// Holds at most the latest snapshot; older ones are dropped.
	updates := make(chan chat.Snapshot, 1)
	unsubscribe := s.mgr.Subscribe(func(snap chat.Snapshot) {
		for {
			select {
			case updates <- snap:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer unsubscribe()

	go s.readLoop(ctx, cancel, conn)

	if err := writeFrame(ctx, conn, s.frame(s.mgr.Current().Snapshot())); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case snap := <-updates:
			if err := writeFrame(ctx, conn, s.frame(snap)); err != nil {
				return
			}
		}
	}
}

// readLoop submits every text frame received from the browser. It cancels
// the connection context when the peer goes away.
func (s *Server) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		var req submitRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		if err := s.mgr.Current().SubmitAsync(ctx, req.Text); err != nil {
			if werr := writeFrame(ctx, conn, errorFrame{Type: "error", Error: err.Error()}); werr != nil {
				return
			}
		}
	}
}

func (s *Server) frame(snap chat.Snapshot) snapshotView {
	v := viewOfSnapshot(snap)
	v.Type = "snapshot"
	return v
}

func writeFrame(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
