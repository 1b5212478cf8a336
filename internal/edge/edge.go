// Package edge implements the Edge transport glue (§2/§6): it accepts
// client WebSocket connections, decodes the tagged client frames of §6 into
// internal/app.InboundFrame values, drives the Session Manager's
// admit/attach/on_frame path, and serializes outbound server frames back
// onto the same connection.
//
// Grounded on the teacher-adjacent pack's events.ConnectionManager
// (codeready-toolchain/tarsy, pkg/events/manager.go): the
// websocket.Accept(w, r, ...) HTTP upgrade, a single-reader-goroutine read
// loop keyed by a per-connection context, and a write-timeout-bounded
// sendJSON/sendRaw pair. Adapted from a pub/sub fan-out connection registry
// (one connection subscribes to N channels) to a one-session-per-connection
// transport (one connection is admitted into exactly one Session Manager
// entry), and from Echo's handler plumbing to a plain net/http.Handler,
// matching the rest of this module's stdlib HTTP surface (internal/health).
package edge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/hula0401/marketvoice/internal/app"
	"github.com/hula0401/marketvoice/pkg/types"
)

// defaultWriteTimeout bounds a single outbound frame write.
const defaultWriteTimeout = 10 * time.Second

// SessionDriver is the subset of *internal/app.Manager the edge layer
// drives. Satisfied by *app.Manager in production.
type SessionDriver interface {
	Admit(ctx context.Context, userID, source string) (string, error)
	Attach(sessionID string, transport app.Transport) error
	OnFrame(ctx context.Context, sessionID string, frame app.InboundFrame) error
	Close(ctx context.Context, sessionID, cause string) error
}

// clientFrame is the wire shape of every inbound client frame (§6): a
// discriminated union keyed by Event, decoded permissively — unused fields
// for a given event are simply left zero-valued.
type clientFrame struct {
	Event      string            `json:"event"`
	UserID     string            `json:"user_id,omitempty"`
	Source     string            `json:"source,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	Text       string            `json:"text,omitempty"`
	Data       string            `json:"data,omitempty"` // base64 audio payload
	SampleRate int               `json:"sample_rate,omitempty"`
	Format     string            `json:"format,omitempty"`
	IsFinal    bool              `json:"is_final,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Settings   map[string]string `json:"settings,omitempty"`
}

// Handler upgrades HTTP connections to WebSocket and drives one Session
// Manager session per connection for its lifetime.
type Handler struct {
	sessions     SessionDriver
	writeTimeout time.Duration
}

// New builds a Handler bound to sessions. Calling code registers it on an
// http.ServeMux (e.g. mux.Handle("/ws", edge.New(mgr, 0))).
func New(sessions SessionDriver, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Handler{sessions: sessions, writeTimeout: writeTimeout}
}

// ServeHTTP upgrades the request to a WebSocket and blocks, serving frames
// until the client disconnects, at which point the bound session (if any)
// is closed (§4.1 close path: "the transport signals disconnect").
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The client origin is validated upstream by the deployment's
		// reverse proxy / CORS layer, not by this core (§1 out-of-scope:
		// "the HTTP/WebSocket framing").
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("edge: websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	t := &wsTransport{conn: conn, ctx: ctx, writeTimeout: h.writeTimeout}
	h.handleConnection(ctx, t)
}

// handleConnection runs the read loop for one connection: the first frame
// must be "hello" (admission); every subsequent frame is dispatched through
// on_frame until the connection errors out or closes.
func (h *Handler) handleConnection(ctx context.Context, t *wsTransport) {
	var sessionID string
	defer func() {
		_ = t.Close()
		if sessionID != "" {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer closeCancel()
			if err := h.sessions.Close(closeCtx, sessionID, "disconnect"); err != nil {
				slog.Warn("edge: close on disconnect failed", "session_id", sessionID, "error", err)
			}
		}
	}()

	for {
		frame, err := t.readFrame(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				slog.Debug("edge: read loop ended", "error", err)
			}
			return
		}

		if sessionID == "" {
			if frame.Event != "hello" {
				t.sendError("unauthenticated", "first frame must be hello")
				continue
			}
			id, err := h.sessions.Admit(ctx, frame.UserID, frame.Source)
			if err != nil {
				t.sendError("validation", err.Error())
				return
			}
			if err := h.sessions.Attach(id, t); err != nil {
				t.sendError("validation", err.Error())
				return
			}
			sessionID = id
			_ = t.SendFrame("connected", map[string]any{"session_id": id})
			continue
		}

		inbound, ok := toInboundFrame(frame)
		if !ok {
			t.sendError("validation", fmt.Sprintf("unrecognized event %q", frame.Event))
			continue
		}
		if err := h.sessions.OnFrame(ctx, sessionID, inbound); err != nil {
			slog.Debug("edge: on_frame failed", "session_id", sessionID, "error", err)
		}
	}
}

// toInboundFrame decodes one wire clientFrame into the Session Manager's
// InboundFrame (§6's event table). false means the event tag is not one of
// the five post-hello events the Session Manager recognizes.
func toInboundFrame(f clientFrame) (app.InboundFrame, bool) {
	switch f.Event {
	case "text":
		return app.InboundFrame{Kind: app.FrameText, Text: f.Text}, true
	case "audio_chunk":
		data, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			return app.InboundFrame{}, false
		}
		format := types.AudioFormatWAV
		if f.Format == string(types.AudioFormatOpus) {
			format = types.AudioFormatOpus
		}
		return app.InboundFrame{
			Kind:       app.FrameAudio,
			Audio:      data,
			SampleRate: f.SampleRate,
			Format:     format,
			IsFinal:    f.IsFinal,
		}, true
	case "heartbeat":
		return app.InboundFrame{Kind: app.FrameHeartbeat}, true
	case "interrupt":
		return app.InboundFrame{Kind: app.FrameInterrupt, Reason: f.Reason}, true
	case "settings":
		return app.InboundFrame{Kind: app.FrameSettings, Settings: f.Settings}, true
	default:
		return app.InboundFrame{}, false
	}
}

// wsTransport implements internal/app.Transport over one WebSocket
// connection. Writes are mutex-serialized: SendFrame is called both from
// the session's single turn goroutine and, on barge-in, from the
// connection's read-loop goroutine (§5 interrupt path), so two frames could
// otherwise race onto the wire interleaved.
type wsTransport struct {
	conn         *websocket.Conn
	ctx          context.Context
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

var _ app.Transport = (*wsTransport)(nil)

// SendFrame marshals {event, ...payload} and writes it as one text message.
func (t *wsTransport) SendFrame(event string, payload any) error {
	envelope := map[string]any{"event": event}
	if m, ok := payload.(map[string]any); ok {
		for k, v := range m {
			envelope[k] = v
		}
	} else if payload != nil {
		envelope["payload"] = payload
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("edge: marshal frame: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}

	writeCtx, cancel := context.WithTimeout(t.ctx, t.writeTimeout)
	defer cancel()
	return t.conn.Write(writeCtx, websocket.MessageText, data)
}

// sendError is a convenience wrapper for the §6 `error {code, message}`
// outbound frame; send failures are swallowed since there is nothing more
// to report them to.
func (t *wsTransport) sendError(code, message string) {
	_ = t.SendFrame("error", map[string]any{"code": code, "message": message})
}

// Close closes the underlying connection. Idempotent.
func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close(websocket.StatusNormalClosure, "")
}

// readFrame blocks for the next client frame, decoding it from JSON.
func (t *wsTransport) readFrame(ctx context.Context) (clientFrame, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return clientFrame{}, err
	}
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return clientFrame{}, fmt.Errorf("edge: decode frame: %w", err)
	}
	return f, nil
}
