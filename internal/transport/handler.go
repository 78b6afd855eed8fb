package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/echojourney/internal/observe"
	"github.com/MrWong99/echojourney/internal/session"
	"github.com/MrWong99/echojourney/pkg/types"
)

const (
	defaultReadLimit    = 8 << 20
	defaultWriteTimeout = 10 * time.Second
)

// Option configures a [Handler].
type Option func(*Handler)

// WithOriginPatterns sets the host patterns allowed to open cross-origin
// connections, see [websocket.AcceptOptions.OriginPatterns].
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.origins = patterns }
}

// WithReadLimit caps the size of one inbound frame in bytes.
func WithReadLimit(n int64) Option {
	return func(h *Handler) { h.readLimit = n }
}

// WithWriteTimeout bounds how long one outbound frame may take to send.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Handler) { h.writeTimeout = d }
}

// Handler upgrades talk requests to websocket connections and pumps their
// frames through a session. One connection owns one session; frames are
// handled strictly in arrival order.
type Handler struct {
	sessions     *session.Manager
	origins      []string
	readLimit    int64
	writeTimeout time.Duration
}

// NewHandler creates a Handler opening sessions on m.
func NewHandler(m *session.Manager, opts ...Option) *Handler {
	h := &Handler{
		sessions:     m,
		readLimit:    defaultReadLimit,
		writeTimeout: defaultWriteTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register mounts the talk endpoint on mux:
//
//	GET /ws/talk/{session_id}?platform=web|android|ios&deviceId=...
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/talk/{session_id}", h.handleTalk)
}

// handleTalk handles GET /ws/talk/{session_id}. The device id keys the
// learning history; without one the session id is used.
func (h *Handler) handleTalk(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")
	platform, err := types.ParsePlatform(r.URL.Query().Get("platform"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	user := r.URL.Query().Get("deviceId")
	if user == "" {
		user = id
	}
	if _, ok := h.sessions.Get(id); ok {
		http.Error(w, "session already open", http.StatusConflict)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		// Accept has already written the HTTP error.
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(h.readLimit)

	ctx := observe.WithSession(r.Context(), id)
	log := observe.Logger(ctx).With("user_id", user, "platform", platform)

	o, greeting, err := h.sessions.Open(ctx, session.Info{SessionID: id, UserID: user, Platform: platform})
	if err != nil {
		log.Error("transport: open session", "err", err)
		status := websocket.StatusInternalError
		if errors.Is(err, session.ErrExists) {
			status = websocket.StatusPolicyViolation
		}
		conn.Close(status, "session unavailable")
		return
	}
	defer h.sessions.Close(id)

	if err := h.send(ctx, conn, greeting); err != nil {
		log.Warn("transport: send greeting", "err", err)
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				log.Info("transport: client disconnected")
			default:
				if ctx.Err() == nil {
					log.Warn("transport: read", "err", err)
				}
			}
			return
		}

		in, err := Decode(data)
		if err != nil {
			log.Warn("transport: bad frame", "err", err)
			conn.Close(websocket.StatusUnsupportedData, "unknown message")
			return
		}

		var msgs []session.Message
		switch m := in.(type) {
		case StudentMessage:
			msgs, err = o.HandleText(ctx, m.Text)
		case AudioMessage:
			msgs, err = o.HandleAudio(ctx, m.Audio)
		}
		if errors.Is(err, session.ErrClosed) {
			conn.Close(websocket.StatusNormalClosure, "session closed")
			return
		}
		if err != nil {
			// The step was rolled back; the client resends.
			log.Error("transport: handle event", "state", o.State(), "err", err)
			continue
		}
		if err := h.send(ctx, conn, msgs); err != nil {
			log.Warn("transport: send", "err", err)
			return
		}
	}
}

func (h *Handler) send(ctx context.Context, conn *websocket.Conn, msgs []session.Message) error {
	for _, msg := range msgs {
		env, err := Encode(msg)
		if err != nil {
			return err
		}
		wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
		err = wsjson.Write(wctx, conn, env)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}
