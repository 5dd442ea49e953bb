package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"dialbridge/internal/config"
)

// Session is one control-channel connection to the media relay. It carries
// request/response calls (login, dial, hangup) and an event stream of leg
// state changes. At most one active local leg per session; the call
// orchestrator opens a fresh session for every dial attempt.
type Session struct {
	cfg config.SignalingConfig
	log *slog.Logger

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan envelope

	events    chan LegState
	done      chan struct{}
	closeOnce sync.Once
}

func NewSession(cfg config.SignalingConfig, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		cfg:     cfg,
		log:     log,
		pending: make(map[string]chan envelope),
		events:  make(chan LegState, 16),
		done:    make(chan struct{}),
	}
}

// Connect dials the relay socket and performs the login handshake. The whole
// sequence is bounded by the configured connect timeout; any failure wraps
// ErrConnection.
func (s *Session) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, s.cfg.SocketURL, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrConnection, s.cfg.SocketURL, err)
	}
	s.connMu.Lock()
	select {
	case <-s.done:
		// Close raced the dial. The socket was never published, so close
		// it here or it leaks.
		s.connMu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("%w: session closed", ErrConnection)
	default:
	}
	s.conn = conn
	s.connMu.Unlock()

	go s.readLoop(conn)

	if _, err := s.call(ctx, methodLogin, loginParams{
		Login:    s.cfg.Login,
		Password: s.cfg.Password,
	}); err != nil {
		_ = s.Close()
		return fmt.Errorf("%w: login: %v", ErrConnection, err)
	}

	s.log.Info("signaling session established", "socket_url", s.cfg.SocketURL)
	return nil
}

// Park creates the local leg and holds it at the relay, exchanging the given
// SDP offer for the relay's answer.
func (s *Session) Park(ctx context.Context, offerSDP string) (ParkedLeg, error) {
	raw, err := s.call(ctx, methodDial, dialParams{SDP: offerSDP})
	if err != nil {
		return ParkedLeg{}, fmt.Errorf("signaling: park: %w", err)
	}
	var leg ParkedLeg
	if err := json.Unmarshal(raw, &leg); err != nil {
		return ParkedLeg{}, fmt.Errorf("signaling: park result: %w", err)
	}
	if leg.ID == "" {
		return ParkedLeg{}, fmt.Errorf("signaling: park result missing leg id")
	}
	return leg, nil
}

// Hangup releases a parked leg on the relay.
func (s *Session) Hangup(ctx context.Context, legID string) error {
	if _, err := s.call(ctx, methodHangup, hangupParams{LegID: legID}); err != nil {
		return fmt.Errorf("signaling: hangup leg %s: %w", legID, err)
	}
	return nil
}

// Events returns the leg state stream. The channel closes when the session
// closes; slow consumers lose events rather than stalling the read loop.
func (s *Session) Events() <-chan LegState {
	return s.events
}

// Close tears the socket down. Idempotent; pending calls fail with
// ErrConnection.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
		s.failPending()
	})
	return err
}

func (s *Session) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	reply := make(chan envelope, 1)

	s.pendingMu.Lock()
	s.pending[id] = reply
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	if err := s.write(envelope{ID: id, Method: method, Params: rawParams}); err != nil {
		return nil, fmt.Errorf("%w: write %s: %v", ErrConnection, method, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, fmt.Errorf("%w: session closed", ErrConnection)
	case env, ok := <-reply:
		if !ok {
			return nil, fmt.Errorf("%w: session closed", ErrConnection)
		}
		if env.Error != nil {
			return nil, env.Error
		}
		return env.Result, nil
	}
}

func (s *Session) write(env envelope) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(env)
}

func (s *Session) readLoop(conn *websocket.Conn) {
	defer close(s.events)
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			select {
			case <-s.done:
			default:
				s.log.Warn("signaling read loop ended", "err", err)
				_ = s.Close()
			}
			return
		}

		switch {
		case env.ID != "":
			s.dispatchReply(env)
		case env.Method == methodCallState:
			var state LegState
			if err := json.Unmarshal(env.Params, &state); err != nil {
				s.log.Warn("malformed call state event", "err", err)
				continue
			}
			select {
			case s.events <- state:
			default:
				s.log.Warn("dropping leg state event, consumer too slow",
					"leg_id", state.LegID, "state", state.State)
			}
		default:
			s.log.Debug("ignoring unknown relay frame", "method", env.Method)
		}
	}
}

func (s *Session) dispatchReply(env envelope) {
	s.pendingMu.Lock()
	reply, ok := s.pending[env.ID]
	s.pendingMu.Unlock()
	if !ok {
		s.log.Debug("reply for unknown request id", "id", env.ID)
		return
	}
	reply <- env
}

func (s *Session) failPending() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for id, reply := range s.pending {
		close(reply)
		delete(s.pending, id)
	}
}
