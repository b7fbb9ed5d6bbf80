package channel

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mentorchat/internal/bus"
)

// State of a single conversation's connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// StateChange is the bus payload for channel.state_changed events.
type StateChange struct {
	ConversationID int64
	State          State
}

// Handler receives inbound frames and answers which conversation is active.
// The store implements it.
type Handler interface {
	HandleFrame(conversationID int64, data []byte)
	ActiveConversation() int64
}

// Config parameterizes a Manager.
type Config struct {
	// BaseURL is the websocket origin, e.g. "ws://127.0.0.1:8000".
	BaseURL string
	// Enabled switches live channels on. When false every Connect is a no-op
	// and sends always report "not open".
	Enabled bool
	// MaxAttempts is the per-conversation reconnect budget. 0 means 3.
	MaxAttempts int
	// Token supplies the session auth token; "" makes Connect a silent no-op.
	Token func() string
}

// connection tracks one conversation's socket lifecycle. The socket handle
// is replaced on every reconnect; the attempt counter persists across
// replacements until a successful open resets it or the budget runs out.
type connection struct {
	conversationID int64
	sock           Socket
	state          State
	attempts       int
	maxAttempts    int
	// gen invalidates in-flight dials and read loops of replaced sockets.
	gen int
}

// Manager owns zero or more live duplex connections, one per conversation.
// A single availability flag covers the whole manager: the first hard
// failure (handshake refused, abnormal close, missing endpoint) flips it off
// for the rest of the process, degrading the client to REST-only operation.
type Manager struct {
	cfg     Config
	dial    DialFunc
	after   func(time.Duration, func())
	handler Handler
	bus     *bus.Bus
	logger  *zap.Logger

	mu        sync.Mutex
	conns     map[int64]*connection
	available bool
}

// NewManager creates a manager. SetHandler must be called before Connect.
func NewManager(cfg Config, b *bus.Bus, logger *zap.Logger) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:       cfg,
		dial:      dialGorilla,
		after:     func(d time.Duration, f func()) { time.AfterFunc(d, f) },
		bus:       b,
		logger:    logger,
		conns:     make(map[int64]*connection),
		available: true,
	}
}

// SetHandler binds the frame handler.
func (m *Manager) SetHandler(h Handler) {
	m.handler = h
}

// Available reports whether the live-channel path is still considered
// supported by the deployment.
func (m *Manager) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// IsConnected reports whether an open socket exists for the conversation.
func (m *Manager) IsConnected(conversationID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[conversationID]
	return ok && conn.state == StateConnected && conn.sock != nil
}

// Connect opens (or re-opens) the conversation's channel. No-op when live
// channels are disabled or unavailable, when no token is stored, or when the
// conversation is already connected. The dial runs asynchronously; failures
// surface through the availability flag, never as an error.
func (m *Manager) Connect(conversationID int64) {
	m.mu.Lock()
	if !m.cfg.Enabled || !m.available {
		m.mu.Unlock()
		return
	}
	token := m.cfg.Token()
	if token == "" {
		m.mu.Unlock()
		return
	}

	conn, ok := m.conns[conversationID]
	if !ok {
		conn = &connection{
			conversationID: conversationID,
			state:          StateDisconnected,
			maxAttempts:    m.cfg.MaxAttempts,
		}
		m.conns[conversationID] = conn
	}
	if conn.state == StateConnected && conn.sock != nil {
		m.mu.Unlock()
		return
	}
	if conn.sock != nil {
		_ = conn.sock.Close(websocket.CloseNormalClosure, "replacing connection")
		conn.sock = nil
	}
	conn.state = StateConnecting
	conn.gen++
	gen := conn.gen
	target := fmt.Sprintf("%s/ws/chat/%d/?token=%s", m.cfg.BaseURL, conversationID, url.QueryEscape(token))
	m.mu.Unlock()

	m.publishState(conversationID, StateConnecting)
	go m.open(conversationID, gen, target)
}

func (m *Manager) open(conversationID int64, gen int, target string) {
	sock, err := m.dial(target)

	m.mu.Lock()
	conn, ok := m.conns[conversationID]
	if !ok || conn.gen != gen {
		// Disconnected or replaced while the dial was in flight.
		m.mu.Unlock()
		if err == nil {
			_ = sock.Close(websocket.CloseNormalClosure, "superseded")
		}
		return
	}

	if err != nil {
		// A refused handshake is indistinguishable from a deployment without
		// a socket tier, so the whole live path is switched off rather than
		// hammering an endpoint that is not there.
		conn.state = StateDisconnected
		m.available = false
		m.mu.Unlock()
		m.logger.Warn("channel dial failed, live channels disabled",
			zap.Int64("conversation_id", conversationID),
			zap.Error(err),
		)
		m.publishUnavailable()
		return
	}

	conn.sock = sock
	conn.state = StateConnected
	conn.attempts = 0
	m.available = true
	m.mu.Unlock()

	m.logger.Info("channel open", zap.Int64("conversation_id", conversationID))
	m.publishState(conversationID, StateConnected)
	go m.readLoop(conversationID, gen, sock)
}

func (m *Manager) readLoop(conversationID int64, gen int, sock Socket) {
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			m.handleClose(conversationID, gen, err)
			return
		}
		m.handler.HandleFrame(conversationID, data)
	}
}

// handleClose applies the reconnect policy when a connected socket drops.
//
//   - 1000: clean closure, nothing to do.
//   - 1006, 1002, or a reason mentioning 404: the server side is gone or
//     does not speak this protocol; mark the whole manager unavailable.
//   - anything else: schedule a backoff reconnect while budget remains and
//     the conversation is still the active one at fire time.
func (m *Manager) handleClose(conversationID int64, gen int, err error) {
	code := websocket.CloseAbnormalClosure
	reason := ""
	if ce, ok := err.(*websocket.CloseError); ok {
		code = ce.Code
		reason = ce.Text
	}

	m.mu.Lock()
	conn, ok := m.conns[conversationID]
	if !ok || conn.gen != gen {
		m.mu.Unlock()
		return
	}
	conn.sock = nil
	conn.state = StateDisconnected

	if code == websocket.CloseNormalClosure {
		m.mu.Unlock()
		m.publishState(conversationID, StateDisconnected)
		return
	}

	if code == websocket.CloseAbnormalClosure || code == websocket.CloseProtocolError || strings.Contains(reason, "404") {
		m.available = false
		m.mu.Unlock()
		m.logger.Warn("channel closed abnormally, live channels disabled",
			zap.Int64("conversation_id", conversationID),
			zap.Int("code", code),
			zap.String("reason", reason),
		)
		m.publishUnavailable()
		return
	}

	if m.available && conn.attempts < conn.maxAttempts {
		conn.attempts++
		attempt := conn.attempts
		delay := backoffDelay(attempt)
		m.mu.Unlock()

		m.logger.Info("channel reconnect scheduled",
			zap.Int64("conversation_id", conversationID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)
		m.publishState(conversationID, StateDisconnected)
		m.after(delay, func() {
			// Re-check at fire time instead of cancelling the timer: the
			// user may have navigated away or the path may have gone dark.
			m.mu.Lock()
			retry := m.available && m.handler.ActiveConversation() == conversationID
			m.mu.Unlock()
			if retry {
				m.Connect(conversationID)
			}
		})
		return
	}

	m.available = false
	m.mu.Unlock()
	m.logger.Warn("channel reconnect budget exhausted, live channels disabled",
		zap.Int64("conversation_id", conversationID),
	)
	m.publishUnavailable()
}

// backoffDelay returns min(1s * 2^attempt, 10s).
func backoffDelay(attempt int) time.Duration {
	if attempt > 4 {
		return 10 * time.Second
	}
	d := time.Second << uint(attempt)
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

// Send serializes frame onto the conversation's open channel. Returns false
// when no channel is open so the caller can fall back to REST. A write error
// on an open socket is logged but still counts as sent: delivery will be
// re-established by the close/reconnect path, matching the fire-and-forget
// contract of the live send.
func (m *Manager) Send(conversationID int64, frame any) bool {
	m.mu.Lock()
	conn, ok := m.conns[conversationID]
	if !ok || conn.state != StateConnected || conn.sock == nil {
		m.mu.Unlock()
		return false
	}
	sock := conn.sock
	m.mu.Unlock()

	if err := sock.WriteJSON(frame); err != nil {
		m.logger.Warn("channel write failed",
			zap.Int64("conversation_id", conversationID),
			zap.Error(err),
		)
	}
	return true
}

// Disconnect closes the conversation's channel with a normal code and drops
// its record. Idempotent on an absent id.
func (m *Manager) Disconnect(conversationID int64) {
	m.mu.Lock()
	conn, ok := m.conns[conversationID]
	if ok {
		if conn.sock != nil {
			_ = conn.sock.Close(websocket.CloseNormalClosure, "user disconnected")
		}
		delete(m.conns, conversationID)
	}
	m.mu.Unlock()

	if ok {
		m.publishState(conversationID, StateDisconnected)
	}
}

// DisconnectAll closes every channel and clears the connection set.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.conns))
	for id, conn := range m.conns {
		if conn.sock != nil {
			_ = conn.sock.Close(websocket.CloseNormalClosure, "user disconnected from all conversations")
		}
		ids = append(ids, id)
	}
	m.conns = make(map[int64]*connection)
	m.mu.Unlock()

	for _, id := range ids {
		m.publishState(id, StateDisconnected)
	}
}

func (m *Manager) publishState(conversationID int64, state State) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindChannelStateChanged,
		Timestamp: time.Now(),
		Payload:   StateChange{ConversationID: conversationID, State: state},
	})
}

func (m *Manager) publishUnavailable() {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{Kind: bus.KindChannelUnavailable, Timestamp: time.Now()})
}
