package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rickgao/farmlink-sync/internal/auth"
	"github.com/rickgao/farmlink-sync/internal/metrics"
	"github.com/rickgao/farmlink-sync/internal/version"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// TokenSource returns the bearer token of the signed-in user.
type TokenSource func() string

// session is one live websocket connection.
type session struct {
	client   Client
	socketID string
	userID   string
	stop     chan struct{} // closed when the session is torn down
	stopOnce sync.Once
	done     chan struct{} // closed when readLoop exits

	// Subscription/ack correlation
	pendingMu sync.Mutex
	pending   map[string]chan Frame
	ackID     int64 // Atomic counter
}

func (s *session) close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.client.Close()
	})
}

func (s *session) await(key string) chan Frame {
	ch := make(chan Frame, 1)
	s.pendingMu.Lock()
	s.pending[key] = ch
	s.pendingMu.Unlock()
	return ch
}

func (s *session) forget(key string) {
	s.pendingMu.Lock()
	delete(s.pending, key)
	s.pendingMu.Unlock()
}

// routeResponse sends a confirmation to the waiting goroutine.
func (s *session) routeResponse(f Frame) {
	s.pendingMu.Lock()
	ch, ok := s.pending[f.Key]
	if ok {
		delete(s.pending, f.Key)
	}
	s.pendingMu.Unlock()

	if ok {
		select {
		case ch <- f:
		default:
		}
	}
}

// Manager owns the transport session: connection lifecycle, the joined room
// set and reconnection. It is safe for concurrent use.
type Manager struct {
	cfg        ManagerConfig
	proto      Protocol
	authorizer auth.Authorizer
	tokens     TokenSource
	logger     *slog.Logger
	metrics    *metrics.Metrics
	newClient  func(ClientConfig, *slog.Logger) Client

	limiter  *rate.Limiter
	connects singleflight.Group
	subs     singleflight.Group

	// Output to the event router
	frames    chan Frame
	closing   chan struct{}
	closeOnce  sync.Once
	framesOnce sync.Once
	wg         sync.WaitGroup

	mu          sync.RWMutex
	state       State
	userID      string
	sess        *session
	rooms       map[string]bool // joined room → confirmed on the current session
	attempts    int
	lifeCtx     context.Context
	lifeCancel  context.CancelFunc
	onReconnect []func()
	onState     []func(State)

	received atomic.Int64
	dropped  atomic.Int64
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithAuthorizer sets the private channel grant source.
func WithAuthorizer(a auth.Authorizer) ManagerOption {
	return func(m *Manager) { m.authorizer = a }
}

// WithTokenSource sets the bearer token source used on connect.
func WithTokenSource(ts TokenSource) ManagerOption {
	return func(m *Manager) { m.tokens = ts }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// WithClientFactory replaces the websocket client constructor.
func WithClientFactory(f func(ClientConfig, *slog.Logger) Client) ManagerOption {
	return func(m *Manager) { m.newClient = f }
}

// NewManager creates a transport manager speaking proto.
func NewManager(cfg ManagerConfig, proto Protocol, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultManagerConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.ClientEventRate <= 0 {
		cfg.ClientEventRate = def.ClientEventRate
	}
	if cfg.ClientEventBurst <= 0 {
		cfg.ClientEventBurst = def.ClientEventBurst
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = def.SubscribeTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	m := &Manager{
		cfg:       cfg,
		proto:     proto,
		tokens:    func() string { return "" },
		logger:    logger.With("component", "transport", "backend", proto.Name()),
		newClient: NewClient,
		limiter:   rate.NewLimiter(rate.Limit(cfg.ClientEventRate), cfg.ClientEventBurst),
		frames:    make(chan Frame, cfg.BufferSize),
		closing:   make(chan struct{}),
		rooms:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Frames returns decoded application events for the router. The channel is
// closed by Close.
func (m *Manager) Frames() <-chan Frame {
	return m.frames
}

// OnReconnect registers fn to run after every automatic reconnection.
func (m *Manager) OnReconnect(fn func()) {
	m.mu.Lock()
	m.onReconnect = append(m.onReconnect, fn)
	m.mu.Unlock()
}

// OnStateChange registers fn to observe state transitions. fn runs with the
// manager locked and must not call back into it.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.onState = append(m.onState, fn)
	m.mu.Unlock()
}

// Connect opens a session for userID. It is a no-op while a session for the
// same user is connected or reconnecting; a different user tears down the
// current session and its rooms first. Concurrent calls for one user share a
// single handshake. When the handshake fails the manager keeps retrying in
// the background and the error is returned.
func (m *Manager) Connect(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrUserRequired
	}

	m.mu.Lock()
	if m.isClosed() {
		m.mu.Unlock()
		return ErrAlreadyClosed
	}
	if m.userID == userID && (m.state == StateConnected || m.state == StateReconnecting) {
		m.mu.Unlock()
		return nil
	}
	var old *session
	if m.userID != userID {
		if m.userID != "" {
			m.logger.Info("switching user, tearing down session", "from", m.userID, "to", userID)
		}
		old = m.resetLocked()
		m.userID = userID
		m.lifeCtx, m.lifeCancel = context.WithCancel(context.Background())
	}
	m.mu.Unlock()

	if old != nil {
		old.close()
	}

	_, err, shared := m.connects.Do(userID, func() (any, error) {
		return nil, m.connect(ctx, userID)
	})
	if shared {
		m.logger.Debug("connect joined in-flight attempt", "user_id", userID)
	}
	return err
}

func (m *Manager) connect(ctx context.Context, userID string) error {
	m.mu.Lock()
	if m.userID != userID {
		m.mu.Unlock()
		return ErrSuperseded
	}
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	lifeCtx := m.lifeCtx
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	sess, err := m.dial(ctx, userID)
	if err != nil {
		m.logger.Warn("connect failed, scheduling reconnect", "user_id", userID, "error", err)
		m.mu.Lock()
		if m.userID == userID && m.sess == nil {
			m.setStateLocked(StateReconnecting)
			m.wg.Add(1)
			go m.reconnect(lifeCtx, userID)
		}
		m.mu.Unlock()
		return fmt.Errorf("connect: %w", err)
	}

	return m.adopt(lifeCtx, sess, false)
}

// Disconnect closes the session and clears the joined room set.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	sess := m.resetLocked()
	m.userID = ""
	m.mu.Unlock()

	if sess != nil {
		sess.close()
	}
	m.logger.Info("disconnected")
}

// resetLocked cancels the user lifecycle and returns the session to close.
func (m *Manager) resetLocked() *session {
	if m.lifeCancel != nil {
		m.lifeCancel()
		m.lifeCancel = nil
	}
	sess := m.sess
	m.sess = nil
	m.rooms = make(map[string]bool)
	m.attempts = 0
	m.setStateLocked(StateDisconnected)
	return sess
}

// Close disconnects, waits for background work and closes Frames. It is
// safe to call more than once; a Close that timed out can be retried.
func (m *Manager) Close(ctx context.Context) error {
	m.Disconnect()
	m.closeOnce.Do(func() { close(m.closing) })

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.framesOnce.Do(func() { close(m.frames) })
		return nil
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, frames channel left open")
		return ctx.Err()
	}
}

func (m *Manager) isClosed() bool {
	select {
	case <-m.closing:
		return true
	default:
		return false
	}
}

// IsConnected reports whether a session is established.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateConnected
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Rooms returns the joined room set, sorted.
func (m *Manager) Rooms() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.roomListLocked()
}

func (m *Manager) roomListLocked() []string {
	rooms := make([]string, 0, len(m.rooms))
	for r := range m.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms
}

// Stats returns a snapshot of the session.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{
		State:             m.state,
		UserID:            m.userID,
		Rooms:             len(m.rooms),
		ReconnectAttempts: m.attempts,
		FramesReceived:    m.received.Load(),
		FramesDropped:     m.dropped.Load(),
	}
	if m.sess != nil {
		st.SocketID = m.sess.socketID
	}
	return st
}

// Subscribe joins room. While disconnected the room is recorded and joined on
// the next connection. Joining an already active room is a no-op. A refused
// grant or subscription removes the room and returns ErrSubscribeRejected.
func (m *Manager) Subscribe(ctx context.Context, room string) error {
	m.mu.Lock()
	if m.userID == "" {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if m.rooms[room] {
		m.mu.Unlock()
		return nil
	}
	m.rooms[room] = false
	sess := m.sess
	m.mu.Unlock()

	if sess == nil {
		m.logger.Debug("room recorded, will join on connect", "room", room)
		return nil
	}

	_, err, _ := m.subs.Do(room, func() (any, error) {
		return nil, m.subscribeWire(ctx, sess, room)
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, wanted := m.rooms[room]; !wanted {
		// Unsubscribed meanwhile
		return nil
	}
	switch {
	case err == nil:
		if m.sess == sess {
			m.rooms[room] = true
		}
		return nil
	case isRejected(err):
		delete(m.rooms, room)
		m.logger.Warn("subscription refused", "room", room, "error", err)
		return err
	default:
		// Transport trouble; the room stays joined and is retried on reconnect.
		m.logger.Warn("subscription pending", "room", room, "error", err)
		return err
	}
}

// Unsubscribe leaves room.
func (m *Manager) Unsubscribe(room string) error {
	m.mu.Lock()
	confirmed, ok := m.rooms[room]
	delete(m.rooms, room)
	sess := m.sess
	m.mu.Unlock()

	if !ok || !confirmed || sess == nil {
		return nil
	}

	data, err := m.proto.UnsubscribeFrame(m.proto.Channel(room))
	if err != nil {
		return err
	}
	if err := sess.client.Send(data); err != nil {
		m.logger.Warn("unsubscribe send failed", "room", room, "error", err)
		return fmt.Errorf("unsubscribe %s: %w", room, err)
	}
	m.logger.Debug("unsubscribed", "room", room)
	return nil
}

// Emit sends a client event to room, waiting on the outbound rate limit.
func (m *Manager) Emit(ctx context.Context, room, event string, payload any) error {
	if err := m.limiter.Wait(ctx); err != nil {
		m.metrics.ClientEvent("rate_limited")
		return fmt.Errorf("emit %s: %w", event, err)
	}

	m.mu.RLock()
	sess := m.sess
	m.mu.RUnlock()
	if sess == nil {
		m.metrics.ClientEvent("not_connected")
		return ErrNotConnected
	}

	data, err := m.proto.EventFrame(m.proto.Channel(room), event, payload)
	if err != nil {
		return err
	}
	if err := sess.client.Send(data); err != nil {
		m.metrics.ClientEvent("failed")
		return fmt.Errorf("emit %s: %w", event, err)
	}
	m.metrics.ClientEvent("sent")
	return nil
}

func isRejected(err error) bool {
	return err != nil && errors.Is(err, ErrSubscribeRejected)
}

// subscribeWire authorizes and subscribes room on sess, waiting for the
// confirmation.
func (m *Manager) subscribeWire(ctx context.Context, sess *session, room string) error {
	channel := m.proto.Channel(room)

	var grant string
	if m.proto.NeedsGrant(channel) {
		if m.authorizer == nil {
			return fmt.Errorf("%w: no authorizer for %s", ErrSubscribeRejected, channel)
		}
		g, err := m.authorizer.Authorize(ctx, sess.socketID, channel)
		if err != nil {
			return fmt.Errorf("%w: grant for %s: %v", ErrSubscribeRejected, channel, err)
		}
		grant = g.Auth
	}

	id := atomic.AddInt64(&sess.ackID, 1)
	data, key, err := m.proto.SubscribeFrame(channel, grant, id)
	if err != nil {
		return err
	}

	respCh := sess.await(key)
	defer sess.forget(key)

	if err := sess.client.Send(data); err != nil {
		return err
	}

	timer := time.NewTimer(m.cfg.SubscribeTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sess.stop:
		return ErrNotConnected
	case <-timer.C:
		return ErrTimeout
	case resp := <-respCh:
		if resp.Kind == FrameSubscribeError || resp.Err != "" {
			return fmt.Errorf("%w: %s: %s", ErrSubscribeRejected, channel, resp.Err)
		}
		m.logger.Debug("subscribed", "room", room, "channel", channel)
		return nil
	}
}

// dial opens a websocket and completes the protocol handshake.
func (m *Manager) dial(ctx context.Context, userID string) (*session, error) {
	token := m.tokens()
	client := m.newClient(ClientConfig{
		URL:              m.proto.DialURL(m.cfg.URL),
		Token:            token,
		UserAgent:        version.UserAgent(),
		HandshakeTimeout: m.cfg.HandshakeTimeout,
		PingTimeout:      m.cfg.PingTimeout,
		WriteTimeout:     m.cfg.WriteTimeout,
		BufferSize:       m.cfg.BufferSize,
	}, m.logger.With("user_id", userID))

	hctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	if err := client.Connect(hctx); err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	socketID, err := m.handshake(hctx, client, token)
	if err != nil {
		client.Close()
		return nil, err
	}

	return &session{
		client:   client,
		socketID: socketID,
		userID:   userID,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		pending:  make(map[string]chan Frame),
	}, nil
}

// handshake reads frames until the server assigns a socket id.
func (m *Manager) handshake(ctx context.Context, client Client, token string) (string, error) {
	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return "", ErrHandshakeTimeout
			}
			return "", ctx.Err()
		case err := <-client.Errors():
			return "", fmt.Errorf("handshake: %w", err)
		case msg := <-client.Messages():
			f, err := m.proto.Decode(msg.Data)
			if err != nil {
				m.logger.Debug("ignoring handshake frame", "error", err)
				continue
			}
			switch f.Kind {
			case FrameOpen:
				if data := m.proto.ConnectFrame(token); data != nil {
					if err := client.Send(data); err != nil {
						return "", fmt.Errorf("handshake: %w", err)
					}
				}
			case FramePing:
				client.Send(m.proto.PongFrame())
			case FrameConnected:
				return f.SocketID, nil
			case FrameError, FrameClose:
				return "", fmt.Errorf("%w: %s", ErrHandshakeRejected, f.Err)
			}
		}
	}
}

// adopt installs a freshly dialed session and restores the room set.
func (m *Manager) adopt(ctx context.Context, sess *session, reconnected bool) error {
	m.mu.Lock()
	if m.userID != sess.userID || m.isClosed() {
		m.mu.Unlock()
		sess.close()
		return ErrSuperseded
	}
	if m.sess != nil && m.sess != sess {
		// A concurrent path already installed a session for this user.
		m.mu.Unlock()
		sess.close()
		return nil
	}
	m.sess = sess
	m.attempts = 0
	for r := range m.rooms {
		m.rooms[r] = false
	}
	rooms := m.roomListLocked()
	m.setStateLocked(StateConnected)
	var hooks []func()
	if reconnected {
		hooks = append(hooks, m.onReconnect...)
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.readLoop(sess)

	m.logger.Info("connected",
		"user_id", sess.userID,
		"socket_id", sess.socketID,
		"rooms", len(rooms),
		"reconnected", reconnected,
	)

	m.resubscribe(ctx, sess, rooms)

	for _, fn := range hooks {
		fn()
	}
	return nil
}

// resubscribe joins every room of the set on sess.
func (m *Manager) resubscribe(ctx context.Context, sess *session, rooms []string) {
	for _, room := range rooms {
		err := m.subscribeWire(ctx, sess, room)

		m.mu.Lock()
		_, wanted := m.rooms[room]
		switch {
		case !wanted || m.sess != sess:
		case err == nil:
			m.rooms[room] = true
		case isRejected(err):
			delete(m.rooms, room)
			m.logger.Warn("resubscribe refused, room dropped", "room", room, "error", err)
		default:
			m.logger.Warn("resubscribe failed", "room", room, "error", err)
		}
		m.mu.Unlock()
	}
}

// readLoop decodes frames from sess until it fails or is torn down.
func (m *Manager) readLoop(sess *session) {
	defer m.wg.Done()
	defer close(sess.done)

	for {
		select {
		case <-sess.stop:
			return

		case err := <-sess.client.Errors():
			m.handleDrop(sess, err)
			return

		case msg := <-sess.client.Messages():
			f, err := m.proto.Decode(msg.Data)
			if err != nil {
				m.dropped.Add(1)
				m.metrics.EventDropped("malformed_frame")
				m.logger.Warn("dropping malformed frame", "error", err)
				continue
			}
			f.ReceivedAt = msg.ReceivedAt
			m.metrics.FrameReceived(f.Kind.String())

			switch f.Kind {
			case FramePing:
				if err := sess.client.Send(m.proto.PongFrame()); err != nil {
					m.logger.Debug("failed to send pong", "error", err)
				}
			case FrameSubscribed, FrameSubscribeError, FrameAck:
				sess.routeResponse(f)
			case FrameClose:
				m.handleDrop(sess, fmt.Errorf("server closed session: %s", f.Err))
				return
			case FrameError:
				m.logger.Warn("protocol error", "error", f.Err)
			case FrameEvent:
				m.received.Add(1)
				select {
				case m.frames <- f:
				case <-sess.stop:
					return
				default:
					m.dropped.Add(1)
					m.metrics.EventDropped("buffer_full")
					m.logger.Warn("frame buffer full, dropping", "event", f.Event)
				}
			}
		}
	}
}

// handleDrop replaces a failed session with a background reconnect.
func (m *Manager) handleDrop(sess *session, cause error) {
	m.mu.Lock()
	if m.sess != sess {
		m.mu.Unlock()
		sess.close()
		return
	}
	m.sess = nil
	for r := range m.rooms {
		m.rooms[r] = false
	}
	ctx := m.lifeCtx
	userID := m.userID
	m.setStateLocked(StateReconnecting)
	if ctx != nil && !m.isClosed() {
		m.wg.Add(1)
		go m.reconnect(ctx, userID)
	}
	m.mu.Unlock()

	sess.close()
	m.logger.Warn("transport dropped", "user_id", userID, "error", cause)
}

// reconnect redials with exponential backoff until it succeeds, the attempt
// cap is reached or the user lifecycle ends.
func (m *Manager) reconnect(ctx context.Context, userID string) {
	defer m.wg.Done()

	b := &backoff.ExponentialBackOff{
		InitialInterval:     m.cfg.ReconnectBaseDelay,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         m.cfg.ReconnectMaxDelay,
	}

	attempt := func() (*session, error) {
		m.mu.Lock()
		if m.userID != userID {
			m.mu.Unlock()
			return nil, backoff.Permanent(ErrSuperseded)
		}
		m.attempts++
		n := m.attempts
		m.mu.Unlock()

		m.metrics.ReconnectAttempt()
		m.logger.Info("attempting reconnection", "user_id", userID, "attempt", n)
		return m.dial(ctx, userID)
	}

	// First retry waits one base delay like every later one.
	select {
	case <-ctx.Done():
		return
	case <-time.After(m.cfg.ReconnectBaseDelay):
	}

	sess, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(m.cfg.MaxReconnectAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.Warn("reconnection failed", "user_id", userID, "error", err, "next", next)
		}),
	)
	if err != nil {
		m.mu.Lock()
		if m.userID == userID && m.sess == nil {
			m.setStateLocked(StateDisconnected)
		}
		m.mu.Unlock()
		if ctx.Err() == nil && !errors.Is(err, ErrSuperseded) {
			m.logger.Error("reconnect attempts exhausted, staying disconnected",
				"user_id", userID,
				"attempts", m.cfg.MaxReconnectAttempts,
				"error", err,
			)
		}
		return
	}

	if err := m.adopt(ctx, sess, true); err != nil {
		m.logger.Debug("reconnected session discarded", "error", err)
	}
}

// setStateLocked records a transition. Callers hold m.mu.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.metrics.SetConnectionState(int(s))
	for _, fn := range m.onState {
		fn(s)
	}
}
