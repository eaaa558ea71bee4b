// Package engine assembles the sync core of one signed-in user.
//
// An Engine owns the event router, the room manager, the order store, the
// chat timelines, the price negotiation, the notification reconciler and the
// busy-flag watchdog. It is constructed explicitly with its collaborators, so
// tests can run independent instances side by side.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/rickgao/farmlink-sync/internal/cache"
	"github.com/rickgao/farmlink-sync/internal/chat"
	"github.com/rickgao/farmlink-sync/internal/config"
	"github.com/rickgao/farmlink-sync/internal/connection"
	"github.com/rickgao/farmlink-sync/internal/metrics"
	"github.com/rickgao/farmlink-sync/internal/model"
	"github.com/rickgao/farmlink-sync/internal/negotiation"
	"github.com/rickgao/farmlink-sync/internal/notify"
	"github.com/rickgao/farmlink-sync/internal/orders"
	"github.com/rickgao/farmlink-sync/internal/rooms"
	"github.com/rickgao/farmlink-sync/internal/router"
	"github.com/rickgao/farmlink-sync/internal/session"
	"github.com/rickgao/farmlink-sync/internal/watchdog"
)

// Engine errors.
var (
	ErrNotInitialized = errors.New("engine not initialized")
	ErrNoActiveOrder  = errors.New("no active order")
	ErrBusy           = errors.New("operation already in progress")
	ErrDisposed       = errors.New("engine disposed")
)

// API is the REST surface the engine uses.
type API interface {
	chat.API
	negotiation.OrderUpdater
	notify.Source
	notify.Marker
	CreateOrder(ctx context.Context, req model.CreateOrderRequest) (*model.Order, error)
	SaveLocation(ctx context.Context, loc model.Location) error
	SetToken(token string)
}

// Transport is the real-time session the engine drives.
type Transport interface {
	rooms.Transport
	negotiation.Emitter
	Connect(ctx context.Context, userID string) error
	Close(ctx context.Context) error
	Frames() <-chan connection.Frame
	OnReconnect(fn func())
	State() connection.State
	Rooms() []string
}

// Sessions reads and updates the cached session blob.
type Sessions interface {
	Load(ctx context.Context) (*model.Session, error)
	SaveLocation(ctx context.Context, loc model.Location) error
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Config    config.AgentConfig
	API       API
	Transport Transport
	Sessions  Sessions
	Journal   cache.Store // optional, persists presented notification ids
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Engine is the sync core. It is safe for concurrent use.
type Engine struct {
	api       API
	transport Transport
	sessions  Sessions
	logger    *slog.Logger

	router     *router.Router
	rooms      *rooms.Manager
	orders     *orders.Store
	chat       *chat.Service
	protocol   *negotiation.Protocol
	reconciler *notify.Reconciler
	poller     *notify.Poller
	watchdog   *watchdog.Watchdog

	outbox     *router.Queue[func()]
	outboxDone chan struct{}

	mu       sync.Mutex
	userID   string
	running  bool
	disposed bool
	lifeCtx  context.Context
	cancel   context.CancelFunc
	unbind   []func()
	bg       sync.WaitGroup
}

// New builds an engine. Nothing is started until Init.
func New(d Deps) (*Engine, error) {
	if d.API == nil || d.Transport == nil || d.Sessions == nil {
		return nil, errors.New("engine: api, transport and sessions are required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	codec, err := negotiation.NewCodec(d.Config.Negotiation)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		api:        d.API,
		transport:  d.Transport,
		sessions:   d.Sessions,
		logger:     d.Logger.With("component", "engine"),
		outbox:     router.NewQueue[func()](64),
		outboxDone: make(chan struct{}),
	}

	rcfg := router.DefaultConfig()
	if d.Config.Transport.BufferSize > 0 {
		rcfg.QueueSize = d.Config.Transport.BufferSize
	}
	e.router = router.New(rcfg, d.Logger, d.Metrics)
	e.rooms = rooms.NewManager(d.Transport, e.router, d.Logger)
	e.orders = orders.NewStore(d.Logger, d.Metrics)
	e.chat = chat.NewService(d.API, codec, d.Logger)
	e.protocol = negotiation.New(negotiation.Deps{
		Codec:     codec,
		Messenger: e.chat,
		Orders:    d.API,
		Prices:    e.orders,
		Emitter:   d.Transport,
		Logger:    d.Logger,
		Metrics:   d.Metrics,
	})

	opts := []notify.Option{notify.WithMetrics(d.Metrics)}
	if d.Journal != nil {
		opts = append(opts, notify.WithJournal(d.Journal, notify.DefaultJournalSize))
	}
	e.reconciler = notify.NewReconciler(d.API, d.Logger, opts...)
	e.poller = notify.NewPoller(d.Config.Poller, d.API, e.reconciler.Reconcile,
		func() bool { return e.rooms.CurrentOrder() != "" }, d.Logger, d.Metrics)
	e.watchdog = watchdog.New(d.Config.Watchdog.Timeout, d.Logger, d.Metrics)

	return e, nil
}

// Init resolves the cached session, connects the transport, joins the user
// room and starts routing and polling. A transport failure is not returned:
// the transport keeps reconnecting in the background. An engine cannot be
// started again after Dispose.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	running, disposed := e.running, e.disposed
	e.mu.Unlock()
	if disposed {
		return ErrDisposed
	}
	if running {
		return nil
	}

	sess, err := e.sessions.Load(ctx)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}
	if sess.UserID == "" {
		return fmt.Errorf("resolve session: %w", session.ErrNoSession)
	}

	if err := e.reconciler.LoadJournal(ctx); err != nil {
		e.logger.Warn("notification journal unavailable", "error", err)
	}

	e.mu.Lock()
	if e.running || e.disposed {
		e.mu.Unlock()
		return nil
	}
	e.userID = sess.UserID
	e.api.SetToken(sess.Token)
	e.chat.SetUser(sess.UserID)
	e.lifeCtx, e.cancel = context.WithCancel(context.Background())
	if err := e.router.Start(e.lifeCtx, e.transport.Frames()); err != nil {
		e.cancel()
		e.mu.Unlock()
		return fmt.Errorf("start router: %w", err)
	}
	e.unbind = append(e.unbind,
		e.orders.Bind(e.router),
		e.protocol.Bind(e.router),
		e.reconciler.Bind(e.router),
		e.rooms.OnMessage(e.handleMessage),
		e.orders.Subscribe(e.handleOrder),
		e.watchdog.OnExpire(e.handleExpiry),
	)
	go e.deliverLoop()
	e.running = true
	lifeCtx := e.lifeCtx
	e.mu.Unlock()

	e.transport.OnReconnect(e.handleReconnect)
	if err := e.transport.Connect(ctx, sess.UserID); err != nil {
		e.logger.Warn("transport not connected, retrying in background", "error", err)
	}
	if err := e.rooms.JoinUserRoom(ctx, sess.UserID); err != nil {
		e.logger.Warn("user room not joined", "error", err)
	}
	if err := e.poller.Start(lifeCtx); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}

	e.logger.Info("engine started", "user_id", sess.UserID)
	return nil
}

// Dispose stops the engine and releases the transport. Failures are joined
// and returned after every step has run.
func (e *Engine) Dispose(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.disposed = true
		e.mu.Unlock()
		e.outbox.Close()
		return nil
	}
	e.running = false
	e.disposed = true
	unbind := e.unbind
	e.unbind = nil
	e.cancel()
	e.mu.Unlock()

	for _, fn := range unbind {
		fn()
	}

	var errs []error
	if err := e.poller.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop poller: %w", err))
	}
	e.bg.Wait()
	if err := e.reconciler.FlushReads(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush reads: %w", err))
	}
	e.watchdog.Stop()
	e.rooms.Reset()
	if err := e.transport.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	if err := e.router.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop router: %w", err))
	}
	e.outbox.Close()
	select {
	case <-e.outboxDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("drain callbacks: %w", ctx.Err()))
	}

	e.logger.Info("engine stopped")
	return errors.Join(errs...)
}

// OpenOrder makes orderID the active order: its room is joined, its chat
// loaded and its snapshot seeded into the store.
func (e *Engine) OpenOrder(ctx context.Context, orderID string) (model.Order, error) {
	if err := e.ready(); err != nil {
		return model.Order{}, err
	}

	prev := e.rooms.CurrentOrder()
	e.reconciler.SetActiveOrder(orderID)
	if err := e.rooms.JoinOrderRoom(ctx, orderID); err != nil {
		if errors.Is(err, connection.ErrSubscribeRejected) {
			e.reconciler.SetActiveOrder("")
			return model.Order{}, fmt.Errorf("open order %s: %w", orderID, err)
		}
		e.logger.Warn("order room pending", "order_id", orderID, "error", err)
	}
	if prev != "" && prev != orderID {
		e.chat.Close(prev)
		e.watchdog.Clear(watchdog.Name(watchdog.Awaiting, prev))
	}

	hist, err := e.chat.Open(ctx, orderID)
	if err != nil {
		return model.Order{}, fmt.Errorf("open order %s: %w", orderID, err)
	}
	e.absorb(hist)

	order, _ := e.orders.Order(orderID)
	if order.Status == model.StatusPending {
		e.watchdog.Set(watchdog.Name(watchdog.Awaiting, orderID))
	}
	return order, nil
}

// CloseOrder leaves the active order.
func (e *Engine) CloseOrder() {
	orderID := e.rooms.CurrentOrder()
	e.rooms.LeaveOrderRoom()
	e.reconciler.SetActiveOrder("")
	if orderID != "" {
		e.chat.Close(orderID)
		e.watchdog.Clear(watchdog.Name(watchdog.Awaiting, orderID))
	}
}

// CreateOrder submits a new order and waits for its acceptance in the
// background.
func (e *Engine) CreateOrder(ctx context.Context, req model.CreateOrderRequest) (*model.Order, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if !e.watchdog.TrySet(watchdog.CreatingOrder) {
		return nil, ErrBusy
	}
	defer e.watchdog.Clear(watchdog.CreatingOrder)

	order, err := e.api.CreateOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	e.orders.Seed(*order)
	if !order.Status.IsTerminal() {
		e.watchdog.Set(watchdog.Name(watchdog.Awaiting, order.ID))
	}
	e.logger.Info("order created", "order_id", order.ID, "status", order.Status)
	return order, nil
}

// SaveLocation stores the user's location on the server and in the cached
// session.
func (e *Engine) SaveLocation(ctx context.Context, loc model.Location) error {
	if err := e.ready(); err != nil {
		return err
	}
	if !e.watchdog.TrySet(watchdog.SavingLocation) {
		return ErrBusy
	}
	defer e.watchdog.Clear(watchdog.SavingLocation)

	if err := e.api.SaveLocation(ctx, loc); err != nil {
		return err
	}
	if err := e.sessions.SaveLocation(ctx, loc); err != nil {
		e.logger.Warn("cached location not updated", "error", err)
	}
	return nil
}

// SendMessage posts body to the active order's chat.
func (e *Engine) SendMessage(ctx context.Context, body string) (model.ChatMessage, error) {
	if err := e.ready(); err != nil {
		return model.ChatMessage{}, err
	}
	orderID := e.rooms.CurrentOrder()
	if orderID == "" {
		return model.ChatMessage{}, ErrNoActiveOrder
	}
	msg, err := e.chat.Send(ctx, orderID, body)
	if err != nil {
		return model.ChatMessage{}, err
	}
	e.protocol.Observe(msg)
	return msg, nil
}

// ResolveProposal answers a price proposal. Answering a resolved proposal is
// a no-op.
func (e *Engine) ResolveProposal(ctx context.Context, proposalID string, decision model.Decision) error {
	if err := e.ready(); err != nil {
		return err
	}
	flag := watchdog.Name(watchdog.Resolving, proposalID)
	if !e.watchdog.TrySet(flag) {
		return ErrBusy
	}
	defer e.watchdog.Clear(flag)
	return e.protocol.Resolve(ctx, proposalID, decision)
}

// ConsumeOutcome returns and clears the accept/reject outcome observed for
// orderID.
func (e *Engine) ConsumeOutcome(orderID string) model.OrderOutcome {
	return e.reconciler.Consume(orderID)
}

func (e *Engine) ready() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotInitialized
	}
	return nil
}

// absorb merges a fetched chat history into the read models.
func (e *Engine) absorb(hist *model.ChatHistory) {
	if hist.Order.ID != "" {
		e.orders.Seed(hist.Order)
	}
	for _, m := range hist.Messages {
		e.protocol.Observe(m)
	}
}

// handleMessage runs on the router goroutine for messages of the active order.
func (e *Engine) handleMessage(msg model.ChatMessage) {
	decoded, ok := e.chat.Ingest(msg)
	if !ok {
		return
	}
	e.protocol.Observe(decoded)
}

func (e *Engine) handleOrder(o model.Order) {
	if o.Status != "" && o.Status != model.StatusPending {
		e.watchdog.Clear(watchdog.Name(watchdog.Awaiting, o.ID))
	}
}

// handleExpiry refreshes an order whose awaited update never arrived.
func (e *Engine) handleExpiry(name string) {
	if watchdog.Kind(name) != watchdog.Awaiting {
		return
	}
	orderID := strings.TrimPrefix(name, watchdog.Awaiting+":")
	e.background(func(ctx context.Context) {
		if err := e.refresh(ctx, orderID); err != nil {
			e.logger.Warn("order refresh failed", "order_id", orderID, "error", err)
		}
	})
}

// handleReconnect catches up on whatever the transport missed while down.
func (e *Engine) handleReconnect() {
	e.poller.Trigger()
	if orderID := e.rooms.CurrentOrder(); orderID != "" {
		e.background(func(ctx context.Context) {
			if err := e.refresh(ctx, orderID); err != nil {
				e.logger.Warn("resync after reconnect failed", "order_id", orderID, "error", err)
			}
		})
	}
}

// refresh reloads the chat and snapshot of orderID.
func (e *Engine) refresh(ctx context.Context, orderID string) error {
	if e.rooms.CurrentOrder() == orderID {
		hist, err := e.chat.Open(ctx, orderID)
		if err != nil {
			return err
		}
		e.absorb(hist)
		return nil
	}
	hist, err := e.api.GetChat(ctx, orderID)
	if err != nil {
		return err
	}
	if hist.Order.ID != "" {
		e.orders.Seed(hist.Order)
	}
	return nil
}

// post queues a subscriber callback. Callbacks posted before Init wait for
// the delivery goroutine; callbacks posted after Dispose are dropped.
func (e *Engine) post(fn func()) {
	e.outbox.Push(fn)
}

func (e *Engine) deliverLoop() {
	defer close(e.outboxDone)
	for {
		fn, ok := e.outbox.Pop()
		if !ok {
			return
		}
		func() {
			defer func() {
				if p := recover(); p != nil {
					e.logger.Error("subscriber panicked", "panic", p)
				}
			}()
			fn()
		}()
	}
}

func (e *Engine) background(fn func(ctx context.Context)) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	ctx := e.lifeCtx
	e.bg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.bg.Done()
		fn(ctx)
	}()
}
