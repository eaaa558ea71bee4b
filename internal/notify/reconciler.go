package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rickgao/farmlink-sync/internal/cache"
	"github.com/rickgao/farmlink-sync/internal/metrics"
	"github.com/rickgao/farmlink-sync/internal/model"
	"github.com/rickgao/farmlink-sync/internal/router"
)

// Sources passed to metrics and presentation callbacks.
const (
	SourcePush = "push"
	SourcePoll = "poll"
)

// Reconciliation outcomes.
const (
	OutcomePresented = "presented"
	OutcomeDuplicate = "duplicate"
	OutcomeRead      = "read"
	OutcomeFiltered  = "filtered"
)

// JournalKey is the cache key holding presented notification ids.
const JournalKey = "notifications.presented"

// DefaultJournalSize bounds the number of ids kept in the journal.
const DefaultJournalSize = 500

// Marker marks notifications as read on the server.
type Marker interface {
	MarkNotificationRead(ctx context.Context, id string) error
}

// PresentFunc is called once per presented notification.
type PresentFunc func(n model.Notification, source string)

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithJournal persists presented ids to store so they survive restarts.
func WithJournal(store cache.Store, size int) Option {
	return func(r *Reconciler) {
		r.journal = store
		if size > 0 {
			r.journalSize = size
		}
	}
}

// WithMetrics records reconciliation outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// Reconciler merges pushed and polled notifications through one
// present-once gate keyed by notification id.
type Reconciler struct {
	marker      Marker
	logger      *slog.Logger
	metrics     *metrics.Metrics
	journal     cache.Store
	journalSize int

	mu          sync.Mutex
	presented   map[string]struct{}
	order       []string // presentation order, oldest first
	activeOrder string
	outcomes    map[string]model.OrderOutcome
	unread      map[string]struct{} // presented, not yet marked read
	dirty       bool

	subMu  sync.RWMutex
	nextID int
	subs   map[int]PresentFunc
}

// NewReconciler creates a Reconciler.
func NewReconciler(marker Marker, logger *slog.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		marker:      marker,
		logger:      logger.With("component", "notify"),
		journalSize: DefaultJournalSize,
		presented:   make(map[string]struct{}),
		outcomes:    make(map[string]model.OrderOutcome),
		unread:      make(map[string]struct{}),
		subs:        make(map[int]PresentFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadJournal restores presented ids from the journal. A missing journal is
// not an error.
func (r *Reconciler) LoadJournal(ctx context.Context) error {
	if r.journal == nil {
		return nil
	}
	data, err := r.journal.Get(ctx, JournalKey)
	if errors.Is(err, cache.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load notification journal: %w", err)
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return fmt.Errorf("decode notification journal: %w", err)
	}

	r.mu.Lock()
	for _, id := range ids {
		r.markPresentedLocked(id)
	}
	r.mu.Unlock()

	r.logger.Debug("notification journal loaded", "ids", len(ids))
	return nil
}

// SetActiveOrder narrows presentation to outcomes of orderID. An empty id
// lifts the restriction.
func (r *Reconciler) SetActiveOrder(orderID string) {
	r.mu.Lock()
	r.activeOrder = orderID
	r.mu.Unlock()
}

// ActiveOrder returns the order presentation is narrowed to.
func (r *Reconciler) ActiveOrder() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeOrder
}

// OnPush reconciles a pushed notification. It reports whether it was
// presented.
func (r *Reconciler) OnPush(n model.Notification) bool {
	return r.reconcile(n, SourcePush)
}

// OnPollResult reconciles one poll result and returns the number presented.
// The list is walked oldest first so presentation follows creation order.
func (r *Reconciler) OnPollResult(ns []model.Notification) int {
	presented := 0
	for i := len(ns) - 1; i >= 0; i-- {
		if r.reconcile(ns[i], SourcePoll) {
			presented++
		}
	}
	return presented
}

// Reconcile runs one full pass: the poll result goes through the gate, then
// pending mark-read calls are retried.
func (r *Reconciler) Reconcile(ctx context.Context, ns []model.Notification) {
	r.OnPollResult(ns)
	if err := r.FlushReads(ctx); err != nil {
		r.logger.Warn("mark read failed, will retry", "error", err)
	}
}

func (r *Reconciler) reconcile(n model.Notification, source string) bool {
	outcome := r.gate(n)
	r.metrics.Notification(source, outcome)
	if outcome != OutcomePresented {
		r.logger.Debug("notification skipped",
			"id", n.ID,
			"type", n.Type,
			"source", source,
			"outcome", outcome,
		)
		return false
	}

	r.logger.Info("notification presented",
		"id", n.ID,
		"type", n.Type,
		"order_id", n.RelatedOrderID,
		"source", source,
	)
	for _, fn := range r.subscribers() {
		fn(n, source)
	}
	return true
}

// gate decides whether n is presented and records it when it is.
func (r *Reconciler) gate(n model.Notification) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.presented[n.ID]; ok {
		return OutcomeDuplicate
	}
	if n.IsRead {
		return OutcomeRead
	}
	if r.activeOrder != "" && (!isOrderOutcome(n.Type) || n.RelatedOrderID != r.activeOrder) {
		return OutcomeFiltered
	}

	r.markPresentedLocked(n.ID)
	r.dirty = true
	if isOrderOutcome(n.Type) && n.RelatedOrderID != "" {
		o := r.outcomes[n.RelatedOrderID]
		switch n.Type {
		case model.NotificationOrderAccepted:
			o.Accepted = true
		case model.NotificationOrderRejected:
			o.Rejected = true
		}
		r.outcomes[n.RelatedOrderID] = o
		r.unread[n.ID] = struct{}{}
	}
	return OutcomePresented
}

func (r *Reconciler) markPresentedLocked(id string) {
	if _, ok := r.presented[id]; ok {
		return
	}
	r.presented[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > r.journalSize {
		drop := r.order[:len(r.order)-r.journalSize]
		for _, old := range drop {
			delete(r.presented, old)
		}
		r.order = append([]string(nil), r.order[len(drop):]...)
	}
}

func isOrderOutcome(t model.NotificationType) bool {
	return t == model.NotificationOrderAccepted || t == model.NotificationOrderRejected
}

// Consume returns and clears the outcome observed for orderID.
func (r *Reconciler) Consume(orderID string) model.OrderOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.outcomes[orderID]
	delete(r.outcomes, orderID)
	return o
}

// Pending returns the number of presented outcomes not yet marked read.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unread)
}

// FlushReads marks presented outcomes as read and persists the journal.
// Failed ids stay queued for the next pass.
func (r *Reconciler) FlushReads(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.unread))
	for id := range r.unread {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var errs []error
	if r.marker != nil {
		for _, id := range ids {
			if err := r.marker.MarkNotificationRead(ctx, id); err != nil {
				errs = append(errs, err)
				continue
			}
			r.mu.Lock()
			delete(r.unread, id)
			r.mu.Unlock()
		}
	}

	if err := r.saveJournal(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Reconciler) saveJournal(ctx context.Context) error {
	if r.journal == nil {
		return nil
	}
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return nil
	}
	data, err := json.Marshal(r.order)
	r.dirty = false
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode notification journal: %w", err)
	}

	if err := r.journal.Put(ctx, JournalKey, data); err != nil {
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
		return fmt.Errorf("save notification journal: %w", err)
	}
	return nil
}

// OnPresent registers fn for presented notifications. The returned func
// removes it. fn runs on the pushing or polling goroutine.
func (r *Reconciler) OnPresent(fn PresentFunc) func() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.nextID++
	id := r.nextID
	r.subs[id] = fn
	return func() {
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
	}
}

func (r *Reconciler) subscribers() []PresentFunc {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	fns := make([]PresentFunc, 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	return fns
}

// Bind routes new_notification events into OnPush.
func (r *Reconciler) Bind(rt *router.Router) func() {
	id := router.On(rt, router.NewNotification, func(m router.Message[model.NewNotificationEvent]) {
		r.OnPush(m.Payload.Notification)
	})
	return func() { router.Off(rt, router.NewNotification, id) }
}
