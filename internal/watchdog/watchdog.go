// Package watchdog bounds client-side busy flags.
//
// A flag set while an operation waits for a server confirmation is cleared
// by the watchdog if the confirmation never arrives, so no pending state
// outlives its timeout.
package watchdog

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rickgao/farmlink-sync/internal/metrics"
)

// Well-known flag names. Per-entity flags append ":<id>".
const (
	CreatingOrder  = "creating_order"
	SavingLocation = "saving_location"
	Resolving      = "resolving"
	Awaiting       = "awaiting"
)

// DefaultTimeout is used when New is given a non-positive timeout.
const DefaultTimeout = 30 * time.Second

// Name builds a per-entity flag name such as "awaiting:O1".
func Name(kind, id string) string {
	return kind + ":" + id
}

// Kind returns the flag kind, the part of name before the first colon.
func Kind(name string) string {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[:i]
	}
	return name
}

// ExpireFunc is called with the name of a flag cleared by timeout.
type ExpireFunc func(name string)

type flag struct {
	gen   uint64
	since time.Time
	timer *time.Timer
}

// Watchdog tracks named busy flags, each with its own deadline.
type Watchdog struct {
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	gen   uint64
	flags map[string]*flag

	subMu  sync.RWMutex
	nextID int
	subs   map[int]ExpireFunc
}

// New creates a Watchdog.
func New(timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Watchdog {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		timeout: timeout,
		logger:  logger.With("component", "watchdog"),
		metrics: m,
		flags:   make(map[string]*flag),
		subs:    make(map[int]ExpireFunc),
	}
}

// Set raises name with the default timeout. Setting a raised flag restarts
// its deadline.
func (w *Watchdog) Set(name string) {
	w.SetFor(name, w.timeout)
}

// SetFor raises name with timeout d.
func (w *Watchdog) SetFor(name string, d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.setLocked(name, d)
}

func (w *Watchdog) setLocked(name string, d time.Duration) {
	if f, ok := w.flags[name]; ok {
		f.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.flags[name] = &flag{
		gen:   gen,
		since: time.Now(),
		timer: time.AfterFunc(d, func() { w.expire(name, gen) }),
	}
}

// TrySet raises name unless it is already raised. It reports whether the
// flag was raised by this call.
func (w *Watchdog) TrySet(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.flags[name]; ok {
		return false
	}
	w.setLocked(name, w.timeout)
	return true
}

// Clear lowers name. It reports whether the flag was raised.
func (w *Watchdog) Clear(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, ok := w.flags[name]
	if !ok {
		return false
	}
	f.timer.Stop()
	delete(w.flags, name)
	return true
}

// Busy reports whether name is raised.
func (w *Watchdog) Busy(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.flags[name]
	return ok
}

// Active returns the raised flags in name order.
func (w *Watchdog) Active() []string {
	w.mu.Lock()
	names := make([]string, 0, len(w.flags))
	for name := range w.flags {
		names = append(names, name)
	}
	w.mu.Unlock()
	sort.Strings(names)
	return names
}

// Stop lowers every flag without firing expiry callbacks.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for name, f := range w.flags {
		f.timer.Stop()
		delete(w.flags, name)
	}
}

// OnExpire registers fn for flags cleared by timeout. The returned func
// removes it.
func (w *Watchdog) OnExpire(fn ExpireFunc) func() {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	w.nextID++
	id := w.nextID
	w.subs[id] = fn
	return func() {
		w.subMu.Lock()
		delete(w.subs, id)
		w.subMu.Unlock()
	}
}

func (w *Watchdog) expire(name string, gen uint64) {
	w.mu.Lock()
	f, ok := w.flags[name]
	if !ok || f.gen != gen {
		// cleared or re-armed after the timer fired
		w.mu.Unlock()
		return
	}
	delete(w.flags, name)
	held := time.Since(f.since)
	w.mu.Unlock()

	w.metrics.WatchdogExpired(Kind(name))
	w.logger.Warn("busy flag expired", "flag", name, "held", held)

	w.subMu.RLock()
	fns := make([]ExpireFunc, 0, len(w.subs))
	for _, fn := range w.subs {
		fns = append(fns, fn)
	}
	w.subMu.RUnlock()
	for _, fn := range fns {
		fn(name)
	}
}
