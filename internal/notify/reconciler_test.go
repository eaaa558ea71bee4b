package notify

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rickgao/farmlink-sync/internal/cache"
	"github.com/rickgao/farmlink-sync/internal/connection"
	"github.com/rickgao/farmlink-sync/internal/metrics"
	"github.com/rickgao/farmlink-sync/internal/model"
	"github.com/rickgao/farmlink-sync/internal/router"
)

type fakeMarker struct {
	mu     sync.Mutex
	marked []string
	fail   map[string]bool
}

func (f *fakeMarker) MarkNotificationRead(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[id] {
		return errors.New("unavailable")
	}
	f.marked = append(f.marked, id)
	return nil
}

func accepted(id, orderID string) model.Notification {
	return model.Notification{ID: id, Type: model.NotificationOrderAccepted, RelatedOrderID: orderID}
}

func TestReconciler_PushAndPollPresentOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewReconciler(&fakeMarker{}, nil, WithMetrics(metrics.New(reg)))

	var presented []string
	r.OnPresent(func(n model.Notification, source string) {
		presented = append(presented, n.ID+"/"+source)
	})

	n1 := accepted("N1", "O1")
	if !r.OnPush(n1) {
		t.Fatal("OnPush(N1) = false")
	}
	if got := r.OnPollResult([]model.Notification{n1}); got != 0 {
		t.Errorf("OnPollResult presented %d, want 0", got)
	}

	if len(presented) != 1 || presented[0] != "N1/push" {
		t.Errorf("presented = %v, want [N1/push]", presented)
	}
	if o := r.Consume("O1"); !o.Accepted || o.Rejected {
		t.Errorf("Consume(O1) = %+v, want accepted", o)
	}
	if o := r.Consume("O1"); !o.Empty() {
		t.Errorf("second Consume(O1) = %+v, want empty", o)
	}

	expected := `
# HELP farmlink_sync_notifications_total Notifications seen by source and outcome.
# TYPE farmlink_sync_notifications_total counter
farmlink_sync_notifications_total{outcome="duplicate",source="poll"} 1
farmlink_sync_notifications_total{outcome="presented",source="push"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "farmlink_sync_notifications_total"); err != nil {
		t.Error(err)
	}
}

func TestReconciler_PollThenPush(t *testing.T) {
	r := NewReconciler(nil, nil)
	n := accepted("N1", "O1")
	if r.OnPollResult([]model.Notification{n}) != 1 {
		t.Fatal("poll did not present N1")
	}
	if r.OnPush(n) {
		t.Error("push presented N1 again")
	}
}

func TestReconciler_ActiveOrderScoping(t *testing.T) {
	r := NewReconciler(nil, nil)
	r.SetActiveOrder("O2")

	tests := []struct {
		name string
		n    model.Notification
		want bool
	}{
		{"previous order", accepted("N1", "O1"), false},
		{"complaint", model.Notification{ID: "N2", Type: model.NotificationComplaintStatusUpdated, RelatedOrderID: "O2"}, false},
		{"already read", model.Notification{ID: "N3", Type: model.NotificationOrderRejected, RelatedOrderID: "O2", IsRead: true}, false},
		{"active order", model.Notification{ID: "N4", Type: model.NotificationOrderRejected, RelatedOrderID: "O2"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.OnPush(tt.n); got != tt.want {
				t.Errorf("OnPush(%s) = %v, want %v", tt.n.ID, got, tt.want)
			}
		})
	}

	if o := r.Consume("O1"); !o.Empty() {
		t.Errorf("Consume(O1) = %+v, want empty", o)
	}
	if o := r.Consume("O2"); !o.Rejected {
		t.Errorf("Consume(O2) = %+v, want rejected", o)
	}

	// filtered notifications are not burned: they surface once the scope lifts
	r.SetActiveOrder("")
	if !r.OnPush(accepted("N1", "O1")) {
		t.Error("N1 not presented after scope lifted")
	}
}

func TestReconciler_PollOrderOldestFirst(t *testing.T) {
	r := NewReconciler(nil, nil)
	var got []string
	r.OnPresent(func(n model.Notification, _ string) { got = append(got, n.ID) })

	// the server lists newest first
	r.OnPollResult([]model.Notification{accepted("N3", "O3"), accepted("N2", "O2"), accepted("N1", "O1")})
	if strings.Join(got, ",") != "N1,N2,N3" {
		t.Errorf("presentation order = %v", got)
	}
}

func TestReconciler_FlushReadsRetries(t *testing.T) {
	marker := &fakeMarker{fail: map[string]bool{"N1": true}}
	r := NewReconciler(marker, nil)
	r.OnPush(accepted("N1", "O1"))
	r.OnPush(accepted("N2", "O2"))

	if err := r.FlushReads(context.Background()); err == nil {
		t.Fatal("FlushReads() error = nil, want error")
	}
	if r.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", r.Pending())
	}

	marker.mu.Lock()
	marker.fail = nil
	marker.mu.Unlock()

	r.Reconcile(context.Background(), nil)
	if r.Pending() != 0 {
		t.Errorf("Pending() = %d after retry, want 0", r.Pending())
	}
	if len(marker.marked) != 2 {
		t.Errorf("marked = %v, want N1 and N2", marker.marked)
	}
}

func TestReconciler_Journal(t *testing.T) {
	store, err := cache.NewFileStore(filepath.Join(t.TempDir(), "cache.yaml"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()

	first := NewReconciler(nil, nil, WithJournal(store, 2))
	first.OnPush(accepted("N1", "O1"))
	first.OnPush(accepted("N2", "O2"))
	first.OnPush(accepted("N3", "O3"))
	if err := first.FlushReads(ctx); err != nil {
		t.Fatalf("FlushReads: %v", err)
	}

	data, err := store.Get(ctx, JournalKey)
	if err != nil {
		t.Fatalf("journal missing: %v", err)
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		t.Fatalf("journal: %v", err)
	}
	if strings.Join(ids, ",") != "N2,N3" {
		t.Errorf("journal = %v, want [N2 N3]", ids)
	}

	second := NewReconciler(nil, nil, WithJournal(store, 2))
	if err := second.LoadJournal(ctx); err != nil {
		t.Fatalf("LoadJournal: %v", err)
	}
	if second.OnPush(accepted("N3", "O3")) {
		t.Error("journaled N3 presented again")
	}
	if !second.OnPush(accepted("N1", "O1")) {
		t.Error("N1 fell out of the journal and should present")
	}
}

func TestReconciler_LoadJournalEmpty(t *testing.T) {
	store, err := cache.NewFileStore(filepath.Join(t.TempDir(), "cache.yaml"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	r := NewReconciler(nil, nil, WithJournal(store, 0))
	if err := r.LoadJournal(context.Background()); err != nil {
		t.Errorf("LoadJournal() = %v, want nil", err)
	}
}

func TestReconciler_Bind(t *testing.T) {
	rt := router.New(router.DefaultConfig(), nil, nil)
	r := NewReconciler(nil, nil)
	unbind := r.Bind(rt)

	push := func(n model.Notification) {
		data, _ := json.Marshal(model.NewNotificationEvent{Notification: n})
		rt.Dispatch(connection.Frame{Kind: connection.FrameEvent, Room: "user_7", Event: model.EventNewNotification, Data: data})
	}

	push(accepted("N1", "O1"))
	push(accepted("N1", "O1"))
	if o := r.Consume("O1"); !o.Accepted {
		t.Errorf("Consume(O1) = %+v, want accepted", o)
	}

	unbind()
	push(accepted("N2", "O2"))
	if o := r.Consume("O2"); !o.Empty() {
		t.Error("notification routed after unbind")
	}
}
