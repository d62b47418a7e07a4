package engine

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"pickedge/backend"
	"pickedge/cache"
	"pickedge/config"
	"pickedge/metrics"
	"pickedge/protocol"
	"pickedge/store"
)

type fakeSource struct {
	zone *backend.Zone
	err  error
	hits int
}

func (f *fakeSource) FetchZone(_ context.Context, batchID int64, zoneID string) (*backend.Zone, error) {
	f.hits++
	if f.err != nil {
		return nil, f.err
	}
	z := *f.zone
	z.BatchID, z.ZoneID = batchID, zoneID
	return &z, nil
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []protocol.PickConfirm
	err  error
}

func (f *fakeTransport) Deliver(_ context.Context, c *protocol.PickConfirm) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, *c)
	return nil
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testEngine(t *testing.T, c Config) *Engine {
	t.Helper()
	if c.AppConfig == nil {
		c.AppConfig = config.Defaults()
		c.AppConfig.Outbox.BackoffBase = 0
	}
	e := New(c)
	e.wireEventHandlers()
	return e
}

func seedZone(t *testing.T, e *Engine, batchID int64, zoneID string, ops ...cache.Operation) {
	t.Helper()
	locs := []cache.Location{{ID: zoneID + "-01", Sequence: 1}}
	if _, err := e.SaveSnapshot(context.Background(), batchID, zoneID, locs, map[string][]cache.Operation{zoneID + "-01": ops}); err != nil {
		t.Fatalf("seed zone: %v", err)
	}
}

func TestConfirmPickWritesOperationAndOutbox(t *testing.T) {
	tr := &fakeTransport{}
	e := testEngine(t, Config{DB: testDB(t), Transport: tr})
	ctx := context.Background()
	seedZone(t, e, 7, "A", cache.Operation{ID: 42, QuantityRequested: 5})

	var events []PickConfirmedEvent
	e.Events.SubscribeTypes(func(evt Event) {
		events = append(events, evt.Payload.(PickConfirmedEvent))
	}, EventPickConfirmed)

	entry, err := e.ConfirmPick(ctx, 42, 3)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if entry.OperationID != 42 || entry.QuantityDone != 3 || entry.Synced {
		t.Errorf("entry = %+v", entry)
	}
	op, _ := e.Cache().GetOperation(ctx, 42)
	if op.QuantityDone != 3 || op.State != cache.StatePartial {
		t.Errorf("operation = %+v", op)
	}
	if len(events) != 1 || events[0].EntryID != entry.ID || !events[0].Queued || events[0].State != "partial" {
		t.Errorf("events = %+v", events)
	}
}

func TestConfirmPickUnknownOperation(t *testing.T) {
	e := testEngine(t, Config{DB: testDB(t)})
	ctx := context.Background()

	_, err := e.ConfirmPick(ctx, 999, 1)
	if !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("err = %v, want ErrUnknownOperation", err)
	}
	pending, _ := e.ListUnsynced(ctx)
	if len(pending) != 0 {
		t.Errorf("outbox entry written for unknown operation: %+v", pending)
	}
}

func TestConfirmPickRejectsNegativeQuantity(t *testing.T) {
	e := testEngine(t, Config{DB: testDB(t)})
	seedZone(t, e, 7, "A", cache.Operation{ID: 42, QuantityRequested: 5})
	if _, err := e.ConfirmPick(context.Background(), 42, -1); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("err = %v, want ErrInvalidQuantity", err)
	}
}

// Operator confirms 3 then corrects to 5 while offline; only 5 goes upstream.
func TestCorrectionWhileOfflineSyncsLatestOnly(t *testing.T) {
	tr := &fakeTransport{err: errors.New("network unreachable")}
	e := testEngine(t, Config{DB: testDB(t), Transport: tr})
	ctx := context.Background()
	seedZone(t, e, 7, "A", cache.Operation{ID: 42, QuantityRequested: 5})

	e.ConfirmPick(ctx, 42, 3)
	e.ConfirmPick(ctx, 42, 5)

	pending, _ := e.ListUnsynced(ctx)
	if len(pending) != 2 {
		t.Fatalf("unsynced = %d, want 2", len(pending))
	}

	// Back online
	tr.err = nil
	res, err := e.Sync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(tr.sent) != 1 || tr.sent[0].QuantityDone != 5 || tr.sent[0].OperationID != 42 {
		t.Fatalf("sent = %+v, want a single quantity 5", tr.sent)
	}
	if res.Delivered != 1 || res.Superseded != 1 {
		t.Errorf("result = %+v", res)
	}
	pending, _ = e.ListUnsynced(ctx)
	if len(pending) != 0 {
		t.Errorf("unsynced after sync = %d", len(pending))
	}
	op, _ := e.Cache().GetOperation(ctx, 42)
	if op.QuantityDone != 5 || op.State != cache.StateDone {
		t.Errorf("operation = %+v", op)
	}
}

func TestSyncWithoutTransport(t *testing.T) {
	e := testEngine(t, Config{DB: testDB(t)})
	if _, err := e.Sync(context.Background()); !errors.Is(err, ErrNoTransport) {
		t.Errorf("err = %v, want ErrNoTransport", err)
	}
}

func TestOpenZone(t *testing.T) {
	src := &fakeSource{zone: &backend.Zone{
		Locations:  []cache.Location{{ID: "A-01"}},
		Operations: map[string][]cache.Operation{"A-01": {{ID: 100, QuantityRequested: 2}}},
	}}
	e := testEngine(t, Config{DB: testDB(t), Source: src})
	ctx := context.Background()

	view, err := e.OpenZone(ctx, 7, "A")
	if err != nil {
		t.Fatalf("open online: %v", err)
	}
	if view.FromCache || view.Snapshot.OperationCount() != 1 {
		t.Errorf("online view = %+v", view)
	}
	if snap, _ := e.LoadSnapshot(ctx, 7, "A"); snap == nil {
		t.Error("online open should cache the zone")
	}

	// Upstream down: served from cache, asked exactly once
	src.err = errors.New("dial tcp: connection refused")
	src.hits = 0
	view, err = e.OpenZone(ctx, 7, "A")
	if err != nil {
		t.Fatalf("open offline: %v", err)
	}
	if !view.FromCache || src.hits != 1 {
		t.Errorf("offline view from cache=%v hits=%d", view.FromCache, src.hits)
	}

	// Neither upstream nor cache
	if _, err := e.OpenZone(ctx, 7, "B"); !errors.Is(err, ErrZoneNotFound) {
		t.Errorf("uncached zone err = %v, want ErrZoneNotFound", err)
	}

	// Upstream says it does not exist
	src.err = backend.ErrNotFound
	if _, err := e.OpenZone(ctx, 7, "A"); !errors.Is(err, ErrZoneNotFound) {
		t.Errorf("upstream not found err = %v, want ErrZoneNotFound", err)
	}
}

func TestInvalidateBatchEmits(t *testing.T) {
	e := testEngine(t, Config{DB: testDB(t)})
	ctx := context.Background()
	seedZone(t, e, 7, "A", cache.Operation{ID: 1, QuantityRequested: 1})
	seedZone(t, e, 7, "B", cache.Operation{ID: 2, QuantityRequested: 1})
	seedZone(t, e, 8, "A", cache.Operation{ID: 3, QuantityRequested: 1})

	var got []BatchInvalidatedEvent
	e.Events.SubscribeTypes(func(evt Event) {
		got = append(got, evt.Payload.(BatchInvalidatedEvent))
	}, EventBatchInvalidated)

	n, err := e.InvalidateBatch(ctx, 7)
	if err != nil || n != 2 {
		t.Fatalf("invalidate: n=%d err=%v", n, err)
	}
	if len(got) != 1 || got[0].Snapshots != 2 {
		t.Errorf("events = %+v", got)
	}
	s, _ := e.Stats(ctx)
	if s.Snapshots != 1 || s.Operations != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestStatsCounts(t *testing.T) {
	e := testEngine(t, Config{DB: testDB(t)})
	ctx := context.Background()
	seedZone(t, e, 7, "A", cache.Operation{ID: 1, QuantityRequested: 1}, cache.Operation{ID: 2, QuantityRequested: 1})

	var ids []int64
	for i := 0; i < 10; i++ {
		entry, err := e.Enqueue(ctx, int64(1+i%2), 1)
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, entry.ID)
	}
	for _, id := range ids[:4] {
		e.Acknowledge(ctx, id)
	}

	s, err := e.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := Stats{Snapshots: 1, Operations: 2, Queued: 10, Unsynced: 6, OfflineEnabled: true}
	if s != want {
		t.Errorf("stats = %+v, want %+v", s, want)
	}
}

func TestEnqueueRequiresCachedOperation(t *testing.T) {
	e := testEngine(t, Config{DB: testDB(t)})
	ctx := context.Background()
	seedZone(t, e, 7, "A", cache.Operation{ID: 1, QuantityRequested: 1})

	if _, err := e.Enqueue(ctx, 99, 1); !errors.Is(err, ErrUnknownOperation) {
		t.Errorf("err = %v, want ErrUnknownOperation", err)
	}
	if _, err := e.Enqueue(ctx, 1, -1); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("err = %v, want ErrInvalidQuantity", err)
	}
	if s, _ := e.Stats(ctx); s.Queued != 0 {
		t.Errorf("rejected enqueues left %d entries", s.Queued)
	}

	entry, err := e.Enqueue(ctx, 1, 1)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// The operation record is left as cached
	op, _ := e.GetOperation(ctx, 1)
	if op.QuantityDone != 0 || entry.OperationID != 1 {
		t.Errorf("op = %+v entry = %+v", op, entry)
	}
}

func TestClearAllKeepsIDsMonotonic(t *testing.T) {
	e := testEngine(t, Config{DB: testDB(t)})
	ctx := context.Background()
	seedZone(t, e, 7, "A", cache.Operation{ID: 1, QuantityRequested: 1})
	before, _ := e.Enqueue(ctx, 1, 1)
	e.SetMetadata(ctx, "current_batch", 7)

	if err := e.ClearAll(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	s, _ := e.Stats(ctx)
	if s.Snapshots != 0 || s.Operations != 0 || s.Queued != 0 {
		t.Errorf("stats after clear = %+v", s)
	}
	if m, _ := e.GetMetadata(ctx, "current_batch"); m != nil {
		t.Error("metadata should be cleared")
	}

	seedZone(t, e, 7, "A", cache.Operation{ID: 1, QuantityRequested: 1})
	after, err := e.Enqueue(ctx, 1, 1)
	if err != nil {
		t.Fatalf("enqueue after clear: %v", err)
	}
	if after.ID <= before.ID {
		t.Errorf("entry id reused after clear: %d <= %d", after.ID, before.ID)
	}
}

func TestMetadata(t *testing.T) {
	e := testEngine(t, Config{DB: testDB(t)})
	ctx := context.Background()

	if err := e.SetMetadata(ctx, "operator", map[string]string{"name": "R. Ortiz"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	m, err := e.GetMetadata(ctx, "operator")
	if err != nil || m == nil {
		t.Fatalf("get: %v %v", m, err)
	}
	var v map[string]string
	m.Decode(&v)
	if v["name"] != "R. Ortiz" {
		t.Errorf("value = %v", v)
	}
	if m, _ := e.GetMetadata(ctx, "missing"); m != nil {
		t.Errorf("missing key = %+v, want nil", m)
	}
}

func TestOnlineOnlyMode(t *testing.T) {
	tr := &fakeTransport{}
	src := &fakeSource{zone: &backend.Zone{
		Locations:  []cache.Location{{ID: "A-01"}},
		Operations: map[string][]cache.Operation{"A-01": {{ID: 100, QuantityRequested: 2}}},
	}}
	e := testEngine(t, Config{Transport: tr, Source: src})
	ctx := context.Background()

	if e.OfflineEnabled() {
		t.Fatal("engine without a store must report offline disabled")
	}
	if _, err := e.LoadSnapshot(ctx, 7, "A"); !errors.Is(err, store.ErrStorageUnavailable) {
		t.Errorf("load err = %v, want ErrStorageUnavailable", err)
	}
	if _, err := e.ListUnsynced(ctx); !errors.Is(err, store.ErrStorageUnavailable) {
		t.Errorf("list err = %v, want ErrStorageUnavailable", err)
	}
	if err := e.ClearAll(ctx); !errors.Is(err, store.ErrStorageUnavailable) {
		t.Errorf("clear err = %v, want ErrStorageUnavailable", err)
	}

	view, err := e.OpenZone(ctx, 7, "A")
	if err != nil || view.FromCache || view.Snapshot.OperationCount() != 1 {
		t.Errorf("online-only open = %+v, %v", view, err)
	}

	entry, err := e.ConfirmPick(ctx, 100, 2)
	if err != nil {
		t.Fatalf("online confirm: %v", err)
	}
	if !entry.Synced || len(tr.sent) != 1 || tr.sent[0].QuantityDone != 2 {
		t.Errorf("entry = %+v, sent = %+v", entry, tr.sent)
	}

	s, err := e.Stats(ctx)
	if err != nil || s.OfflineEnabled {
		t.Errorf("stats = %+v, %v", s, err)
	}

	// Without a transport there is nowhere for a confirmation to go
	bare := testEngine(t, Config{})
	if _, err := bare.ConfirmPick(ctx, 100, 1); !errors.Is(err, store.ErrStorageUnavailable) {
		t.Errorf("bare confirm err = %v, want ErrStorageUnavailable", err)
	}
}

func TestMetricsFollowEvents(t *testing.T) {
	m := metrics.New()
	tr := &fakeTransport{}
	e := testEngine(t, Config{DB: testDB(t), Transport: tr, Metrics: m})
	ctx := context.Background()
	seedZone(t, e, 7, "A", cache.Operation{ID: 42, QuantityRequested: 5})

	e.ConfirmPick(ctx, 42, 3)
	e.ConfirmPick(ctx, 42, 5)
	e.Sync(ctx)
	e.Stats(ctx)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		"pickedge_outbox_delivered_total 1",
		"pickedge_outbox_superseded_total 1",
		"pickedge_outbox_queued 2",
		"pickedge_outbox_unsynced 0",
		"pickedge_store_unavailable 0",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestStartStop(t *testing.T) {
	e := New(Config{DB: testDB(t), Transport: &fakeTransport{}})
	e.Start()
	e.Stop()
	e.Stop()

	offline := New(Config{})
	offline.Start()
	offline.Stop()
}
