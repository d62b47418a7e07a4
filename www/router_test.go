package www

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"pickedge/cache"
	"pickedge/engine"
	"pickedge/metrics"
	"pickedge/outbox"
	"pickedge/protocol"
	"pickedge/store"
)

type okTransport struct {
	sent []protocol.PickConfirm
}

func (t *okTransport) Deliver(_ context.Context, c *protocol.PickConfirm) error {
	t.sent = append(t.sent, *c)
	return nil
}

func testServer(t *testing.T, withStore bool) (*httptest.Server, *engine.Engine, *okTransport) {
	t.Helper()
	tr := &okTransport{}
	c := engine.Config{Transport: tr, Metrics: metrics.New()}
	if withStore {
		db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "www.db"))
		if err != nil {
			t.Fatalf("open test db: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		c.DB = db
	}
	eng := engine.New(c)
	router, stop := NewRouter(eng)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		stop()
	})
	return srv, eng, tr
}

func do(t *testing.T, srv *httptest.Server, method, path string, body interface{}) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	}
	req, _ := http.NewRequest(method, srv.URL+path, rd)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func putZone(t *testing.T, srv *httptest.Server) {
	t.Helper()
	body := map[string]interface{}{
		"locations":  []cache.Location{{ID: "A-01", Code: "A-01-01", Sequence: 1}},
		"operations": map[string][]cache.Operation{"A-01": {{ID: 42, QuantityRequested: 5}}},
	}
	if code, data := do(t, srv, "PUT", "/api/snapshots/7/A", body); code != http.StatusOK {
		t.Fatalf("put snapshot: %d %s", code, data)
	}
}

func TestSnapshotEndpoints(t *testing.T) {
	srv, _, _ := testServer(t, true)

	if code, _ := do(t, srv, "GET", "/api/snapshots/7/A", nil); code != http.StatusNotFound {
		t.Errorf("missing snapshot status = %d, want 404", code)
	}
	putZone(t, srv)

	code, data := do(t, srv, "GET", "/api/snapshots/7/A", nil)
	if code != http.StatusOK {
		t.Fatalf("get snapshot: %d %s", code, data)
	}
	var snap cache.Snapshot
	json.Unmarshal(data, &snap)
	if snap.BatchID != 7 || snap.ZoneID != "A" || snap.OperationCount() != 1 {
		t.Errorf("snapshot = %+v", snap)
	}

	if code, _ := do(t, srv, "GET", "/api/operations/42", nil); code != http.StatusOK {
		t.Errorf("get operation status = %d", code)
	}
	if code, _ := do(t, srv, "DELETE", "/api/snapshots/7/A", nil); code != http.StatusOK {
		t.Errorf("delete status = %d", code)
	}
	if code, _ := do(t, srv, "GET", "/api/snapshots/7/A", nil); code != http.StatusNotFound {
		t.Errorf("deleted snapshot status = %d, want 404", code)
	}
	if code, _ := do(t, srv, "GET", "/api/snapshots/abc/A", nil); code != http.StatusBadRequest {
		t.Errorf("bad batch id status = %d, want 400", code)
	}
}

func TestConfirmAndSyncEndpoints(t *testing.T) {
	srv, _, tr := testServer(t, true)
	putZone(t, srv)

	code, data := do(t, srv, "POST", "/api/operations/42/confirm", map[string]float64{"quantity_done": 3})
	if code != http.StatusOK {
		t.Fatalf("confirm: %d %s", code, data)
	}
	do(t, srv, "POST", "/api/operations/42/confirm", map[string]float64{"quantity_done": 5})

	code, data = do(t, srv, "GET", "/api/outbox", nil)
	var pending []outbox.Entry
	json.Unmarshal(data, &pending)
	if code != http.StatusOK || len(pending) != 2 {
		t.Fatalf("outbox: %d %+v", code, pending)
	}

	code, data = do(t, srv, "POST", "/api/sync", nil)
	if code != http.StatusOK {
		t.Fatalf("sync: %d %s", code, data)
	}
	if len(tr.sent) != 1 || tr.sent[0].QuantityDone != 5 {
		t.Errorf("sent = %+v", tr.sent)
	}

	code, data = do(t, srv, "GET", "/api/outbox/"+strconv.FormatInt(pending[0].ID, 10), nil)
	var e outbox.Entry
	json.Unmarshal(data, &e)
	if code != http.StatusOK || !e.Synced {
		t.Errorf("entry after sync: %d %+v", code, e)
	}

	code, data = do(t, srv, "POST", "/api/outbox/cleanup?max_age_minutes=0", nil)
	if code != http.StatusOK || !strings.Contains(string(data), `"removed":2`) {
		t.Errorf("cleanup: %d %s", code, data)
	}
}

func TestConfirmErrors(t *testing.T) {
	srv, _, _ := testServer(t, true)
	putZone(t, srv)

	cases := []struct {
		path string
		body interface{}
		want int
	}{
		{"/api/operations/999/confirm", map[string]float64{"quantity_done": 1}, http.StatusNotFound},
		{"/api/operations/42/confirm", map[string]float64{"quantity_done": -2}, http.StatusBadRequest},
		{"/api/operations/42/confirm", map[string]string{}, http.StatusBadRequest},
		{"/api/operations/x/confirm", map[string]float64{"quantity_done": 1}, http.StatusBadRequest},
	}
	for _, c := range cases {
		if code, data := do(t, srv, "POST", c.path, c.body); code != c.want {
			t.Errorf("POST %s %v: %d %s, want %d", c.path, c.body, code, data, c.want)
		}
	}
}

func TestOpenZoneFromCache(t *testing.T) {
	srv, _, _ := testServer(t, true)
	putZone(t, srv)

	code, data := do(t, srv, "POST", "/api/zones/7/A/open", nil)
	if code != http.StatusOK || !strings.Contains(string(data), `"from_cache":true`) {
		t.Errorf("open cached zone: %d %s", code, data)
	}
	if code, _ := do(t, srv, "POST", "/api/zones/7/Z/open", nil); code != http.StatusNotFound {
		t.Errorf("open unknown zone status = %d, want 404", code)
	}
}

func TestMetadataAndClear(t *testing.T) {
	srv, _, _ := testServer(t, true)
	putZone(t, srv)

	if code, _ := do(t, srv, "PUT", "/api/metadata/current_batch", 7); code != http.StatusOK {
		t.Fatalf("put metadata status = %d", code)
	}
	code, data := do(t, srv, "GET", "/api/metadata/current_batch", nil)
	var m store.MetadataEntry
	json.Unmarshal(data, &m)
	if code != http.StatusOK || string(m.Value) != "7" {
		t.Errorf("get metadata: %d %s", code, data)
	}

	if code, _ := do(t, srv, "DELETE", "/api/batches/7", nil); code != http.StatusOK {
		t.Errorf("invalidate batch status = %d", code)
	}
	if code, _ := do(t, srv, "POST", "/api/clear", nil); code != http.StatusOK {
		t.Errorf("clear status = %d", code)
	}
	if code, _ := do(t, srv, "GET", "/api/metadata/current_batch", nil); code != http.StatusNotFound {
		t.Errorf("metadata after clear status = %d, want 404", code)
	}

	code, data = do(t, srv, "GET", "/api/stats", nil)
	var s engine.Stats
	json.Unmarshal(data, &s)
	if code != http.StatusOK || s.Snapshots != 0 || !s.OfflineEnabled {
		t.Errorf("stats after clear: %d %+v", code, s)
	}
}

func TestOnlineOnlyServer(t *testing.T) {
	srv, _, tr := testServer(t, false)

	if code, _ := do(t, srv, "GET", "/api/outbox", nil); code != http.StatusServiceUnavailable {
		t.Errorf("outbox status = %d, want 503", code)
	}
	if code, _ := do(t, srv, "GET", "/api/snapshots/7/A", nil); code != http.StatusServiceUnavailable {
		t.Errorf("snapshot status = %d, want 503", code)
	}

	code, data := do(t, srv, "GET", "/api/stats", nil)
	if code != http.StatusOK || !strings.Contains(string(data), `"offline_enabled":false`) {
		t.Errorf("stats: %d %s", code, data)
	}

	// Confirmations bypass the store and go straight upstream
	if code, data := do(t, srv, "POST", "/api/operations/42/confirm", map[string]float64{"quantity_done": 1}); code != http.StatusOK {
		t.Errorf("online confirm: %d %s", code, data)
	}
	if len(tr.sent) != 1 {
		t.Errorf("sent = %d, want 1", len(tr.sent))
	}

	code, data = do(t, srv, "GET", "/api/status", nil)
	if code != http.StatusOK || !strings.Contains(string(data), `"breaker":"direct"`) {
		t.Errorf("status: %d %s", code, data)
	}

	code, data = do(t, srv, "GET", "/metrics", nil)
	if code != http.StatusOK || !strings.Contains(string(data), "pickedge_store_unavailable 1") {
		t.Errorf("metrics: %d", code)
	}
}
