package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	src := Address{Role: RoleDevice, Station: "dc1.scanner-07"}
	dst := Address{Role: RoleBackend}

	env, err := NewEnvelope(TypeBatchClosed, src, dst, &BatchClosed{BatchID: 7, Reason: "completed"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if env.Version != Version {
		t.Errorf("version = %d, want %d", env.Version, Version)
	}
	if env.Src != src {
		t.Errorf("src = %+v, want %+v", env.Src, src)
	}
	if env.ID == "" {
		t.Error("ID should not be empty")
	}

	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var decoded Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Type != TypeBatchClosed || decoded.ID != env.ID {
		t.Errorf("decoded = %s/%s, want %s/%s", decoded.Type, decoded.ID, TypeBatchClosed, env.ID)
	}

	var p BatchClosed
	if err := decoded.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.BatchID != 7 || p.Reason != "completed" {
		t.Errorf("payload = %+v", p)
	}
}

func TestConfirmEnvelopeIDIsDeterministic(t *testing.T) {
	src := Address{Role: RoleDevice, Station: "dc1.scanner-07"}
	dst := Address{Role: RoleBackend}
	p := &PickConfirm{EntryID: 12, OperationID: 42, QuantityDone: 5}

	a, err := NewConfirmEnvelope(src, dst, p)
	if err != nil {
		t.Fatalf("NewConfirmEnvelope: %v", err)
	}
	b, _ := NewConfirmEnvelope(src, dst, p)
	if a.ID != b.ID {
		t.Errorf("retransmit ids differ: %s vs %s", a.ID, b.ID)
	}
	if a.ID != ConfirmID("dc1.scanner-07", 12) {
		t.Error("envelope id should equal ConfirmID")
	}
	if ConfirmID("dc1.scanner-07", 13) == a.ID {
		t.Error("different entries must not share an id")
	}
	if ConfirmID("dc1.scanner-08", 12) == a.ID {
		t.Error("different stations must not share an id")
	}
	if !a.ExpiresAt.IsZero() {
		t.Errorf("confirmations should not expire, exp = %v", a.ExpiresAt)
	}
}

func TestExpiry(t *testing.T) {
	env := &Envelope{ExpiresAt: time.Now().UTC().Add(-time.Second)}
	if !IsExpired(env) {
		t.Error("expected expired")
	}
	env.ExpiresAt = time.Now().UTC().Add(time.Minute)
	if IsExpired(env) {
		t.Error("expected not expired")
	}
	env.ExpiresAt = time.Time{}
	if IsExpired(env) {
		t.Error("zero expiry should never expire")
	}
	if IsExpiredHeader(&RawHeader{}) {
		t.Error("zero header expiry should never expire")
	}
}

func TestDefaultTTLFor(t *testing.T) {
	if ttl := DefaultTTLFor(TypeDeviceHeartbeat); ttl != 90*time.Second {
		t.Errorf("heartbeat TTL = %v", ttl)
	}
	if ttl := DefaultTTLFor(TypePickConfirm); ttl != 0 {
		t.Errorf("confirm TTL = %v, want 0", ttl)
	}
	if ttl := DefaultTTLFor("unknown.type"); ttl != FallbackTTL {
		t.Errorf("unknown TTL = %v, want %v", ttl, FallbackTTL)
	}
}

func TestIngestorDispatch(t *testing.T) {
	handler := &testHandler{}
	ingestor := NewIngestor(handler, nil)

	env, _ := NewEnvelope(TypeBatchReassigned,
		Address{Role: RoleBackend},
		Address{Role: RoleDevice, Station: "s1"},
		&BatchReassigned{BatchID: 9, NewStation: "s2"},
	)
	data, _ := env.Encode()
	ingestor.HandleRaw(data)

	if handler.reassigned == nil || handler.reassigned.BatchID != 9 {
		t.Errorf("reassigned = %+v", handler.reassigned)
	}
	if handler.closed != nil {
		t.Error("closed handler should not be called")
	}
}

func TestIngestorIgnoresDeviceOriginatedTypes(t *testing.T) {
	handler := &testHandler{}
	ingestor := NewIngestor(handler, nil)

	env, _ := NewConfirmEnvelope(Address{Role: RoleDevice, Station: "s1"},
		Address{Role: RoleBackend}, &PickConfirm{EntryID: 1, OperationID: 42, QuantityDone: 5})
	data, _ := env.Encode()
	ingestor.HandleRaw(data)

	if handler.closed != nil || handler.reassigned != nil {
		t.Error("confirmations must not reach the dispatch handler")
	}
}

func TestIngestorIgnoresGarbage(t *testing.T) {
	handler := &testHandler{}
	ingestor := NewIngestor(handler, nil)
	ingestor.HandleRaw([]byte("not json"))
	ingestor.HandleRaw([]byte(`{"v":1,"type":"batch.closed","p":"oops"}`))
	if handler.closed != nil {
		t.Error("handler called for undecodable payload")
	}
}

func TestIngestorDropsExpired(t *testing.T) {
	handler := &testHandler{}
	ingestor := NewIngestor(handler, nil)

	env, _ := NewEnvelope(TypeBatchClosed,
		Address{Role: RoleBackend},
		Address{Role: RoleDevice, Station: "s1"},
		&BatchClosed{BatchID: 7},
	)
	env.ExpiresAt = time.Now().UTC().Add(-1 * time.Minute)
	data, _ := env.Encode()
	ingestor.HandleRaw(data)

	if handler.closed != nil {
		t.Error("expected handler to NOT be called for expired message")
	}
}

func TestStationFilter(t *testing.T) {
	filter := StationFilter("dc1.scanner-07")
	if !filter(&RawHeader{Dst: Address{Station: "dc1.scanner-07"}}) {
		t.Error("expected filter to accept matching station")
	}
	if !filter(&RawHeader{Dst: Address{Station: Broadcast}}) {
		t.Error("expected filter to accept broadcast")
	}
	if filter(&RawHeader{Dst: Address{Station: "dc1.scanner-08"}}) {
		t.Error("expected filter to reject other station")
	}

	handler := &testHandler{}
	ingestor := NewIngestor(handler, filter)
	env, _ := NewEnvelope(TypeBatchClosed, Address{Role: RoleBackend},
		Address{Role: RoleDevice, Station: "dc1.scanner-08"}, &BatchClosed{BatchID: 7})
	data, _ := env.Encode()
	ingestor.HandleRaw(data)
	if handler.closed != nil {
		t.Error("expected handler to NOT be called when filter rejects")
	}
}

func TestWireFormatKeys(t *testing.T) {
	env, _ := NewEnvelope(TypeDeviceHeartbeat,
		Address{Role: RoleDevice, Station: "s1"},
		Address{Role: RoleBackend},
		&DeviceHeartbeat{Station: "s1", Uptime: 60},
	)
	data, _ := env.Encode()

	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, k := range []string{"v", "type", "id", "src", "dst", "ts", "exp", "p"} {
		if _, ok := m[k]; !ok {
			t.Errorf("expected key %q in wire format", k)
		}
	}
	for _, k := range []string{"version", "payload", "timestamp", "expires_at"} {
		if _, ok := m[k]; ok {
			t.Errorf("unexpected long key %q in wire format", k)
		}
	}
}

type testHandler struct {
	NoOpHandler
	closed     *BatchClosed
	reassigned *BatchReassigned
}

func (h *testHandler) HandleBatchClosed(_ *Envelope, p *BatchClosed) {
	h.closed = p
}

func (h *testHandler) HandleBatchReassigned(_ *Envelope, p *BatchReassigned) {
	h.reassigned = p
}
