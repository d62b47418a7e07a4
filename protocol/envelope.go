// Package protocol defines the envelope exchanged between picking devices and the backend.
package protocol

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// namespace seeds deterministic envelope ids.
var namespace = uuid.MustParse("6f1c2a0e-8d4b-4c1e-9a57-3f0b2d6e7c91")

// Address identifies a message source or destination.
type Address struct {
	Role    string `json:"role"`
	Station string `json:"station"`
}

// Envelope is the message wrapper for all device traffic.
type Envelope struct {
	Version   int             `json:"v"`
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Src       Address         `json:"src"`
	Dst       Address         `json:"dst"`
	Timestamp time.Time       `json:"ts"`
	ExpiresAt time.Time       `json:"exp"`
	CorID     string          `json:"cor,omitempty"`
	Payload   json.RawMessage `json:"p"`
}

// RawHeader is the minimal decode for routing decisions before full payload decode.
type RawHeader struct {
	Version   int       `json:"v"`
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Dst       Address   `json:"dst"`
	ExpiresAt time.Time `json:"exp"`
}

// NewEnvelope creates an outbound envelope with a random id and the default TTL.
func NewEnvelope(msgType string, src, dst Address, payload any) (*Envelope, error) {
	return newEnvelope(uuid.New().String(), msgType, src, dst, payload)
}

// NewConfirmEnvelope wraps a confirmation with an id derived from the station
// and entry id, so a retransmitted entry always carries the same id.
func NewConfirmEnvelope(src, dst Address, p *PickConfirm) (*Envelope, error) {
	return newEnvelope(ConfirmID(src.Station, p.EntryID), TypePickConfirm, src, dst, p)
}

// ConfirmID returns the deterministic envelope id for one outbox entry.
func ConfirmID(station string, entryID int64) string {
	return uuid.NewSHA1(namespace, []byte(station+"/"+strconv.FormatInt(entryID, 10))).String()
}

func newEnvelope(id, msgType string, src, dst Address, payload any) (*Envelope, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	env := &Envelope{
		Version:   Version,
		Type:      msgType,
		ID:        id,
		Src:       src,
		Dst:       dst,
		Timestamp: now,
		Payload:   p,
	}
	if ttl := DefaultTTLFor(msgType); ttl > 0 {
		env.ExpiresAt = now.Add(ttl)
	}
	return env, nil
}

// Encode marshals the envelope to JSON.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodePayload unmarshals the raw payload into the given target.
func (e *Envelope) DecodePayload(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// StationFilter accepts envelopes addressed to station or broadcast to every station.
func StationFilter(station string) FilterFunc {
	return func(hdr *RawHeader) bool {
		return hdr.Dst.Station == station || hdr.Dst.Station == Broadcast
	}
}
