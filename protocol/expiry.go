package protocol

import "time"

var defaultTTLs = map[string]time.Duration{
	TypeDeviceHeartbeat: 90 * time.Second,

	TypeBatchClosed:     30 * time.Minute,
	TypeBatchReassigned: 30 * time.Minute,
}

// FallbackTTL is used when no specific TTL is configured.
const FallbackTTL = 10 * time.Minute

// DefaultTTLFor returns the default TTL for a message type. A zero duration
// means the message never expires.
func DefaultTTLFor(msgType string) time.Duration {
	if msgType == TypePickConfirm {
		// Confirmations may sit in the outbox for days.
		return 0
	}
	if ttl, ok := defaultTTLs[msgType]; ok {
		return ttl
	}
	return FallbackTTL
}

// IsExpired returns true if the envelope has passed its expiry time.
func IsExpired(env *Envelope) bool {
	return expired(env.ExpiresAt)
}

// IsExpiredHeader checks expiry using only the raw header.
func IsExpiredHeader(hdr *RawHeader) bool {
	return expired(hdr.ExpiresAt)
}

func expired(at time.Time) bool {
	if at.IsZero() {
		return false
	}
	return time.Now().UTC().After(at)
}
