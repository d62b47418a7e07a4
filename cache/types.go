package cache

import "time"

// OperationState is the lifecycle state of a pick line.
type OperationState string

const (
	StatePending OperationState = "pending"
	StatePartial OperationState = "partial"
	StateDone    OperationState = "done"
)

// Location is one storage location inside a zone.
type Location struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	Sequence    int    `json:"sequence"`
	Description string `json:"description,omitempty"`
}

// Operation is one pick line: one product expected at one location within a batch.
// QuantityDone is stored as given; over-picks are the caller's business.
type Operation struct {
	ID                int64          `json:"id"`
	LocationID        string         `json:"location_id"`
	BatchID           int64          `json:"batch_id"`
	ProductCode       string         `json:"product_code,omitempty"`
	QuantityRequested float64        `json:"quantity_requested"`
	QuantityDone      float64        `json:"quantity_done"`
	State             OperationState `json:"state"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Snapshot is a point-in-time copy of one zone within one batch.
type Snapshot struct {
	BatchID    int64                  `json:"batch_id"`
	ZoneID     string                 `json:"zone_id"`
	Locations  []Location             `json:"locations"`
	Operations map[string][]Operation `json:"operations"`
	CapturedAt time.Time              `json:"captured_at"`
}

// OperationCount returns the number of operations carried by the snapshot.
func (s *Snapshot) OperationCount() int {
	n := 0
	for _, ops := range s.Operations {
		n += len(ops)
	}
	return n
}

// DeriveState computes the lifecycle state from the requested and confirmed quantities.
func DeriveState(requested, done float64) OperationState {
	switch {
	case done <= 0:
		return StatePending
	case done < requested:
		return StatePartial
	default:
		return StateDone
	}
}
