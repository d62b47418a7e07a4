package messaging

import (
	"context"
	"log"
	"time"

	"pickedge/protocol"
)

// BatchInvalidator drops every cached snapshot of a batch.
type BatchInvalidator interface {
	InvalidateBatch(ctx context.Context, batchID int64) (int, error)
}

// DeviceHandler handles inbound backend messages on the dispatch topic.
type DeviceHandler struct {
	protocol.NoOpHandler

	station string
	cache   BatchInvalidator
}

// NewDeviceHandler creates a handler that invalidates batches on cache.
func NewDeviceHandler(station string, cache BatchInvalidator) *DeviceHandler {
	return &DeviceHandler{station: station, cache: cache}
}

func (h *DeviceHandler) HandleBatchClosed(_ *protocol.Envelope, p *protocol.BatchClosed) {
	log.Printf("device_handler: batch closed: batch=%d reason=%s", p.BatchID, p.Reason)
	h.invalidate(p.BatchID)
}

func (h *DeviceHandler) HandleBatchReassigned(_ *protocol.Envelope, p *protocol.BatchReassigned) {
	if p.NewStation == h.station {
		log.Printf("device_handler: batch %d reassigned to this station", p.BatchID)
		return
	}
	log.Printf("device_handler: batch reassigned: batch=%d to=%s", p.BatchID, p.NewStation)
	h.invalidate(p.BatchID)
}

func (h *DeviceHandler) invalidate(batchID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := h.cache.InvalidateBatch(ctx, batchID); err != nil {
		log.Printf("device_handler: invalidate batch %d: %v", batchID, err)
	}
}
