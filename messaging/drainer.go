package messaging

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"pickedge/config"
	"pickedge/lease"
	"pickedge/outbox"
	"pickedge/protocol"
)

// EventEmitter receives drain outcomes. The engine adapts it onto its event bus.
type EventEmitter interface {
	EmitEntryDelivered(e outbox.Entry, superseded int)
	EmitEntryFailed(e outbox.Entry, err error)
	EmitEntryStuck(e outbox.Entry)
	EmitOutboxCleaned(removed int)
}

// DrainResult summarizes one pass.
type DrainResult struct {
	Pending    int  `json:"pending"`
	Delivered  int  `json:"delivered"`
	Superseded int  `json:"superseded"`
	Failed     int  `json:"failed"`
	Deferred   int  `json:"deferred"`
	Skipped    bool `json:"skipped,omitempty"`
	Aborted    bool `json:"aborted,omitempty"`
}

// Drainer reconciles the outbox with the backend: it periodically sends the
// newest unsynced confirmation of every operation and acknowledges what landed.
type Drainer struct {
	queue     *outbox.Queue
	transport Transport
	cfg       *config.OutboxConfig
	backoff   Backoff
	lease     lease.Lease
	emit      EventEmitter
	now       func() time.Time

	passMu   sync.Mutex
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDrainer creates a drainer for queue delivering through transport.
func NewDrainer(queue *outbox.Queue, transport Transport, cfg *config.OutboxConfig) *Drainer {
	return &Drainer{
		queue:     queue,
		transport: transport,
		cfg:       cfg,
		backoff:   Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		emit:      nopEmitter{},
		now:       func() time.Time { return time.Now().UTC() },
		stopChan:  make(chan struct{}),
	}
}

// SetLease makes every pass require l. A nil lease disables the check.
func (d *Drainer) SetLease(l lease.Lease) { d.lease = l }

// SetEmitter routes drain outcomes to emit.
func (d *Drainer) SetEmitter(emit EventEmitter) {
	if emit == nil {
		emit = nopEmitter{}
	}
	d.emit = emit
}

// Start begins the drain and cleanup loops.
func (d *Drainer) Start() {
	d.wg.Add(1)
	go d.loop()
}

// Stop ends the loops and releases the lease if held.
func (d *Drainer) Stop() {
	d.stopOnce.Do(func() { close(d.stopChan) })
	d.wg.Wait()
	if d.lease != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.lease.Release(ctx); err != nil {
			log.Printf("drainer: release lease: %v", err)
		}
	}
}

func (d *Drainer) loop() {
	defer d.wg.Done()

	interval := d.cfg.DrainInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	cleanupEvery := d.cfg.CleanupInterval
	if cleanupEvery <= 0 {
		cleanupEvery = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	cleanup := time.NewTicker(cleanupEvery)
	defer cleanup.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-d.stopChan
		cancel()
	}()

	for {
		select {
		case <-d.stopChan:
			return
		case <-ticker.C:
			if _, err := d.Drain(ctx); err != nil && ctx.Err() == nil {
				log.Printf("drainer: %v", err)
			}
		case <-cleanup.C:
			if _, err := d.Cleanup(ctx); err != nil && ctx.Err() == nil {
				log.Printf("drainer: %v", err)
			}
		}
	}
}

// Drain runs one reconciliation pass. Only one pass runs at a time.
func (d *Drainer) Drain(ctx context.Context) (DrainResult, error) {
	d.passMu.Lock()
	defer d.passMu.Unlock()

	var res DrainResult
	if d.lease != nil {
		ok, err := d.lease.Acquire(ctx)
		if err != nil {
			return res, fmt.Errorf("drain lease: %w", err)
		}
		if !ok {
			res.Skipped = true
			return res, nil
		}
	}

	pending, err := d.queue.ListUnsynced(ctx)
	if err != nil {
		return res, err
	}
	res.Pending = len(pending)
	if len(pending) == 0 {
		return res, nil
	}

	synced, err := d.syncedFor(ctx, pending)
	if err != nil {
		return res, err
	}

	for _, g := range PlanDelivery(pending, synced) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if g.Stale {
			res.Superseded += d.acknowledge(ctx, g.Entries())
			continue
		}
		if !d.backoff.Ready(&g.Authoritative, d.now()) {
			res.Deferred++
			continue
		}

		err := d.transport.Deliver(ctx, confirmationFor(&g.Authoritative))
		if errors.Is(err, ErrCircuitOpen) {
			res.Aborted = true
			log.Printf("drainer: transport circuit open, pass aborted")
			return res, nil
		}
		if err != nil {
			d.fail(ctx, &g.Authoritative, err)
			res.Failed++
			continue
		}

		if d.acknowledge(ctx, []outbox.Entry{g.Authoritative}) == 0 {
			// Delivered but not marked; the next pass resends with the same key.
			continue
		}
		res.Delivered++
		n := d.acknowledge(ctx, g.Superseded)
		res.Superseded += n
		d.emit.EmitEntryDelivered(g.Authoritative, n)
	}

	if res.Delivered > 0 || res.Failed > 0 {
		log.Printf("drainer: pass pending=%d delivered=%d superseded=%d failed=%d deferred=%d",
			res.Pending, res.Delivered, res.Superseded, res.Failed, res.Deferred)
	}
	return res, nil
}

// syncedFor loads the delivered entries of every operation that still has pending ones.
func (d *Drainer) syncedFor(ctx context.Context, pending []outbox.Entry) ([]outbox.Entry, error) {
	seen := make(map[int64]bool)
	var synced []outbox.Entry
	for _, e := range pending {
		if seen[e.OperationID] {
			continue
		}
		seen[e.OperationID] = true
		all, err := d.queue.ForOperation(ctx, e.OperationID)
		if err != nil {
			return nil, err
		}
		for _, s := range all {
			if s.Synced {
				synced = append(synced, s)
			}
		}
	}
	return synced, nil
}

func (d *Drainer) acknowledge(ctx context.Context, entries []outbox.Entry) int {
	n := 0
	for _, e := range entries {
		if _, err := d.queue.Acknowledge(ctx, e.ID); err != nil {
			log.Printf("drainer: %v", err)
			continue
		}
		n++
	}
	return n
}

func (d *Drainer) fail(ctx context.Context, e *outbox.Entry, cause error) {
	updated, err := d.queue.RecordFailure(ctx, e.ID, cause)
	if err != nil {
		log.Printf("drainer: %v", err)
		return
	}
	if updated == nil {
		return
	}
	log.Printf("drainer: deliver entry %d (operation %d) failed, attempt %d: %v",
		updated.ID, updated.OperationID, updated.RetryCount, cause)
	d.emit.EmitEntryFailed(*updated, cause)
	if d.cfg.MaxRetries > 0 && updated.RetryCount == d.cfg.MaxRetries {
		log.Printf("drainer: entry %d (operation %d) stuck after %d attempts", updated.ID, updated.OperationID, updated.RetryCount)
		d.emit.EmitEntryStuck(*updated)
	}
}

// Cleanup removes synced entries older than the configured retention.
func (d *Drainer) Cleanup(ctx context.Context) (int, error) {
	removed, err := d.queue.Cleanup(ctx, d.cfg.RetentionMinutes)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		d.emit.EmitOutboxCleaned(removed)
	}
	return removed, nil
}

func confirmationFor(e *outbox.Entry) *protocol.PickConfirm {
	return &protocol.PickConfirm{
		EntryID:      e.ID,
		OperationID:  e.OperationID,
		QuantityDone: e.QuantityDone,
		ConfirmedAt:  e.CreatedAt,
	}
}

type nopEmitter struct{}

func (nopEmitter) EmitEntryDelivered(outbox.Entry, int) {}
func (nopEmitter) EmitEntryFailed(outbox.Entry, error)  {}
func (nopEmitter) EmitEntryStuck(outbox.Entry)          {}
func (nopEmitter) EmitOutboxCleaned(int)                {}
