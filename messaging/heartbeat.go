package messaging

import (
	"context"
	"log"
	"sync"
	"time"

	"pickedge/outbox"
	"pickedge/protocol"
)

// StatsFunc reports the outbox counters sent with each heartbeat.
type StatsFunc func(ctx context.Context) (outbox.Stats, error)

// Heartbeater publishes device.heartbeat periodically.
type Heartbeater struct {
	pub       Publisher
	stationID string
	topic     string
	interval  time.Duration
	stats     StatsFunc
	startTime time.Time

	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewHeartbeater creates a heartbeater for the given station.
func NewHeartbeater(pub Publisher, stationID, topic string, interval time.Duration, stats StatsFunc) *Heartbeater {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Heartbeater{
		pub:       pub,
		stationID: stationID,
		topic:     topic,
		interval:  interval,
		stats:     stats,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start sends an initial heartbeat and begins the loop.
func (h *Heartbeater) Start() {
	h.startTime = time.Now()
	h.started = true
	h.send()
	go h.loop()
}

// Stop halts the heartbeat loop.
func (h *Heartbeater) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	if h.started {
		<-h.done
	}
}

func (h *Heartbeater) build(ctx context.Context) *protocol.DeviceHeartbeat {
	hb := &protocol.DeviceHeartbeat{
		Station: h.stationID,
		Uptime:  int64(time.Since(h.startTime).Seconds()),
	}
	if h.stats != nil {
		s, err := h.stats(ctx)
		if err != nil {
			hb.Offline = true
		} else {
			hb.Queued, hb.Unsynced = s.Queued, s.Unsynced
		}
	}
	return hb
}

func (h *Heartbeater) send() {
	ctx, cancel := context.WithTimeout(context.Background(), h.interval/2)
	defer cancel()
	env, err := protocol.NewEnvelope(
		protocol.TypeDeviceHeartbeat,
		protocol.Address{Role: protocol.RoleDevice, Station: h.stationID},
		protocol.Address{Role: protocol.RoleBackend},
		h.build(ctx),
	)
	if err != nil {
		log.Printf("heartbeater: build heartbeat: %v", err)
		return
	}
	if err := PublishEnvelope(ctx, h.pub, h.topic, env); err != nil {
		log.Printf("heartbeater: send heartbeat: %v", err)
	}
}

func (h *Heartbeater) loop() {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.send()
		}
	}
}
