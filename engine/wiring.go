package engine

// wireEventHandlers logs sync outcomes and feeds the metrics counters.
func (e *Engine) wireEventHandlers() {
	e.Events.Subscribe(func(evt Event) {
		e.debugFn("event %s: %+v", evt.Type, evt.Payload)
	})

	e.Events.SubscribeTypes(func(evt Event) {
		stuck := evt.Payload.(EntryEvent)
		e.logFn("outbox entry %d for operation %d is stuck after %d attempts: %s",
			stuck.EntryID, stuck.OperationID, stuck.RetryCount, stuck.Error)
	}, EventEntryStuck)

	if e.metrics == nil {
		return
	}
	m := e.metrics
	e.Events.SubscribeTypes(func(evt Event) {
		switch evt.Type {
		case EventEntryDelivered:
			p := evt.Payload.(EntryEvent)
			m.Delivered.Inc()
			m.Superseded.Add(float64(p.Superseded))
		case EventEntryFailed:
			m.Failed.Inc()
		case EventEntryStuck:
			m.Stuck.Inc()
		case EventOutboxCleaned:
			m.Cleaned.Add(float64(evt.Payload.(OutboxCleanedEvent).Removed))
		}
	}, EventEntryDelivered, EventEntryFailed, EventEntryStuck, EventOutboxCleaned)
	m.SetOffline(!e.OfflineEnabled())
}
