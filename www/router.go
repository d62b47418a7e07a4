package www

import (
	"net/http"

	"pickedge/engine"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	engine   *engine.Engine
	eventHub *EventHub
}

// NewRouter creates the chi router and returns it along with a stop function.
func NewRouter(eng *engine.Engine) (http.Handler, func()) {
	h := &Handlers{
		engine:   eng,
		eventHub: NewEventHub(),
	}
	h.eventHub.Start()
	h.eventHub.SetupEngineListeners(eng)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/events", h.eventHub.HandleSSE)
	if m := eng.Metrics(); m != nil {
		r.Handle("/metrics", m.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.apiStatus)
		r.Get("/stats", h.apiStats)

		// Cache
		r.Get("/snapshots/{batchID}/{zoneID}", h.apiGetSnapshot)
		r.Put("/snapshots/{batchID}/{zoneID}", h.apiPutSnapshot)
		r.Delete("/snapshots/{batchID}/{zoneID}", h.apiDeleteSnapshot)
		r.Post("/zones/{batchID}/{zoneID}/open", h.apiOpenZone)
		r.Delete("/batches/{batchID}", h.apiInvalidateBatch)
		r.Get("/operations/{operationID}", h.apiGetOperation)

		// Confirmations and outbox
		r.Post("/operations/{operationID}/confirm", h.apiConfirmPick)
		r.Get("/outbox", h.apiListOutbox)
		r.Get("/outbox/{entryID}", h.apiGetEntry)
		r.Post("/outbox/cleanup", h.apiCleanup)
		r.Post("/sync", h.apiSync)

		// Metadata
		r.Get("/metadata/{key}", h.apiGetMetadata)
		r.Put("/metadata/{key}", h.apiPutMetadata)

		r.Post("/clear", h.apiClear)
	})

	return r, func() {
		h.eventHub.Stop()
	}
}
