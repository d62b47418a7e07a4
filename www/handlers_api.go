package www

import (
	"encoding/json"
	"net/http"
	"strconv"

	"pickedge/cache"

	"github.com/go-chi/chi/v5"
)

// --- Status ---

func (h *Handlers) apiStatus(w http.ResponseWriter, r *http.Request) {
	cfg := h.engine.AppConfig()
	writeJSON(w, map[string]interface{}{
		"station":         cfg.StationID(),
		"offline_enabled": h.engine.OfflineEnabled(),
		"transport":       cfg.Messaging.Transport,
		"breaker":         h.engine.TransportState(),
	})
}

func (h *Handlers) apiStats(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.Stats(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, s)
}

// --- Cache ---

func (h *Handlers) apiGetSnapshot(w http.ResponseWriter, r *http.Request) {
	batchID, err := parseID(r, "batchID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch ID")
		return
	}
	zoneID := chi.URLParam(r, "zoneID")
	snap, err := h.engine.LoadSnapshot(r.Context(), batchID, zoneID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "snapshot not cached")
		return
	}
	writeJSON(w, snap)
}

func (h *Handlers) apiPutSnapshot(w http.ResponseWriter, r *http.Request) {
	batchID, err := parseID(r, "batchID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch ID")
		return
	}
	var req struct {
		Locations  []cache.Location             `json:"locations"`
		Operations map[string][]cache.Operation `json:"operations"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := h.engine.SaveSnapshot(r.Context(), batchID, chi.URLParam(r, "zoneID"), req.Locations, req.Operations)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, snap)
}

func (h *Handlers) apiDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	batchID, err := parseID(r, "batchID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch ID")
		return
	}
	if err := h.engine.InvalidateSnapshot(r.Context(), batchID, chi.URLParam(r, "zoneID")); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *Handlers) apiOpenZone(w http.ResponseWriter, r *http.Request) {
	batchID, err := parseID(r, "batchID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch ID")
		return
	}
	view, err := h.engine.OpenZone(r.Context(), batchID, chi.URLParam(r, "zoneID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, view)
}

func (h *Handlers) apiInvalidateBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := parseID(r, "batchID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch ID")
		return
	}
	n, err := h.engine.InvalidateBatch(r.Context(), batchID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]int{"snapshots": n})
}

func (h *Handlers) apiGetOperation(w http.ResponseWriter, r *http.Request) {
	opID, err := parseID(r, "operationID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid operation ID")
		return
	}
	op, err := h.engine.GetOperation(r.Context(), opID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if op == nil {
		writeError(w, http.StatusNotFound, "operation not cached")
		return
	}
	writeJSON(w, op)
}

// --- Confirmations and outbox ---

func (h *Handlers) apiConfirmPick(w http.ResponseWriter, r *http.Request) {
	opID, err := parseID(r, "operationID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid operation ID")
		return
	}
	var req struct {
		QuantityDone *float64 `json:"quantity_done"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.QuantityDone == nil {
		writeError(w, http.StatusBadRequest, "quantity_done is required")
		return
	}
	entry, err := h.engine.ConfirmPick(r.Context(), opID, *req.QuantityDone)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, entry)
}

func (h *Handlers) apiListOutbox(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.ListUnsynced(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, entries)
}

func (h *Handlers) apiGetEntry(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "entryID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid entry ID")
		return
	}
	entry, err := h.engine.GetEntry(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	writeJSON(w, entry)
}

func (h *Handlers) apiCleanup(w http.ResponseWriter, r *http.Request) {
	maxAge := h.engine.AppConfig().Outbox.RetentionMinutes
	if s := r.URL.Query().Get("max_age_minutes"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid max_age_minutes")
			return
		}
		maxAge = n
	}
	n, err := h.engine.Cleanup(r.Context(), maxAge)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]int{"removed": n})
}

func (h *Handlers) apiSync(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Sync(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, res)
}

// --- Metadata ---

func (h *Handlers) apiGetMetadata(w http.ResponseWriter, r *http.Request) {
	m, err := h.engine.GetMetadata(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "metadata not set")
		return
	}
	writeJSON(w, m)
}

func (h *Handlers) apiPutMetadata(w http.ResponseWriter, r *http.Request) {
	var value json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.engine.SetMetadata(r.Context(), chi.URLParam(r, "key"), value); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *Handlers) apiClear(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ClearAll(r.Context()); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}
