package www

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"pickedge/engine"
	"pickedge/store"

	"github.com/go-chi/chi/v5"
)

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeEngineError maps engine and store errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, engine.ErrUnknownOperation), errors.Is(err, engine.ErrZoneNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrInvalidQuantity):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNoTransport):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrTransactionFailed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func parseID(r *http.Request, param string) (int64, error) {
	s := chi.URLParam(r, param)
	return strconv.ParseInt(s, 10, 64)
}
