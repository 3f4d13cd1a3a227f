package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/jittakal/stagebuf/pkg/buffer"
	"github.com/jittakal/stagebuf/pkg/entry"
)

// BufferSnapshot is the body of GET /debug/buffer.
type BufferSnapshot struct {
	Size    int          `json:"size"`
	Entries []entry.Pair `json:"entries"`
}

type errorResponse struct {
	Error string `json:"error"`
	Key   string `json:"key,omitempty"`
}

// SnapshotHandler returns every buffered pair ordered by key. The buffer
// is not modified.
func SnapshotHandler(buf buffer.Reader, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pairs := buf.Entries()
		entry.SortPairs(pairs)

		writeJSON(w, http.StatusOK, BufferSnapshot{Size: len(pairs), Entries: pairs}, logger)
	}
}

// EntryHandler returns the entry stored under the {key} path value.
func EntryHandler(buf buffer.Reader, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")

		e, ok := buf.Get(key)
		if !ok {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "key not found", Key: key}, logger)
			return
		}
		writeJSON(w, http.StatusOK, e, logger)
	}
}

// HasHandler answers HEAD requests with 200 when the key is buffered and
// 404 otherwise.
func HasHandler(buf buffer.Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if buf.Has(r.PathValue("key")) {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}
}
