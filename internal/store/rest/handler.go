package rest

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"collabink/internal/protocol"
	"collabink/internal/store"
)

type errorBody struct {
	Error string `json:"error"`
}

type handler struct {
	store  store.Store
	logger *slog.Logger
}

// Register mounts the persistence API on r.
func Register(r *mux.Router, s store.Store, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{store: s, logger: logger}
	r.HandleFunc("/sessions/{session}/diagrams", h.createDiagram).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{session}/diagrams", h.listDiagrams).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{session}/typeset", h.loadTypeset).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{session}/typeset", h.saveTypeset).Methods(http.MethodPut)
	r.HandleFunc("/diagrams/{id}", h.patchDiagram).Methods(http.MethodPatch)
	r.HandleFunc("/diagrams/{id}", h.deleteDiagram).Methods(http.MethodDelete)
	r.HandleFunc("/diagrams/{id}/annotations", h.patchAnnotations).Methods(http.MethodPatch)
}

// NewHandler returns the persistence API as a standalone handler.
func NewHandler(s store.Store, logger *slog.Logger) http.Handler {
	r := mux.NewRouter()
	Register(r, s, logger)
	return r
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("write response", "err", err)
	}
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, store.ErrNotFound) {
		status = http.StatusNotFound
	} else {
		h.logger.Error("store request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	h.writeJSON(w, status, errorBody{Error: err.Error()})
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxResponseBytes)).Decode(v); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return false
	}
	return true
}

func (h *handler) createDiagram(w http.ResponseWriter, r *http.Request) {
	var d protocol.Diagram
	if !h.decode(w, r, &d) {
		return
	}
	d.SessionID = mux.Vars(r)["session"]
	created, err := h.store.CreateDiagram(r.Context(), d)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

func (h *handler) listDiagrams(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListDiagrams(r.Context(), mux.Vars(r)["session"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

func (h *handler) patchDiagram(w http.ResponseWriter, r *http.Request) {
	var patch store.DiagramPatch
	if !h.decode(w, r, &patch) {
		return
	}
	if err := h.store.PatchDiagram(r.Context(), mux.Vars(r)["id"], patch); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) patchAnnotations(w http.ResponseWriter, r *http.Request) {
	var a protocol.Annotations
	if !h.decode(w, r, &a) {
		return
	}
	if err := h.store.PatchAnnotations(r.Context(), mux.Vars(r)["id"], a); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) deleteDiagram(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteDiagram(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) loadTypeset(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.LoadTypeset(r.Context(), mux.Vars(r)["session"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

func (h *handler) saveTypeset(w http.ResponseWriter, r *http.Request) {
	var t store.Typeset
	if !h.decode(w, r, &t) {
		return
	}
	t.SessionID = mux.Vars(r)["session"]
	if err := h.store.SaveTypeset(r.Context(), t); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
