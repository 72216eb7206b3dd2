// Package api exposes the control surface over HTTP: local document CRUD
// plus inspection and control of the configured replications.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/codetrek/replix/internal/replicator"
	"github.com/codetrek/replix/internal/storage"
	"github.com/codetrek/replix/pkg/model"
)

// Replication is one named replication under management.
type Replication struct {
	Name       string
	Replicator *replicator.Replicator
}

type Server struct {
	db           storage.Backend
	replications []Replication
	router       chi.Router
}

func NewServer(db storage.Backend, replications []Replication) *Server {
	s := &Server{
		db:           db,
		replications: replications,
		router:       chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/docs/{id}", s.handleGetDocument)
		r.Put("/docs/{id}", s.handlePutDocument)
		r.Delete("/docs/{id}", s.handleDeleteDocument)

		r.Get("/replications", s.handleListReplications)
		r.Route("/replications/{name}", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Get("/pending", s.handlePending)
			r.Post("/start", s.handleStart)
			r.Post("/stop", s.handleStop)
			r.Post("/retry", s.handleRetry)
			r.Post("/suspend", s.handleSuspend)
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) replication(name string) *Replication {
	for i := range s.replications {
		if s.replications[i].Name == name {
			return &s.replications[i]
		}
	}
	return nil
}

func (s *Server) lookupReplication(w http.ResponseWriter, r *http.Request) *Replication {
	rep := s.replication(chi.URLParam(r, "name"))
	if rep == nil {
		http.Error(w, "Replication not found", http.StatusNotFound)
	}
	return rep
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// statusView is the wire form of a replicator status.
type statusView struct {
	Name     string              `json:"name"`
	Level    string              `json:"level"`
	Progress replicator.Progress `json:"progress"`
	Error    string              `json:"error,omitempty"`
}

func statusViewOf(rep *Replication) statusView {
	st := rep.Replicator.Status()
	view := statusView{
		Name:     rep.Name,
		Level:    st.Level.String(),
		Progress: st.Progress,
	}
	if st.Err != nil {
		view.Error = st.Err.Error()
	}
	return view
}

func (s *Server) handleListReplications(w http.ResponseWriter, r *http.Request) {
	views := make([]statusView, len(s.replications))
	for i := range s.replications {
		views[i] = statusViewOf(&s.replications[i])
	}
	writeJSON(w, views)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rep := s.lookupReplication(w, r)
	if rep == nil {
		return
	}
	writeJSON(w, statusViewOf(rep))
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	rep := s.lookupReplication(w, r)
	if rep == nil {
		return
	}
	pending := []string{}
	err := rep.Replicator.Checkpointer().PendingDocumentIDs(r.Context(), s.db, func(ch storage.Change) {
		pending = append(pending, ch.DocID)
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, pending)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	rep := s.lookupReplication(w, r)
	if rep == nil {
		return
	}
	rep.Replicator.Start()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	rep := s.lookupReplication(w, r)
	if rep == nil {
		return
	}
	rep.Replicator.Stop()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	rep := s.lookupReplication(w, r)
	if rep == nil {
		return
	}
	if err := rep.Replicator.Retry(true); err != nil {
		if errors.Is(err, model.ErrStopped) {
			http.Error(w, "Replication is stopped", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	rep := s.lookupReplication(w, r)
	if rep == nil {
		return
	}
	var req struct {
		Suspended bool `json:"suspended"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	rep.Replicator.SetSuspended(req.Suspended)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.db.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			http.Error(w, "Document not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if doc.Deleted {
		http.Error(w, "Document not found", http.StatusNotFound)
		return
	}
	writeJSON(w, doc)
}

func (s *Server) handlePutDocument(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	doc, err := s.db.Put(r.Context(), chi.URLParam(r, "id"), body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, doc)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	_, err := s.db.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			http.Error(w, "Document not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
