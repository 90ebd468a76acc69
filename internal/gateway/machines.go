package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/antonkrylov/execgate/internal/directory"
)

type createMachineRequest struct {
	ID    string `json:"id"`
	Alias string `json:"alias"`
	Brand string `json:"brand"`
	State string `json:"state"`
	Node  string `json:"node"`
}

func (s *Server) handleCreateMachine(w http.ResponseWriter, r *http.Request) {
	var req createMachineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, directory.ErrInvalidMachine)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.State == "" {
		req.State = directory.StateProvisioning
	}
	m := &directory.Machine{
		ID:    req.ID,
		Alias: req.Alias,
		Brand: req.Brand,
		State: req.State,
		Node:  req.Node,
	}
	if err := s.opts.Directory.Put(r.Context(), m); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("machine registered", "machine", m.ID, "brand", m.Brand, "node", m.Node)
	s.writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := s.opts.Directory.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if machines == nil {
		machines = []*directory.Machine{}
	}
	s.writeJSON(w, http.StatusOK, machines)
}

func (s *Server) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	m, err := s.opts.Directory.Get(r.Context(), chi.URLParam(r, "machineID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeleteMachine(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "machineID")
	if err := s.opts.Directory.Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("machine removed", "machine", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "machineID")
	var req struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, directory.ErrInvalidMachine)
		return
	}
	if err := s.opts.Directory.SetState(r.Context(), id, req.State); err != nil {
		s.writeError(w, err)
		return
	}
	m, err := s.opts.Directory.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}
