package rest

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mohitkumar/flowsync/logger"
	"github.com/mohitkumar/flowsync/model"
	"go.uber.org/zap"
)

func (s *Server) HandleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf model.Workflow
	if err := decode(r, &wf); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid workflow body")
		return
	}
	created, err := s.metadataService.CreateWorkflow(r.Context(), wf)
	if err != nil {
		logger.Info("error creating workflow", zap.String("name", wf.Name), zap.Error(err))
		respondWithFailure(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, created)
}

func (s *Server) HandleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var wf model.Workflow
	if err := decode(r, &wf); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid workflow body")
		return
	}
	updated, err := s.metadataService.UpdateWorkflow(r.Context(), id, wf)
	if err != nil {
		logger.Info("error updating workflow", zap.String("workflowId", id), zap.Error(err))
		respondWithFailure(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, updated)
}

func (s *Server) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.metadataService.GetWorkflow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithFailure(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, wf)
}

func (s *Server) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs, err := s.metadataService.ListWorkflows(r.Context())
	if err != nil {
		respondWithFailure(w, err)
		return
	}
	if wfs == nil {
		wfs = []model.Workflow{}
	}
	respondWithJSON(w, http.StatusOK, wfs)
}

func (s *Server) HandleEnableWorkflow(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, true)
}

func (s *Server) HandleDisableWorkflow(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	wf, err := s.metadataService.SetEnabled(r.Context(), mux.Vars(r)["id"], enabled)
	if err != nil {
		respondWithFailure(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, wf)
}
