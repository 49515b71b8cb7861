package rest

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mohitkumar/flowsync/datasync"
	"github.com/mohitkumar/flowsync/model"
)

type resolveRequest struct {
	Source     string          `json:"source,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	ResolvedBy string          `json:"resolvedBy"`
}

func (s *Server) HandleListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := s.syncService.ListPendingConflicts(r.Context())
	if err != nil {
		respondWithFailure(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []model.ConflictRecord{}
	}
	respondWithJSON(w, http.StatusOK, conflicts)
}

func (s *Server) HandleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid resolution body")
		return
	}
	res := datasync.Resolution{Source: req.Source, ResolvedBy: req.ResolvedBy}
	if len(req.Value) > 0 {
		var native any
		if err := json.Unmarshal(req.Value, &native); err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid value")
			return
		}
		value, err := model.FromNative(native)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		res.Value = &value
	}
	record, err := s.syncService.ResolveConflict(r.Context(), mux.Vars(r)["id"], res)
	if err != nil {
		respondWithFailure(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, record)
}

func (s *Server) HandleGetEntity(w http.ResponseWriter, r *http.Request) {
	entity, err := s.syncService.GetEntity(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithFailure(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, entity)
}

func (s *Server) HandleReconcileEntity(w http.ResponseWriter, r *http.Request) {
	report, err := s.syncService.Reconcile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithFailure(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}

func (s *Server) HandleAnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, s.aggregator.Summary())
}
