package rest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/mohitkumar/flowsync/model"
	"github.com/pkg/errors"
)

func (s *Server) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.engine.GetExecution(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithFailure(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, exec)
}

func (s *Server) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	query, err := executionQuery(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	execs, err := s.engine.ListExecutions(r.Context(), query)
	if err != nil {
		respondWithFailure(w, err)
		return
	}
	if execs == nil {
		execs = []model.WorkflowExecution{}
	}
	respondWithJSON(w, http.StatusOK, execs)
}

func (s *Server) HandleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.Cancel(r.Context(), id); err != nil {
		respondWithFailure(w, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]any{"executionId": id, "cancelRequested": true})
}

func executionQuery(r *http.Request) (model.ExecutionQuery, error) {
	params := r.URL.Query()
	query := model.ExecutionQuery{
		WorkflowId: params.Get("workflowId"),
		Status:     model.ExecutionStatus(params.Get("status")),
	}
	if query.Status != "" && !query.Status.Valid() {
		return query, errors.Errorf("unknown status %q", query.Status)
	}
	var err error
	if v := params.Get("from"); v != "" {
		if query.From, err = time.Parse(time.RFC3339, v); err != nil {
			return query, errors.Errorf("invalid from: %v", err)
		}
	}
	if v := params.Get("to"); v != "" {
		if query.To, err = time.Parse(time.RFC3339, v); err != nil {
			return query, errors.Errorf("invalid to: %v", err)
		}
	}
	if v := params.Get("limit"); v != "" {
		if query.Limit, err = strconv.Atoi(v); err != nil || query.Limit < 0 {
			return query, errors.Errorf("invalid limit %q", v)
		}
	}
	return query, nil
}
