package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mohitkumar/flowsync/analytics"
	"github.com/mohitkumar/flowsync/datasync"
	"github.com/mohitkumar/flowsync/engine"
	"github.com/mohitkumar/flowsync/logger"
	"github.com/mohitkumar/flowsync/metadata"
	"github.com/mohitkumar/flowsync/model"
	"github.com/mohitkumar/flowsync/persistence"
	"github.com/mohitkumar/flowsync/trigger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Server struct {
	http.Server
	Port            int
	receiver        *trigger.Receiver
	metadataService metadata.MetadataService
	engine          *engine.FlowEngine
	syncService     *datasync.Service
	aggregator      *analytics.Aggregator
}

func NewServer(httpPort int, receiver *trigger.Receiver, metadataService metadata.MetadataService, flowEngine *engine.FlowEngine,
	syncService *datasync.Service, aggregator *analytics.Aggregator) (*Server, error) {

	s := &Server{
		Server: http.Server{
			Addr:        fmt.Sprintf(":%d", httpPort),
			IdleTimeout: 2 * time.Second,
		},
		receiver:        receiver,
		metadataService: metadataService,
		engine:          flowEngine,
		syncService:     syncService,
		aggregator:      aggregator,
		Port:            httpPort,
	}

	router := mux.NewRouter()
	router.HandleFunc("/events", s.HandleEvent).Methods(http.MethodPost)

	router.HandleFunc("/workflows", s.HandleCreateWorkflow).Methods(http.MethodPost)
	router.HandleFunc("/workflows", s.HandleListWorkflows).Methods(http.MethodGet)
	router.HandleFunc("/workflows/{id}", s.HandleGetWorkflow).Methods(http.MethodGet)
	router.HandleFunc("/workflows/{id}", s.HandleUpdateWorkflow).Methods(http.MethodPut)
	router.HandleFunc("/workflows/{id}/enable", s.HandleEnableWorkflow).Methods(http.MethodPost)
	router.HandleFunc("/workflows/{id}/disable", s.HandleDisableWorkflow).Methods(http.MethodPost)

	router.HandleFunc("/executions", s.HandleListExecutions).Methods(http.MethodGet)
	router.HandleFunc("/executions/{id}", s.HandleGetExecution).Methods(http.MethodGet)
	router.HandleFunc("/executions/{id}/cancel", s.HandleCancelExecution).Methods(http.MethodPost)

	router.HandleFunc("/conflicts", s.HandleListConflicts).Methods(http.MethodGet)
	router.HandleFunc("/conflicts/{id}/resolve", s.HandleResolveConflict).Methods(http.MethodPost)
	router.HandleFunc("/entities/{id}", s.HandleGetEntity).Methods(http.MethodGet)
	router.HandleFunc("/entities/{id}/reconcile", s.HandleReconcileEntity).Methods(http.MethodPost)

	router.HandleFunc("/analytics/summary", s.HandleAnalyticsSummary).Methods(http.MethodGet)

	router.Use(loggingMiddleware)
	s.Handler = router
	return s, nil
}

func (s *Server) Start() error {
	logger.Info("starting http server on", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.Shutdown(ctx)
	if err != nil {
		logger.Error("error shutting down http server", zap.Error(err))
	}
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug(r.RequestURI, zap.String("method", r.Method))
		next.ServeHTTP(w, r)
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// respondWithFailure maps service errors to status codes.
func respondWithFailure(w http.ResponseWriter, err error) {
	var malformed model.MalformedEventError
	var invalid metadata.ValidationError
	var resolution datasync.InvalidResolutionError
	switch {
	case errors.As(err, &malformed), errors.As(err, &invalid), errors.As(err, &resolution):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, persistence.ErrNotFound):
		respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, metadata.ErrWorkflowExists), errors.Is(err, persistence.ErrTerminalExecution), errors.Is(err, datasync.ErrConflictNotPending):
		respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrNotRunning), errors.Is(err, datasync.ErrNotStarted):
		respondWithError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logger.Error("request failed", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
