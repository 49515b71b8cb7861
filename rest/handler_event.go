package rest

import (
	"net/http"

	"github.com/mohitkumar/flowsync/model"
)

func (s *Server) HandleEvent(w http.ResponseWriter, r *http.Request) {
	var raw model.RawEvent
	if err := decode(r, &raw); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid event body")
		return
	}
	receipt, err := s.receiver.Receive(r.Context(), raw)
	if err != nil {
		respondWithFailure(w, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, receipt)
}
