package server

import (
	"errors"
	"net/http"

	"github.com/Corvid-Labs/fixstream/internal/faults"
	"github.com/Corvid-Labs/fixstream/internal/run"
)

// httpStatusForKind maps a failure category to the status code the API
// reports for it. Only validation surfaces before a run exists; every
// failure after admission travels the event stream as an error event and
// reaches HTTP through the results endpoint instead.
func httpStatusForKind(kind faults.Kind) int {
	switch kind {
	case faults.KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondWithFault translates a classified error into its HTTP shape.
func (s *Server) respondWithFault(w http.ResponseWriter, err error) {
	if errors.Is(err, run.ErrNotFound) {
		s.respondWithError(w, http.StatusNotFound, "run not found")
		return
	}
	s.respondWithError(w, httpStatusForKind(faults.KindOf(err)), faults.UserMessage(err))
}
