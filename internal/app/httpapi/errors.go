package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/aegiscore/platform/internal/platformerr"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	pe := platformerr.As(err)
	if pe == nil {
		pe = platformerr.Internal("unexpected error", err)
	}
	writeJSON(w, pe.HTTPStatus, pe)
}

func unauthorizedErr(reason string) error {
	return platformerr.Denied(reason)
}

func internalErr(panicValue interface{}) error {
	if err, ok := panicValue.(error); ok {
		return platformerr.Internal("handler panicked", err)
	}
	return platformerr.Internal("handler panicked", nil)
}
