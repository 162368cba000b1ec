package api

import (
	"encoding/json"
	"net/http"

	"github.com/spiderfoot/fabric/pkg/reqctx"
)

// errorBody is the uniform JSON error envelope. The request id gives callers
// a correlatable reference for their logs.
type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg, RequestID: reqctx.RequestID(r.Context())})
}
