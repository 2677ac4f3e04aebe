package http

import (
	"encoding/json"
	"net/http"
)

// Boundary error codes. The UI only ever sees this closed set, never raw
// transport errors.
const (
	CodeInvalidPackage     = "INVALID_PACKAGE"
	CodeAlreadyActive      = "ALREADY_ACTIVE"
	CodeAlreadyCaptured    = "ALREADY_CAPTURED"
	CodeGatewayUnavailable = "GATEWAY_UNAVAILABLE"
	CodeGatewayRejected    = "GATEWAY_REJECTED"
	CodeStreakExpired      = "STREAK_EXPIRED"
	CodeNotFound           = "NOT_FOUND"
	CodeBadRequest         = "BAD_REQUEST"
	CodeInternal           = "INTERNAL"
)

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Code: code, Error: msg})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
