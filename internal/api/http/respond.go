// Package http carries the JSON handlers of the sync and export API. Every
// handler is constructed with its collaborators and mounted by cmd wiring;
// authentication and rbac run as middleware in front.
package http

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/klassbridge/rostersync/internal/syncerr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps syncerr kinds onto HTTP codes. Upstream IdP trouble is a
// bad gateway from this service's point of view.
func writeErr(w http.ResponseWriter, log *zap.Logger, err error) {
	status := http.StatusInternalServerError
	switch syncerr.KindOf(err) {
	case syncerr.KindAuth, syncerr.KindRemote:
		status = http.StatusBadGateway
	case syncerr.KindValidation:
		status = http.StatusBadRequest
	case syncerr.KindConflict, syncerr.KindCancelled:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError && log != nil {
		log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
