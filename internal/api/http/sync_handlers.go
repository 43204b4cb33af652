package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	auth "github.com/klassbridge/rostersync/internal/auth/middleware"
	"github.com/klassbridge/rostersync/internal/engine"
	"github.com/klassbridge/rostersync/internal/jobs"
	"github.com/klassbridge/rostersync/internal/syncerr"
)

// PreviewFunc computes the delta without mutating the LMS. The wiring layer
// binds it to a freshly built engine per call.
type PreviewFunc func(ctx context.Context) (*engine.PreviewResult, error)

// POST /api/sync/preview
func PreviewHandler(preview PreviewFunc, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := preview(r.Context())
		if err != nil {
			writeErr(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// POST /api/sync/start
//
//	{ "direction": "idp_to_lms",
//	  "selected_items": {"users": [...], "groups": [...]},
//	  "options": {"suspend_users": false, "auto_enroll_students": true} }
//
// All fields are optional; an empty body runs a full sync with the
// configured defaults.
func StartSyncHandler(runner *jobs.Runner, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Direction string              `json:"direction"`
			Selected  engine.Selection    `json:"selected_items"`
			Options   engine.RunOverrides `json:"options"`
		}
		decodeOptional(r, &req)

		actor := auth.SubjectFromContext(r.Context())
		if actor == "" {
			writeErr(w, log, syncerr.New(syncerr.KindValidation, "missing actor"))
			return
		}
		syncID, err := runner.Start(r.Context(), jobs.StartParams{
			ActorID:   actor,
			Direction: req.Direction,
			Selected:  req.Selected,
			Overrides: req.Options,
		})
		if err != nil {
			writeErr(w, log, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "sync_id": syncID})
	}
}

// GET /api/sync/jobs/{syncID}
func JobStatusHandler(runner *jobs.Runner, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := runner.Status(r.Context(), chi.URLParam(r, "syncID"))
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// POST /api/sync/jobs/{syncID}/cancel
func CancelJobHandler(runner *jobs.Runner, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := runner.Cancel(r.Context(), chi.URLParam(r, "syncID")); err != nil {
			writeErr(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// GET /api/sync/ongoing
func OngoingHandler(runner *jobs.Runner, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := auth.SubjectFromContext(r.Context())
		job, ok, err := runner.Ongoing(r.Context(), actor)
		if err != nil {
			writeErr(w, log, err)
			return
		}
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"progress": 0})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"sync_id":   job.SyncID,
			"status":    job.Status,
			"progress":  job.Progress,
			"direction": job.Direction,
		})
	}
}

// GET /api/sync/jobs?limit=20
func ListJobsHandler(runner *jobs.Runner, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 20)
		list, err := runner.Recent(r.Context(), limit)
		if err != nil {
			writeErr(w, log, err)
			return
		}
		if list == nil {
			list = []*jobs.Job{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}
