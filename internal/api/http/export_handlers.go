package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/klassbridge/rostersync/internal/export"
)

// POST /api/export  { "components": ["users","database"], "gzip_sql": true }
// An empty body snapshots every component with the configured defaults.
func ExportHandler(snap *export.Snapshotter, defaults export.Options, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := defaults
		var req struct {
			Components       []string `json:"components"`
			CompressionLevel *int     `json:"compression_level"`
			GzipSQL          *bool    `json:"gzip_sql"`
			SplitThreshold   *int64   `json:"split_threshold"`
		}
		decodeOptional(r, &req)
		if len(req.Components) > 0 {
			opts.Components = req.Components
		}
		if req.CompressionLevel != nil {
			opts.CompressionLevel = *req.CompressionLevel
		}
		if req.GzipSQL != nil {
			opts.GzipSQL = *req.GzipSQL
		}
		if req.SplitThreshold != nil {
			opts.SplitThreshold = *req.SplitThreshold
		}

		res, err := snap.Snapshot(r.Context(), opts)
		if err != nil {
			writeErr(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// decodeOptional reads a JSON body into v, tolerating an empty body.
func decodeOptional(r *http.Request, v any) {
	if r.Body == nil {
		return
	}
	_ = json.NewDecoder(r.Body).Decode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
