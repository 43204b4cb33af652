// Package export builds backup snapshots of the service: JSON views of
// users and courses, the redacted configuration, a portable SQL dump, and a
// copy of the data directory, packaged as a ZIP with a SHA-256 checksum
// sidecar. The sync engine never calls this package.
package export

import (
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/klassbridge/rostersync/internal/config"
)

// Components a snapshot can contain.
const (
	ComponentUsers      = "users"
	ComponentCourses    = "courses"
	ComponentConfig     = "config"
	ComponentPlugins    = "plugins"
	ComponentMoodledata = "moodledata"
	ComponentDatabase   = "database"
)

func AllComponents() []string {
	return []string{
		ComponentUsers, ComponentCourses, ComponentConfig,
		ComponentPlugins, ComponentMoodledata, ComponentDatabase,
	}
}

type Options struct {
	OutDir           string
	Components       []string
	CompressionLevel int   // zip deflate level, 0..9
	GzipSQL          bool  // gzip the SQL dump inside the archive
	SplitThreshold   int64 // bytes; staged files above this are split; 0 disables
	DryRun           bool  // stage and count, but write no zip
}

type Result struct {
	Path       string         `json:"path,omitempty"`
	Size       int64          `json:"size,omitempty"`
	SHA256     string         `json:"sha256,omitempty"`
	Components []string       `json:"components"`
	Counts     map[string]int `json:"counts"`
	SplitFiles []string       `json:"split_files,omitempty"`
}

// manifest sits at the archive root.
type manifest struct {
	Version    string         `json:"version"`
	CreatedAt  string         `json:"created_at"`
	Host       string         `json:"host"`
	Components []string       `json:"components"`
	Counts     map[string]int `json:"counts"`
}

type Snapshotter struct {
	db      *sql.DB
	dataDir string
	cfg     config.Config
	log     *zap.Logger
	now     func() time.Time
}

func NewSnapshotter(db *sql.DB, cfg config.Config, log *zap.Logger) *Snapshotter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Snapshotter{db: db, dataDir: cfg.DataDir, cfg: cfg, log: log, now: time.Now}
}

// Snapshot stages the selected components into a temp tree, applies the
// split threshold, writes the checksum sidecar, and zips the tree into
// OutDir. The staged tree is always removed.
func (s *Snapshotter) Snapshot(ctx context.Context, opts Options) (*Result, error) {
	if opts.CompressionLevel < 0 || opts.CompressionLevel > 9 {
		return nil, fmt.Errorf("compression level %d out of range [0,9]", opts.CompressionLevel)
	}
	components := opts.Components
	if len(components) == 0 {
		components = AllComponents()
	}

	stage, err := os.MkdirTemp("", "rostersync-export-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(stage)

	counts := map[string]int{}
	for _, c := range components {
		n, err := s.stageComponent(ctx, stage, c, opts)
		if err != nil {
			return nil, fmt.Errorf("component %s: %w", c, err)
		}
		counts[c] = n
	}

	host, _ := os.Hostname()
	mf := manifest{
		Version:    "1",
		CreatedAt:  s.now().UTC().Format(time.RFC3339),
		Host:       host,
		Components: components,
		Counts:     counts,
	}
	if err := writeJSONFile(filepath.Join(stage, "manifest.json"), mf); err != nil {
		return nil, err
	}

	splitFiles, err := SplitLargeFiles(stage, opts.SplitThreshold)
	if err != nil {
		return nil, err
	}
	if err := WriteChecksums(stage); err != nil {
		return nil, err
	}

	res := &Result{Components: components, Counts: counts, SplitFiles: splitFiles}
	if opts.DryRun {
		return res, nil
	}

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return nil, err
	}
	zipPath := filepath.Join(opts.OutDir,
		fmt.Sprintf("rostersync-%s.zip", s.now().UTC().Format("20060102-150405")))
	if err := BuildPackage(stage, zipPath, opts.CompressionLevel); err != nil {
		return nil, err
	}
	info, err := os.Stat(zipPath)
	if err != nil {
		return nil, err
	}
	sum, err := fileSHA256(zipPath)
	if err != nil {
		return nil, err
	}
	res.Path = zipPath
	res.Size = info.Size()
	res.SHA256 = sum
	s.log.Info("snapshot written",
		zap.String("path", zipPath), zap.Int64("size", info.Size()))
	return res, nil
}

func (s *Snapshotter) stageComponent(ctx context.Context, stage, component string, opts Options) (int, error) {
	switch component {
	case ComponentUsers:
		return s.stageUsers(ctx, stage)
	case ComponentCourses:
		return s.stageCourses(ctx, stage)
	case ComponentConfig:
		return 1, writeJSONFile(filepath.Join(stage, "config", "config.json"), RedactConfig(s.cfg))
	case ComponentPlugins:
		return 1, writeJSONFile(filepath.Join(stage, "plugins", "plugins.json"), pluginVersions())
	case ComponentMoodledata:
		if _, err := os.Stat(s.dataDir); os.IsNotExist(err) {
			return 0, nil
		}
		return 0, CopyTree(s.dataDir, filepath.Join(stage, "moodledata"))
	case ComponentDatabase:
		return s.stageDatabase(ctx, stage, opts.GzipSQL)
	default:
		return 0, fmt.Errorf("unknown component %q", component)
	}
}

func (s *Snapshotter) stageUsers(ctx context.Context, stage string) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("no database handle")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, email, auth, first_name, last_name, suspended, deleted FROM users`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	type userView struct {
		ID        int64  `json:"id"`
		Username  string `json:"username"`
		Email     string `json:"email"`
		Auth      string `json:"auth"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Suspended int    `json:"suspended"`
		Deleted   int    `json:"deleted"`
	}
	out := []userView{}
	for rows.Next() {
		var u userView
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.Auth,
			&u.FirstName, &u.LastName, &u.Suspended, &u.Deleted); err != nil {
			return 0, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return len(out), writeJSONFile(filepath.Join(stage, "users", "users.json"), out)
}

func (s *Snapshotter) stageCourses(ctx context.Context, stage string) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("no database handle")
	}
	type courseView struct {
		ID         int64  `json:"id"`
		IDNumber   string `json:"idnumber"`
		ShortName  string `json:"shortname"`
		FullName   string `json:"fullname"`
		CategoryID int64  `json:"category_id"`
		Format     string `json:"format"`
		Visible    int    `json:"visible"`
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, idnumber, shortname, fullname, category_id, format, visible FROM courses`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	courses := []courseView{}
	for rows.Next() {
		var c courseView
		if err := rows.Scan(&c.ID, &c.IDNumber, &c.ShortName, &c.FullName,
			&c.CategoryID, &c.Format, &c.Visible); err != nil {
			return 0, err
		}
		courses = append(courses, c)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if err := writeJSONFile(filepath.Join(stage, "courses", "courses.json"), courses); err != nil {
		return 0, err
	}

	type catView struct {
		ID       int64  `json:"id"`
		Name     string `json:"name"`
		ParentID int64  `json:"parent_id"`
		Path     string `json:"path"`
	}
	crows, err := s.db.QueryContext(ctx,
		`SELECT id, name, parent_id, path FROM course_categories`)
	if err != nil {
		return 0, err
	}
	defer crows.Close()
	cats := []catView{}
	for crows.Next() {
		var c catView
		if err := crows.Scan(&c.ID, &c.Name, &c.ParentID, &c.Path); err != nil {
			return 0, err
		}
		cats = append(cats, c)
	}
	if err := crows.Err(); err != nil {
		return 0, err
	}
	if err := writeJSONFile(filepath.Join(stage, "courses", "categories.json"), cats); err != nil {
		return 0, err
	}
	return len(courses), nil
}

func (s *Snapshotter) stageDatabase(ctx context.Context, stage string, gzipSQL bool) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("no database handle")
	}
	dir := filepath.Join(stage, "database")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	sqlPath := filepath.Join(dir, "dump.sql")
	f, err := os.Create(sqlPath)
	if err != nil {
		return 0, err
	}
	if err := DumpSQL(ctx, s.db, f); err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	if !gzipSQL {
		return len(dumpTables), nil
	}

	in, err := os.Open(sqlPath)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.Create(sqlPath + ".gz")
	if err != nil {
		return 0, err
	}
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		out.Close()
		return 0, err
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, err
	}
	return len(dumpTables), os.Remove(sqlPath)
}

// RedactConfig flattens the configuration for the snapshot, blanking every
// secret-bearing value.
func RedactConfig(c config.Config) map[string]string {
	return map[string]string{
		"mode":               string(c.Mode),
		"http_addr":          c.HTTPAddr,
		"db_driver":          c.DBDriver,
		"data_dir":           c.DataDir,
		"snapshot_dir":       c.SnapshotDir,
		"idp_url":            c.IdPURL,
		"idp_realm":          c.IdPRealm,
		"idp_client_id":      c.IdPClientID,
		"idp_client_secret":  "***",
		"jwt_secret":         "***",
		"admin_pass_hash":    "***",
		"db_dsn":             "***",
		"sync_enabled":       fmt.Sprintf("%v", c.SyncEnabled),
		"sync_interval":      c.SyncInterval.String(),
		"parent_category_id": fmt.Sprintf("%d", c.ParentCategoryID),
	}
}

// pluginVersions reports the component versions bundled in this build.
func pluginVersions() map[string]string {
	return map[string]string{
		"rostersync": "1.0.0",
		"sync":       "1.0.0",
		"export":     "1.0.0",
	}
}

func writeJSONFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
