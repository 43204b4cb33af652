package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

// Config is the process-wide read-only record. It is built once at startup
// from the environment; rebinding requires a restart.
type Config struct {
	Mode     Mode
	HTTPAddr string
	LogLevel string

	DBDriver string
	DBDSN    string

	DataDir     string // moodledata-equivalent tree; also export staging input
	SnapshotDir string // where export zips land

	JWTSecret     string
	AdminUser     string
	AdminPassHash string // bcrypt

	CORSOrigins []string

	// IdP connection
	IdPURL          string
	IdPRealm        string
	IdPClientID     string
	IdPClientSecret string
	IdPTimeout      time.Duration

	// Sync behavior
	SyncEnabled        bool
	SyncInterval       time.Duration
	ParentCategoryID   int64
	NamingSchemasJSON  string // raw JSON array; empty = built-in defaults
	TeacherRoleAttr    string
	TeacherRoleValue   string
	SuspendUsers       bool
	UnenrollUsers      bool
	AutoEnrollTeachers bool
	AutoEnrollStudents bool
	SyncPageSize       int

	// Export pipeline
	ExportCompression    int // zip deflate level, 0..9
	ExportGzipSQL        bool
	ExportSplitThreshold int64 // bytes; 0 disables splitting
}

func FromEnv() Config {
	mode := Mode(envOr("MODE", string(ModeProd)))
	return Config{
		Mode:     mode,
		HTTPAddr: envOr("HTTP_ADDR", ":8080"),
		LogLevel: envOr("LOG_LEVEL", "info"),

		DBDriver: envOr("DB_DRIVER", "sqlite"),
		DBDSN:    envOr("DB_DSN", ""),

		DataDir:     envOr("DATA_DIR", "./data"),
		SnapshotDir: envOr("SNAPSHOT_DIR", "./snapshots"),

		JWTSecret:     envOr("JWT_SECRET", "supersecret-dev-key"),
		AdminUser:     envOr("ADMIN_USER", "admin"),
		AdminPassHash: envOr("ADMIN_PASS_HASH", "$2y$12$pyZAiWaTfVtM7UElIRStvOC3gNbnp70nmQU4eYopLGBfCJr1DOvji"),

		CORSOrigins: csvOr("CORS_ORIGINS", "http://localhost:3000"),

		IdPURL:          strings.TrimSuffix(os.Getenv("IDP_URL"), "/"),
		IdPRealm:        os.Getenv("IDP_REALM"),
		IdPClientID:     os.Getenv("IDP_CLIENT_ID"),
		IdPClientSecret: os.Getenv("IDP_CLIENT_SECRET"),
		IdPTimeout:      envDur("IDP_TIMEOUT", 30*time.Second),

		SyncEnabled:        envBool("SYNC_ENABLED", false),
		SyncInterval:       envDur("SYNC_INTERVAL", time.Hour),
		ParentCategoryID:   envInt64("PARENT_CATEGORY_ID", 0),
		NamingSchemasJSON:  os.Getenv("NAMING_SCHEMAS"),
		TeacherRoleAttr:    envOr("TEACHER_ROLE_ATTRIBUTE", "sophomorixRole"),
		TeacherRoleValue:   envOr("TEACHER_ROLE_VALUE", "teacher"),
		SuspendUsers:       envBool("SYNC_SUSPEND_USERS", false),
		UnenrollUsers:      envBool("SYNC_UNENROLL_USERS", false),
		AutoEnrollTeachers: envBool("AUTO_ENROLL_TEACHERS", true),
		AutoEnrollStudents: envBool("AUTO_ENROLL_STUDENTS", true),
		SyncPageSize:       envInt("SYNC_PAGE_SIZE", 100),

		ExportCompression:    clampInt(envInt("EXPORT_COMPRESSION", 6), 0, 9),
		ExportGzipSQL:        envBool("EXPORT_GZIP_SQL", true),
		ExportSplitThreshold: envInt64("EXPORT_SPLIT_THRESHOLD", 0),
	}
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64(k string, def int64) int64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDur(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func clampInt(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
