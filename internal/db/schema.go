package db

import "strings"

// Idempotent DDL, one constant per driver. The tables mirror the host LMS
// shape the sync engine mutates (users, category tree, courses, manual enrol
// instances, role assignments) plus the durable sync-job and user-map tables.

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS users (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  username TEXT NOT NULL,
  email TEXT NOT NULL,
  auth TEXT NOT NULL DEFAULT 'manual',
  first_name TEXT NOT NULL DEFAULT '',
  last_name TEXT NOT NULL DEFAULT '',
  suspended INTEGER NOT NULL DEFAULT 0,
  deleted INTEGER NOT NULL DEFAULT 0,
  timecreated INTEGER NOT NULL,
  timemodified INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_users_username ON users(username) WHERE deleted = 0;
CREATE UNIQUE INDEX IF NOT EXISTS uq_users_email ON users(email) WHERE deleted = 0;

CREATE TABLE IF NOT EXISTS course_categories (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL,
  parent_id INTEGER NOT NULL DEFAULT 0,
  path TEXT NOT NULL DEFAULT '',
  timecreated INTEGER NOT NULL,
  UNIQUE(parent_id, name)
);

CREATE TABLE IF NOT EXISTS courses (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  idnumber TEXT NOT NULL DEFAULT '',
  shortname TEXT NOT NULL UNIQUE,
  fullname TEXT NOT NULL,
  category_id INTEGER NOT NULL DEFAULT 0,
  format TEXT NOT NULL DEFAULT 'topics',
  visible INTEGER NOT NULL DEFAULT 1,
  timecreated INTEGER NOT NULL,
  timemodified INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_courses_idnumber ON courses(idnumber);

CREATE TABLE IF NOT EXISTS enrol_instances (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  course_id INTEGER NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
  method TEXT NOT NULL DEFAULT 'manual',
  status INTEGER NOT NULL DEFAULT 0,
  UNIQUE(course_id, method)
);

CREATE TABLE IF NOT EXISTS user_enrolments (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  enrol_id INTEGER NOT NULL REFERENCES enrol_instances(id) ON DELETE CASCADE,
  user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  timestart INTEGER NOT NULL DEFAULT 0,
  timecreated INTEGER NOT NULL,
  UNIQUE(enrol_id, user_id)
);

CREATE TABLE IF NOT EXISTS role_assignments (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  role TEXT NOT NULL,
  context_level TEXT NOT NULL,
  instance_id INTEGER NOT NULL DEFAULT 0,
  user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  timecreated INTEGER NOT NULL,
  UNIQUE(role, context_level, instance_id, user_id)
);

CREATE TABLE IF NOT EXISTS sync_jobs (
  sync_id TEXT PRIMARY KEY,
  actor_id TEXT NOT NULL,
  direction TEXT NOT NULL DEFAULT 'idp_to_lms',
  status TEXT NOT NULL,
  progress INTEGER NOT NULL DEFAULT 0,
  phase TEXT NOT NULL DEFAULT '',
  processed INTEGER NOT NULL DEFAULT 0,
  total INTEGER NOT NULL DEFAULT 0,
  created_count INTEGER NOT NULL DEFAULT 0,
  updated_count INTEGER NOT NULL DEFAULT 0,
  deleted_count INTEGER NOT NULL DEFAULT 0,
  error_count INTEGER NOT NULL DEFAULT 0,
  error_details TEXT NOT NULL DEFAULT '[]',
  log_entries TEXT NOT NULL DEFAULT '[]',
  timecreated INTEGER NOT NULL,
  timemodified INTEGER NOT NULL,
  timefinished INTEGER,
  report_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS ix_sync_jobs_status ON sync_jobs(status, timecreated);
CREATE INDEX IF NOT EXISTS ix_sync_jobs_actor ON sync_jobs(actor_id, timecreated);

CREATE TABLE IF NOT EXISTS sync_user_map (
  idp_id TEXT PRIMARY KEY,
  lms_user_id INTEGER NOT NULL,
  idp_username TEXT NOT NULL,
  timecreated INTEGER NOT NULL,
  timemodified INTEGER NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS users (
  id BIGSERIAL PRIMARY KEY,
  username TEXT NOT NULL,
  email TEXT NOT NULL,
  auth TEXT NOT NULL DEFAULT 'manual',
  first_name TEXT NOT NULL DEFAULT '',
  last_name TEXT NOT NULL DEFAULT '',
  suspended SMALLINT NOT NULL DEFAULT 0,
  deleted SMALLINT NOT NULL DEFAULT 0,
  timecreated BIGINT NOT NULL,
  timemodified BIGINT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_users_username ON users(username) WHERE deleted = 0;
CREATE UNIQUE INDEX IF NOT EXISTS uq_users_email ON users(email) WHERE deleted = 0;

CREATE TABLE IF NOT EXISTS course_categories (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL,
  parent_id BIGINT NOT NULL DEFAULT 0,
  path TEXT NOT NULL DEFAULT '',
  timecreated BIGINT NOT NULL,
  UNIQUE(parent_id, name)
);

CREATE TABLE IF NOT EXISTS courses (
  id BIGSERIAL PRIMARY KEY,
  idnumber TEXT NOT NULL DEFAULT '',
  shortname TEXT NOT NULL UNIQUE,
  fullname TEXT NOT NULL,
  category_id BIGINT NOT NULL DEFAULT 0,
  format TEXT NOT NULL DEFAULT 'topics',
  visible SMALLINT NOT NULL DEFAULT 1,
  timecreated BIGINT NOT NULL,
  timemodified BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_courses_idnumber ON courses(idnumber);

CREATE TABLE IF NOT EXISTS enrol_instances (
  id BIGSERIAL PRIMARY KEY,
  course_id BIGINT NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
  method TEXT NOT NULL DEFAULT 'manual',
  status SMALLINT NOT NULL DEFAULT 0,
  UNIQUE(course_id, method)
);

CREATE TABLE IF NOT EXISTS user_enrolments (
  id BIGSERIAL PRIMARY KEY,
  enrol_id BIGINT NOT NULL REFERENCES enrol_instances(id) ON DELETE CASCADE,
  user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  timestart BIGINT NOT NULL DEFAULT 0,
  timecreated BIGINT NOT NULL,
  UNIQUE(enrol_id, user_id)
);

CREATE TABLE IF NOT EXISTS role_assignments (
  id BIGSERIAL PRIMARY KEY,
  role TEXT NOT NULL,
  context_level TEXT NOT NULL,
  instance_id BIGINT NOT NULL DEFAULT 0,
  user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  timecreated BIGINT NOT NULL,
  UNIQUE(role, context_level, instance_id, user_id)
);

CREATE TABLE IF NOT EXISTS sync_jobs (
  sync_id TEXT PRIMARY KEY,
  actor_id TEXT NOT NULL,
  direction TEXT NOT NULL DEFAULT 'idp_to_lms',
  status TEXT NOT NULL,
  progress INTEGER NOT NULL DEFAULT 0,
  phase TEXT NOT NULL DEFAULT '',
  processed INTEGER NOT NULL DEFAULT 0,
  total INTEGER NOT NULL DEFAULT 0,
  created_count INTEGER NOT NULL DEFAULT 0,
  updated_count INTEGER NOT NULL DEFAULT 0,
  deleted_count INTEGER NOT NULL DEFAULT 0,
  error_count INTEGER NOT NULL DEFAULT 0,
  error_details TEXT NOT NULL DEFAULT '[]',
  log_entries TEXT NOT NULL DEFAULT '[]',
  timecreated BIGINT NOT NULL,
  timemodified BIGINT NOT NULL,
  timefinished BIGINT,
  report_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS ix_sync_jobs_status ON sync_jobs(status, timecreated);
CREATE INDEX IF NOT EXISTS ix_sync_jobs_actor ON sync_jobs(actor_id, timecreated);

CREATE TABLE IF NOT EXISTS sync_user_map (
  idp_id TEXT PRIMARY KEY,
  lms_user_id BIGINT NOT NULL,
  idp_username TEXT NOT NULL,
  timecreated BIGINT NOT NULL,
  timemodified BIGINT NOT NULL
);
`

// splitSQL is a naive statement splitter for the fallback path in
// ensureSchema. Good enough for our DDL (no procedures, no $$ bodies).
func splitSQL(s string) []string {
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if q := strings.TrimSpace(p); q != "" {
			out = append(out, q)
		}
	}
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
