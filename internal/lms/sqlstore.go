package lms

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/klassbridge/rostersync/internal/syncerr"
)

// SQLStore persists LMS state in the shared database. It implements every
// storage contract in types.go; both sqlite and postgres are supported
// (inserts use RETURNING, available on either driver).
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

var (
	_ UserStore      = (*SQLStore)(nil)
	_ CourseStore    = (*SQLStore)(nil)
	_ CategoryStore  = (*SQLStore)(nil)
	_ EnrolmentStore = (*SQLStore)(nil)
	_ UserMapStore   = (*SQLStore)(nil)
)

/* --------- users --------- */

func (s *SQLStore) ListActive(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, email, auth, first_name, last_name, suspended
		   FROM users WHERE deleted = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		var susp int
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.Auth, &u.FirstName, &u.LastName, &susp); err != nil {
			return nil, err
		}
		u.Suspended = susp != 0
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQLStore) CreateUser(ctx context.Context, u User) (int64, error) {
	now := time.Now().Unix()
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (username, email, auth, first_name, last_name, suspended, deleted, timecreated, timemodified)
		 VALUES ($1,$2,$3,$4,$5,$6,0,$7,$7) RETURNING id`,
		u.Username, u.Email, u.Auth, u.FirstName, u.LastName, b2i(u.Suspended), now).Scan(&id)
	if isUniqueViolation(err) {
		return 0, syncerr.Conflict("user %q already exists", u.Username)
	}
	return id, err
}

func (s *SQLStore) UpdateUser(ctx context.Context, u User) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET username=$2, email=$3, auth=$4, first_name=$5, last_name=$6, suspended=$7, timemodified=$8
		  WHERE id=$1`,
		u.ID, u.Username, u.Email, u.Auth, u.FirstName, u.LastName, b2i(u.Suspended), time.Now().Unix())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %d not found", u.ID)
	}
	return nil
}

func (s *SQLStore) SuspendUser(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET suspended=1, timemodified=$2 WHERE id=$1`, id, time.Now().Unix())
	return err
}

func (s *SQLStore) AssignSystemRole(ctx context.Context, userID int64, role string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO role_assignments (role, context_level, instance_id, user_id, timecreated)
		 VALUES ($1,'system',0,$2,$3)
		 ON CONFLICT (role, context_level, instance_id, user_id) DO NOTHING`,
		role, userID, time.Now().Unix())
	return err
}

/* --------- courses --------- */

const courseCols = `id, idnumber, shortname, fullname, category_id, format, visible`

func (s *SQLStore) scanCourse(row *sql.Row) (Course, bool, error) {
	var c Course
	var vis int
	err := row.Scan(&c.ID, &c.IDNumber, &c.ShortName, &c.FullName, &c.CategoryID, &c.Format, &vis)
	if errors.Is(err, sql.ErrNoRows) {
		return Course{}, false, nil
	}
	if err != nil {
		return Course{}, false, err
	}
	c.Visible = vis != 0
	return c, true, nil
}

func (s *SQLStore) CourseByIDNumber(ctx context.Context, idnumber string) (Course, bool, error) {
	return s.scanCourse(s.db.QueryRowContext(ctx,
		`SELECT `+courseCols+` FROM courses WHERE idnumber=$1 LIMIT 1`, idnumber))
}

func (s *SQLStore) CourseByShortName(ctx context.Context, shortname string) (Course, bool, error) {
	return s.scanCourse(s.db.QueryRowContext(ctx,
		`SELECT `+courseCols+` FROM courses WHERE shortname=$1 LIMIT 1`, shortname))
}

func (s *SQLStore) CreateCourse(ctx context.Context, c Course) (int64, error) {
	now := time.Now().Unix()
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO courses (idnumber, shortname, fullname, category_id, format, visible, timecreated, timemodified)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$7) RETURNING id`,
		c.IDNumber, c.ShortName, c.FullName, c.CategoryID, c.Format, b2i(c.Visible), now).Scan(&id)
	if isUniqueViolation(err) {
		return 0, syncerr.Conflict("course shortname %q already taken", c.ShortName)
	}
	return id, err
}

func (s *SQLStore) UpdateCourse(ctx context.Context, c Course) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE courses SET idnumber=$2, shortname=$3, fullname=$4, category_id=$5, visible=$6, timemodified=$7
		  WHERE id=$1`,
		c.ID, c.IDNumber, c.ShortName, c.FullName, c.CategoryID, b2i(c.Visible), time.Now().Unix())
	if isUniqueViolation(err) {
		return syncerr.Conflict("course shortname %q already taken", c.ShortName)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("course %d not found", c.ID)
	}
	return nil
}

func (s *SQLStore) CoursesByIDNumberPrefixes(ctx context.Context, prefixes []string) ([]Course, error) {
	if len(prefixes) == 0 {
		return nil, nil
	}
	conds := make([]string, 0, len(prefixes))
	args := make([]any, 0, len(prefixes))
	for i, p := range prefixes {
		conds = append(conds, fmt.Sprintf(`idnumber LIKE $%d ESCAPE '\'`, i+1))
		args = append(args, escapeLike(p)+"%")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+courseCols+` FROM courses WHERE `+strings.Join(conds, " OR "), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Course
	for rows.Next() {
		var c Course
		var vis int
		if err := rows.Scan(&c.ID, &c.IDNumber, &c.ShortName, &c.FullName, &c.CategoryID, &c.Format, &vis); err != nil {
			return nil, err
		}
		c.Visible = vis != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

/* --------- categories --------- */

func (s *SQLStore) Categories(ctx context.Context) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, parent_id, path FROM course_categories`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Category
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.Name, &c.ParentID, &c.Path); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) CategoryByNameParent(ctx context.Context, name string, parentID int64) (Category, bool, error) {
	var c Category
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, parent_id, path FROM course_categories WHERE name=$1 AND parent_id=$2`,
		name, parentID).Scan(&c.ID, &c.Name, &c.ParentID, &c.Path)
	if errors.Is(err, sql.ErrNoRows) {
		return Category{}, false, nil
	}
	if err != nil {
		return Category{}, false, err
	}
	return c, true, nil
}

func (s *SQLStore) CreateCategory(ctx context.Context, name string, parentID int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var parentPath string
	if parentID != 0 {
		if err := tx.QueryRowContext(ctx,
			`SELECT path FROM course_categories WHERE id=$1`, parentID).Scan(&parentPath); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return 0, fmt.Errorf("parent category %d not found", parentID)
			}
			return 0, err
		}
	}

	var id int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO course_categories (name, parent_id, path, timecreated)
		 VALUES ($1,$2,'',$3) RETURNING id`,
		name, parentID, time.Now().Unix()).Scan(&id)
	if isUniqueViolation(err) {
		return 0, syncerr.Conflict("category %q already exists under %d", name, parentID)
	}
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE course_categories SET path=$2 WHERE id=$1`,
		id, fmt.Sprintf("%s/%d", parentPath, id)); err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

/* --------- enrolments --------- */

func (s *SQLStore) EnsureManualInstance(ctx context.Context, courseID int64) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO enrol_instances (course_id, method) VALUES ($1,'manual')
		 ON CONFLICT (course_id, method) DO UPDATE SET method=EXCLUDED.method
		 RETURNING id`, courseID).Scan(&id)
	return id, err
}

func (s *SQLStore) ManualEnrolments(ctx context.Context) ([]Enrolment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ei.course_id, ue.user_id, COALESCE(ra.role, '')
		   FROM user_enrolments ue
		   JOIN enrol_instances ei ON ei.id = ue.enrol_id AND ei.method = 'manual'
		   LEFT JOIN role_assignments ra
		     ON ra.context_level = 'course' AND ra.instance_id = ei.course_id AND ra.user_id = ue.user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Enrolment
	for rows.Next() {
		var e Enrolment
		if err := rows.Scan(&e.CourseID, &e.UserID, &e.Role); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) Enrol(ctx context.Context, courseID, userID int64, role string) error {
	enrolID, err := s.EnsureManualInstance(ctx, courseID)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO user_enrolments (enrol_id, user_id, timestart, timecreated)
		 VALUES ($1,$2,$3,$3) ON CONFLICT (enrol_id, user_id) DO NOTHING`,
		enrolID, userID, now); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO role_assignments (role, context_level, instance_id, user_id, timecreated)
		 VALUES ($1,'course',$2,$3,$4)
		 ON CONFLICT (role, context_level, instance_id, user_id) DO NOTHING`,
		role, courseID, userID, now)
	return err
}

func (s *SQLStore) UpdateEnrolRole(ctx context.Context, courseID, userID int64, oldRole, newRole string) error {
	if oldRole != "" {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM role_assignments
			  WHERE role=$1 AND context_level='course' AND instance_id=$2 AND user_id=$3`,
			oldRole, courseID, userID); err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO role_assignments (role, context_level, instance_id, user_id, timecreated)
		 VALUES ($1,'course',$2,$3,$4)
		 ON CONFLICT (role, context_level, instance_id, user_id) DO NOTHING`,
		newRole, courseID, userID, time.Now().Unix())
	return err
}

func (s *SQLStore) Unenrol(ctx context.Context, courseID, userID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM user_enrolments
		  WHERE user_id=$2 AND enrol_id IN
		        (SELECT id FROM enrol_instances WHERE course_id=$1 AND method='manual')`,
		courseID, userID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM role_assignments
		  WHERE context_level='course' AND instance_id=$1 AND user_id=$2`,
		courseID, userID); err != nil {
		return err
	}
	return tx.Commit()
}

/* --------- user map --------- */

func (s *SQLStore) UpsertUserMap(ctx context.Context, idpID string, lmsUserID int64, idpUsername string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_user_map (idp_id, lms_user_id, idp_username, timecreated, timemodified)
		 VALUES ($1,$2,$3,$4,$4)
		 ON CONFLICT (idp_id) DO UPDATE SET
		   lms_user_id=EXCLUDED.lms_user_id, idp_username=EXCLUDED.idp_username, timemodified=EXCLUDED.timemodified`,
		idpID, lmsUserID, idpUsername, now)
	return err
}

/* --------- helpers --------- */

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike neutralizes LIKE wildcards so prefixes such as "kc_" match
// literally.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
