package export

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
)

// dumpTables lists the service's tables in dependency order so the dump can
// be replayed top to bottom.
var dumpTables = []string{
	"users",
	"course_categories",
	"courses",
	"enrol_instances",
	"user_enrolments",
	"role_assignments",
	"sync_jobs",
	"sync_user_map",
}

// DumpSQL writes a portable INSERT dump of every service table. Values are
// rendered as SQL literals; both sqlite and postgres accept the output.
func DumpSQL(ctx context.Context, db *sql.DB, w io.Writer) error {
	for _, table := range dumpTables {
		if err := dumpTable(ctx, db, w, table); err != nil {
			return fmt.Errorf("dump %s: %w", table, err)
		}
	}
	return nil
}

func dumpTable(ctx context.Context, db *sql.DB, w io.Writer, table string) error {
	rows, err := db.QueryContext(ctx, `SELECT * FROM `+table)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "-- %s\n", table); err != nil {
		return err
	}

	vals := make([]any, len(cols))
	for i := range vals {
		vals[i] = new(any)
	}
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", table, strings.Join(cols, ", "))
	for rows.Next() {
		if err := rows.Scan(vals...); err != nil {
			return err
		}
		lits := make([]string, len(vals))
		for i, v := range vals {
			lits[i] = sqlLiteral(*(v.(*any)))
		}
		if _, err := fmt.Fprintf(w, "%s(%s);\n", prefix, strings.Join(lits, ", ")); err != nil {
			return err
		}
	}
	return rows.Err()
}

func sqlLiteral(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return quoteSQL(string(x))
	case string:
		return quoteSQL(x)
	case bool:
		if x {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprintf("%v", x)
	}
}

func quoteSQL(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
