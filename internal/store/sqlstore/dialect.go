package sqlstore

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/maruel/metascribe/internal/tabular"
)

// ErrInvalidName is returned for table or column names that are not plain
// identifiers, or that are reserved.
var ErrInvalidName = errors.New("invalid sql identifier")

const (
	// kvTable holds objects and strings.
	kvTable = "metascribe_kv"
	// rowColumn records insertion order in tables written by PutTable.
	rowColumn = "metascribe_row"
)

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkName(name string) error {
	if !identRE.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.EqualFold(name, kvTable) || strings.EqualFold(name, rowColumn) {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	}
	return nil
}

// quote quotes a validated identifier.
func quote(name string) string {
	return `"` + name + `"`
}

type dialect struct {
	name   string
	driver string
	// postgres selects PostgreSQL types and syntax.
	postgres bool
}

var (
	sqlite   = dialect{name: "sqlite", driver: "sqlite"}
	postgres = dialect{name: "postgres", driver: "pgx", postgres: true}
)

// sameName reports whether two identifiers name the same column. Quoted
// identifiers are case sensitive in PostgreSQL but not in SQLite.
func (d dialect) sameName(a, b string) bool {
	if d.postgres {
		return a == b
	}
	return strings.EqualFold(a, b)
}

// dialectFor selects the engine from the location: a postgres URL or a file
// path.
func dialectFor(location string) dialect {
	if strings.HasPrefix(location, "postgres://") || strings.HasPrefix(location, "postgresql://") {
		return postgres
	}
	return sqlite
}

// sqlType returns the column type storing values of kind k. Null values get
// a text column.
func sqlType(d dialect, k tabular.Kind) string {
	switch k {
	case tabular.KindInteger:
		if d.postgres {
			return "BIGINT"
		}
		return "INTEGER"
	case tabular.KindReal:
		if d.postgres {
			return "DOUBLE PRECISION"
		}
		return "REAL"
	default:
		return "TEXT"
	}
}

// kindOf maps a column type name reported by the driver back to a kind.
func kindOf(typeName string) tabular.Kind {
	t := strings.ToUpper(typeName)
	switch {
	case strings.Contains(t, "INT"):
		return tabular.KindInteger
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"),
		strings.Contains(t, "NUMERIC"), strings.Contains(t, "DECIMAL"):
		return tabular.KindReal
	default:
		return tabular.KindText
	}
}

// bind returns the placeholder of the i-th (1-based) argument.
func (d dialect) bind(i int) string {
	if d.postgres {
		return "$" + strconv.Itoa(i)
	}
	return "?"
}

func (d dialect) binds(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = d.bind(from + i)
	}
	return strings.Join(parts, ", ")
}

// columnsQuery lists the column names of the table bound as first argument,
// in declaration order.
func (d dialect) columnsQuery() string {
	if d.postgres {
		return `SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = $1 ORDER BY ordinal_position`
	}
	return `SELECT name FROM pragma_table_info(?) ORDER BY cid`
}

// upsertKV writes one metascribe_kv entry.
func (d dialect) upsertKV() string {
	return fmt.Sprintf(`INSERT INTO %s ("key", "kind", "value") VALUES (%s) ON CONFLICT ("key") DO UPDATE SET "kind" = excluded."kind", "value" = excluded."value"`,
		kvTable, d.binds(1, 3))
}

// insert returns the statement writing cols into table. With a primary key it
// replaces an existing row.
func (d dialect) insert(table, pk string, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quote(c)
	}
	values := d.binds(1, len(cols))
	if pk == "" {
		return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, quote(table), strings.Join(quoted, ", "), values)
	}
	if !d.postgres {
		return fmt.Sprintf(`INSERT OR REPLACE INTO %s (%s) VALUES (%s)`, quote(table), strings.Join(quoted, ", "), values)
	}
	var set []string
	for _, c := range cols {
		if c != pk {
			set = append(set, fmt.Sprintf("%s = EXCLUDED.%s", quote(c), quote(c)))
		}
	}
	action := "DO NOTHING"
	if len(set) != 0 {
		action = "DO UPDATE SET " + strings.Join(set, ", ")
	}
	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s`, quote(table), strings.Join(quoted, ", "), values, quote(pk), action)
}
