package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"automsg/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// keepRows bounds the audit table; older rows are pruned every pruneEvery
// inserts.
const (
	keepRows   = 10000
	pruneEvery = 500
)

// dialect holds the few differences between the SQL drivers.
type dialect struct {
	name      string
	table     string
	migration string
	dollar    bool // $1 placeholders instead of ?
	arrays    bool // native TEXT[] labels and TIMESTAMPTZ times
}

var (
	sqliteDialect   = dialect{name: "sqlite", table: "audit", migration: "migrations/sqlite.sql"}
	postgresDialect = dialect{name: "postgres", table: "automsg_audit", migration: "migrations/postgres.sql", dollar: true, arrays: true}
)

// rebind rewrites ? placeholders for drivers that number them.
func (d dialect) rebind(q string) string {
	q = strings.ReplaceAll(q, "{table}", d.table)
	if !d.dollar {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type sqlStore struct {
	db  *sql.DB
	log logx.Logger
	d   dialect

	opCount atomic.Uint64
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect, log logx.Logger) (*sqlStore, error) {
	st := &sqlStore{db: db, log: log, d: d}
	b, err := migrationsFS.ReadFile(d.migration)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, string(b)); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	var at any = e.At.UTC().Format(time.RFC3339Nano)
	if s.d.arrays {
		at = e.At
	}
	_, err := s.db.ExecContext(ctx, s.d.rebind(
		`INSERT INTO {table}(at, kind, cycle, subject, ok, fail, labels, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`),
		at, e.Kind, nullStr(e.Cycle), nullStr(e.Subject), e.OK, e.Fail,
		s.labelsArg(e.Labels), nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	if err == nil && s.opCount.Add(1)%pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("audit prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqlStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT at, kind, cycle, subject, ok, fail, labels, err, took_ms, meta
		 FROM {table} ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e                            AuditEntry
			cycle, subject, errStr, meta sql.NullString
			atText, labelsText           sql.NullString
			atTime                       time.Time
			atDest, labelsDest           any
		)
		atDest, labelsDest = &atText, &labelsText
		if s.d.arrays {
			atDest, labelsDest = &atTime, pq.Array(&e.Labels)
		}
		if err := rows.Scan(atDest, &e.Kind, &cycle, &subject, &e.OK, &e.Fail, labelsDest, &errStr, &e.TookMS, &meta); err != nil {
			return nil, err
		}
		e.At = atTime
		if !s.d.arrays {
			e.At, _ = time.Parse(time.RFC3339Nano, atText.String)
			if labelsText.Valid {
				_ = json.Unmarshal([]byte(labelsText.String), &e.Labels)
			}
		}
		e.Cycle, e.Subject, e.Error, e.MetaJSON = cycle.String, subject.String, errStr.String, meta.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.d.rebind(
		`DELETE FROM {table} WHERE id <= (SELECT COALESCE(MAX(id), 0) FROM {table}) - ?`), keepRows)
	return err
}

func (s *sqlStore) labelsArg(v []string) any {
	if len(v) == 0 {
		return nil
	}
	if s.d.arrays {
		return pq.Array(v)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
