// Package migrate applies versioned SQL schema changes. Files are named
// NNNN_name.up.sql and NNNN_name.down.sql; every version needs an up file.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const defaultTable = "ocpihub_schema"

// lockKey is the advisory lock held while the schema changes, so nodes
// starting together migrate one at a time.
const lockKey int64 = 0x6f637069

var (
	ErrNoHistory = errors.New("no migrations applied")

	fileName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)
)

// Migration is one schema version.
type Migration struct {
	Version int
	Name    string
	up      string
	down    string
}

// Status describes a known migration and when it was applied.
type Status struct {
	Version   int
	Name      string
	AppliedAt *time.Time
}

func (s Status) String() string {
	if s.AppliedAt == nil {
		return fmt.Sprintf("%04d %s pending", s.Version, s.Name)
	}
	return fmt.Sprintf("%04d %s applied %s", s.Version, s.Name, s.AppliedAt.UTC().Format(time.RFC3339))
}

// Manager runs migrations from a file system against db.
type Manager struct {
	db    *sql.DB
	fsys  fs.FS
	table string
	now   func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithTable overrides the bookkeeping table.
func WithTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.table = name
		}
	}
}

func NewManager(db *sql.DB, fsys fs.FS, opts ...Option) *Manager {
	m := &Manager{db: db, fsys: fsys, table: defaultTable, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load reads and orders the migrations in fsys.
func Load(fsys fs.FS) ([]Migration, error) {
	if fsys == nil {
		return nil, nil
	}
	byVersion := make(map[int]*Migration)
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".sql") {
			return nil
		}
		parts := fileName.FindStringSubmatch(d.Name())
		if parts == nil {
			return fmt.Errorf("migration %s: want NNNN_name.(up|down).sql", p)
		}
		version, _ := strconv.Atoi(parts[1])
		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{Version: version, Name: parts[2]}
			byVersion[version] = mig
		}
		if mig.Name != parts[2] {
			return fmt.Errorf("migration %04d has two names: %s and %s", version, mig.Name, parts[2])
		}
		if parts[3] == "up" {
			mig.up = p
		} else {
			mig.down = p
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.up == "" {
			return nil, fmt.Errorf("migration %04d_%s has no up file", mig.Version, mig.Name)
		}
		out = append(out, *mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Up applies every pending migration and returns how many ran. Each one
// commits together with its bookkeeping row.
func (m *Manager) Up(ctx context.Context) (int, error) {
	migrations, err := Load(m.fsys)
	if err != nil {
		return 0, err
	}
	applied := 0
	err = m.locked(ctx, func(conn *sql.Conn) error {
		done, err := m.applied(ctx, conn)
		if err != nil {
			return err
		}
		for _, mig := range migrations {
			if _, ok := done[mig.Version]; ok {
				continue
			}
			err := m.run(ctx, conn, mig.up, `insert into `+m.table+`(version, name, applied_at) values ($1, $2, $3)`,
				mig.Version, mig.Name, m.now().UTC())
			if err != nil {
				return fmt.Errorf("apply %04d_%s: %w", mig.Version, mig.Name, err)
			}
			applied++
		}
		return nil
	})
	return applied, err
}

// Down rolls back the latest applied migration.
func (m *Manager) Down(ctx context.Context) error {
	migrations, err := Load(m.fsys)
	if err != nil {
		return err
	}
	return m.locked(ctx, func(conn *sql.Conn) error {
		var version int
		err := conn.QueryRowContext(ctx, `select version from `+m.table+` order by version desc limit 1`).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoHistory
		}
		if err != nil {
			return err
		}
		for _, mig := range migrations {
			if mig.Version != version {
				continue
			}
			if mig.down == "" {
				return fmt.Errorf("migration %04d_%s has no down file", mig.Version, mig.Name)
			}
			if err := m.run(ctx, conn, mig.down, `delete from `+m.table+` where version = $1`, version); err != nil {
				return fmt.Errorf("roll back %04d_%s: %w", mig.Version, mig.Name, err)
			}
			return nil
		}
		return fmt.Errorf("applied migration %04d is unknown", version)
	})
}

// Status lists every known migration in version order; applied ones carry
// their timestamp.
func (m *Manager) Status(ctx context.Context) ([]Status, error) {
	migrations, err := Load(m.fsys)
	if err != nil {
		return nil, err
	}
	var out []Status
	err = m.locked(ctx, func(conn *sql.Conn) error {
		done, err := m.applied(ctx, conn)
		if err != nil {
			return err
		}
		for _, mig := range migrations {
			st := Status{Version: mig.Version, Name: mig.Name}
			if at, ok := done[mig.Version]; ok {
				at := at
				st.AppliedAt = &at
			}
			out = append(out, st)
		}
		return nil
	})
	return out, err
}

func (m *Manager) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `select pg_advisory_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("schema lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `select pg_advisory_unlock($1)`, lockKey)
	}()
	ddl := `create table if not exists ` + m.table + ` (
		version integer primary key,
		name text not null,
		applied_at timestamptz not null
	)`
	if _, err := conn.ExecContext(ctx, ddl); err != nil {
		return err
	}
	return fn(conn)
}

func (m *Manager) applied(ctx context.Context, conn *sql.Conn) (map[int]time.Time, error) {
	rows, err := conn.QueryContext(ctx, `select version, applied_at from `+m.table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int]time.Time)
	for rows.Next() {
		var (
			version int
			at      time.Time
		)
		if err := rows.Scan(&version, &at); err != nil {
			return nil, err
		}
		out[version] = at
	}
	return out, rows.Err()
}

// run executes the statements of file and the bookkeeping statement in one
// transaction.
func (m *Manager) run(ctx context.Context, conn *sql.Conn, file, record string, args ...any) error {
	raw, err := fs.ReadFile(m.fsys, file)
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(raw)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", path.Base(file), err)
		}
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return err
	}
	return tx.Commit()
}

// splitStatements splits on semicolons outside quotes and drops -- comments
// and empty statements.
func splitStatements(sql string) []string {
	var (
		stmts   []string
		current strings.Builder
		quote   rune
		comment bool
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			stmts = append(stmts, s)
		}
		current.Reset()
	}
	runes := []rune(sql)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case comment:
			if r == '\n' {
				comment = false
				current.WriteRune(r)
			}
		case quote != 0:
			current.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			comment = true
		case r == '\'' || r == '"':
			quote = r
			current.WriteRune(r)
		case r == ';':
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return stmts
}
