package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
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

const (
	migrationsDir = "sql/migrations"
	// migrationLockKey: ключ advisory lock, общий для всех реплик reseller.
	migrationLockKey   = int64(0x7265736c6c)
	migrationLockPoll  = 200 * time.Millisecond
	migrationOpTimeout = 5 * time.Second

	migrationTableDDL = `
CREATE TABLE IF NOT EXISTS reseller_schema_migrations (
    version    BIGINT PRIMARY KEY,
    name       TEXT NOT NULL,
    checksum   TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

var (
	//go:embed sql/migrations/*.sql
	migrationsFS embed.FS

	migrationFileName = regexp.MustCompile(`^(\d{4})_([a-z0-9_]+)\.(up|down)\.sql$`)

	// ErrMigrationChecksum: применённая миграция не совпадает со встроенным файлом.
	ErrMigrationChecksum = errors.New("applied migration differs from embedded file")
)

type migrationDirection string

const (
	migrationUp   migrationDirection = "up"
	migrationDown migrationDirection = "down"
)

type migration struct {
	Version  int64
	Name     string
	UpSQL    string
	DownSQL  string
	Checksum string
}

type appliedMigration struct {
	Version  int64
	Checksum string
}

// migrationStep: один шаг плана, SQL миграции и запись в журнал в одной транзакции.
type migrationStep struct {
	label    string
	body     string
	record   string
	args     []any
	fromDown bool
}

// MigrateUp применяет ещё не применённые миграции по возрастанию версии.
// steps=0 применяет все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.migrate(ctx, migrationUp, steps)
}

// MigrateDown откатывает последние применённые миграции.
// steps<=0 откатывает одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.migrate(ctx, migrationDown, steps)
}

// MigrationStatus возвращает последнюю применённую версию и число применённых миграций.
func (s *Store) MigrationStatus(ctx context.Context) (int64, int, error) {
	if s == nil || s.db == nil {
		return 0, 0, errors.New("postgres store is not initialized")
	}

	queryCtx, cancel := context.WithTimeout(ctx, migrationOpTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(queryCtx, migrationTableDDL); err != nil {
		return 0, 0, fmt.Errorf("ensure migration table: %w", err)
	}

	var (
		version int64
		count   int
	)
	err := s.db.QueryRowContext(queryCtx,
		`SELECT COALESCE(MAX(version), 0), COUNT(*) FROM reseller_schema_migrations`,
	).Scan(&version, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("query migration status: %w", err)
	}
	return version, count, nil
}

func (s *Store) migrate(ctx context.Context, direction migrationDirection, steps int) error {
	if s == nil || s.db == nil {
		return errors.New("postgres store is not initialized")
	}
	if direction != migrationUp && direction != migrationDown {
		return fmt.Errorf("unsupported migration direction %q", direction)
	}

	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	unlock, err := acquireMigrationLock(ctx, conn)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := conn.ExecContext(ctx, migrationTableDDL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	applied, err := loadApplied(ctx, conn)
	if err != nil {
		return err
	}

	var plan []migrationStep
	if direction == migrationUp {
		plan, err = planUp(migrations, applied, steps)
	} else {
		plan, err = planDown(migrations, applied, steps)
	}
	if err != nil {
		return err
	}

	for _, step := range plan {
		if err := runMigrationStep(ctx, conn, step); err != nil {
			return err
		}
	}
	return nil
}

// acquireMigrationLock ждёт advisory lock, опрашивая pg_try_advisory_lock до отмены ctx.
func acquireMigrationLock(ctx context.Context, conn *sql.Conn) (func(), error) {
	ticker := time.NewTicker(migrationLockPoll)
	defer ticker.Stop()

	for {
		var locked bool
		if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, migrationLockKey).Scan(&locked); err != nil {
			return nil, fmt.Errorf("acquire migration lock: %w", err)
		}
		if locked {
			return func() {
				unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), migrationOpTimeout)
				defer cancel()
				_, _ = conn.ExecContext(unlockCtx, `SELECT pg_advisory_unlock($1)`, migrationLockKey)
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire migration lock: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func loadApplied(ctx context.Context, conn *sql.Conn) ([]appliedMigration, error) {
	rows, err := conn.QueryContext(ctx,
		`SELECT version, checksum FROM reseller_schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	var applied []appliedMigration
	for rows.Next() {
		var a appliedMigration
		if err := rows.Scan(&a.Version, &a.Checksum); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied = append(applied, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}

// planUp проверяет журнал против встроенных файлов и выбирает следующие steps миграций.
func planUp(migrations []migration, applied []appliedMigration, steps int) ([]migrationStep, error) {
	byVersion := indexMigrations(migrations)
	done := make(map[int64]bool, len(applied))
	for _, a := range applied {
		m, ok := byVersion[a.Version]
		if !ok {
			return nil, fmt.Errorf("applied migration %d is unknown to this build", a.Version)
		}
		if m.Checksum != a.Checksum {
			return nil, fmt.Errorf("migration %04d_%s: %w", m.Version, m.Name, ErrMigrationChecksum)
		}
		done[a.Version] = true
	}

	var plan []migrationStep
	for _, m := range migrations {
		if done[m.Version] {
			continue
		}
		if steps > 0 && len(plan) == steps {
			break
		}
		plan = append(plan, migrationStep{
			label: fmt.Sprintf("%04d_%s up", m.Version, m.Name),
			body:  m.UpSQL,
			record: `INSERT INTO reseller_schema_migrations (version, name, checksum, applied_at)
				VALUES ($1, $2, $3, NOW())`,
			args: []any{m.Version, m.Name, m.Checksum},
		})
	}
	return plan, nil
}

// planDown откатывает steps последних применённых миграций, начиная с самой новой.
func planDown(migrations []migration, applied []appliedMigration, steps int) ([]migrationStep, error) {
	byVersion := indexMigrations(migrations)

	var plan []migrationStep
	for i := len(applied) - 1; i >= 0 && len(plan) < steps; i-- {
		m, ok := byVersion[applied[i].Version]
		if !ok {
			return nil, fmt.Errorf("cannot roll back unknown migration version %d", applied[i].Version)
		}
		plan = append(plan, migrationStep{
			label:    fmt.Sprintf("%04d_%s down", m.Version, m.Name),
			body:     m.DownSQL,
			record:   `DELETE FROM reseller_schema_migrations WHERE version = $1`,
			args:     []any{m.Version},
			fromDown: true,
		})
	}
	return plan, nil
}

func indexMigrations(migrations []migration) map[int64]migration {
	byVersion := make(map[int64]migration, len(migrations))
	for _, m := range migrations {
		byVersion[m.Version] = m
	}
	return byVersion
}

func runMigrationStep(ctx context.Context, conn *sql.Conn, step migrationStep) (err error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", step.label, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, step.body); err != nil {
		return fmt.Errorf("execute migration %s: %w", step.label, err)
	}
	res, err := tx.ExecContext(ctx, step.record, step.args...)
	if err != nil {
		return fmt.Errorf("record migration %s: %w", step.label, err)
	}
	if step.fromDown {
		if n, _ := res.RowsAffected(); n != 1 {
			err = fmt.Errorf("record migration %s: journal row is missing", step.label)
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", step.label, err)
	}
	return nil
}

// loadMigrationsFromFS собирает пары up/down из каталога миграций.
// Версии обязаны идти подряд с 0001, у каждой должны быть оба файла.
func loadMigrationsFromFS(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[int64]*migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		parts := migrationFileName.FindStringSubmatch(entry.Name())
		if parts == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", entry.Name())
		}
		version, _ := strconv.ParseInt(parts[1], 10, 64)
		name, direction := parts[2], parts[3]

		raw, err := fs.ReadFile(fsys, path.Join(migrationsDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", entry.Name())
		}

		m, ok := byVersion[version]
		if !ok {
			m = &migration{Version: version, Name: name}
			byVersion[version] = m
		}
		if m.Name != name {
			return nil, fmt.Errorf("migration %04d has two names: %s and %s", version, m.Name, name)
		}
		target := &m.UpSQL
		if direction == string(migrationDown) {
			target = &m.DownSQL
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %04d", direction, version)
		}
		*target = body
	}
	if len(byVersion) == 0 {
		return nil, errors.New("no migration files found")
	}

	migrations := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpSQL == "" || m.DownSQL == "" {
			return nil, fmt.Errorf("migration %04d_%s must have both up and down files", m.Version, m.Name)
		}
		sum := sha256.Sum256([]byte(m.UpSQL))
		m.Checksum = hex.EncodeToString(sum[:])
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })

	for i, m := range migrations {
		if m.Version != int64(i+1) {
			return nil, fmt.Errorf("migration versions must be contiguous from 0001, got %04d at position %d", m.Version, i+1)
		}
	}
	return migrations, nil
}
