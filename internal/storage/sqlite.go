package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"fxalert/internal/calendar"
	"fxalert/internal/prefs"
	logx "fxalert/pkg/logx"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.DSN)
	if path == "" {
		return nil, errors.New("sqlite dsn (file path) is required")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("storage opened", logx.String("driver", "sqlite"), logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Calendar

func (s *sqliteStore) ListEvents(ctx context.Context, day time.Time) ([]calendar.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE day = ? ORDER BY time, id`, dayKey(day))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []calendar.Event
	for rows.Next() {
		var d string
		e, err := scanEvent(rows, &d)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertEvents(ctx context.Context, events []calendar.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events(`+eventColumns+`) VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET day=excluded.day, time=excluded.time, currency=excluded.currency,
		   impact=excluded.impact, title=excluded.title, actual=excluded.actual,
		   forecast=excluded.forecast, previous=excluded.previous`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range events {
		if strings.TrimSpace(e.ID) == "" {
			return fmt.Errorf("event without id: %q", e.Title)
		}
		if _, err := stmt.ExecContext(ctx, e.ID, dayKey(e.Date), e.Time, strings.ToUpper(e.Currency),
			e.Impact.String(), e.Title, e.Actual, e.Forecast, e.Previous); err != nil {
			return fmt.Errorf("event %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// Preferences

func (s *sqliteStore) ListNotifyUsers(ctx context.Context) ([]prefs.Preference, error) {
	return s.listPrefs(ctx, `SELECT `+prefColumns+` FROM users WHERE notify_enabled = 1 ORDER BY user_id`)
}

func (s *sqliteStore) ListDigestUsers(ctx context.Context) ([]prefs.Preference, error) {
	return s.listPrefs(ctx, `SELECT `+prefColumns+` FROM users WHERE digest_enabled = 1 ORDER BY user_id`)
}

func (s *sqliteStore) listPrefs(ctx context.Context, q string) ([]prefs.Preference, error) {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []prefs.Preference
	for rows.Next() {
		p, err := scanPref(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetPreference(ctx context.Context, userID int64) (prefs.Preference, error) {
	p, err := scanPref(s.db.QueryRowContext(ctx, `SELECT `+prefColumns+` FROM users WHERE user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return prefs.Preference{}, prefs.ErrNotFound
	}
	return p, err
}

func (s *sqliteStore) EnsureUser(ctx context.Context, p prefs.Preference) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	r := rowOf(p)
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(`+prefColumns+`, created_at, updated_at) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO NOTHING`,
		r.UserID, r.NotifyEnabled, r.LeadMinutes, r.NotifyImpacts, r.DigestEnabled,
		r.DigestHour, r.DigestMinute, r.Timezone, r.DigestImpacts, r.DigestCurrencies, r.ChartsEnabled, now, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) SavePreference(ctx context.Context, p prefs.Preference) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r := rowOf(p)
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(`+prefColumns+`, created_at, updated_at) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   notify_enabled=excluded.notify_enabled, lead_minutes=excluded.lead_minutes,
		   notify_impacts=excluded.notify_impacts, digest_enabled=excluded.digest_enabled,
		   digest_hour=excluded.digest_hour, digest_minute=excluded.digest_minute,
		   timezone=excluded.timezone, digest_impacts=excluded.digest_impacts,
		   digest_currencies=excluded.digest_currencies, charts_enabled=excluded.charts_enabled,
		   updated_at=excluded.updated_at`,
		r.UserID, r.NotifyEnabled, r.LeadMinutes, r.NotifyImpacts, r.DigestEnabled,
		r.DigestHour, r.DigestMinute, r.Timezone, r.DigestImpacts, r.DigestCurrencies, r.ChartsEnabled, now, now)
	return err
}

// Dedup

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.PruneDedup(pctx, time.Now())
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) PruneDedup(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
