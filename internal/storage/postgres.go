package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fxalert/internal/calendar"
	"fxalert/internal/prefs"
	logx "fxalert/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if pcfg.MaxConns < 4 {
		pcfg.MaxConns = 4
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	st := &postgresStore{pool: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info("storage opened", logx.String("driver", "postgres"), logx.String("host", pcfg.ConnConfig.Host))
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, string(b))
	return err
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

const pgEventColumns = `id, day::text, time, currency, impact, title, actual, forecast, previous`

func (s *postgresStore) ListEvents(ctx context.Context, day time.Time) ([]calendar.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgEventColumns+` FROM events WHERE day = $1::date ORDER BY time, id`, dayKey(day))
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

func (s *postgresStore) UpsertEvents(ctx context.Context, events []calendar.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		if strings.TrimSpace(e.ID) == "" {
			return fmt.Errorf("event without id: %q", e.Title)
		}
		batch.Queue(
			`INSERT INTO events(`+eventColumns+`) VALUES($1,$2::date,$3,$4,$5,$6,$7,$8,$9)
			 ON CONFLICT(id) DO UPDATE SET day=excluded.day, time=excluded.time, currency=excluded.currency,
			   impact=excluded.impact, title=excluded.title, actual=excluded.actual,
			   forecast=excluded.forecast, previous=excluded.previous`,
			e.ID, dayKey(e.Date), e.Time, strings.ToUpper(e.Currency), e.Impact.String(),
			e.Title, e.Actual, e.Forecast, e.Previous)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *postgresStore) ListNotifyUsers(ctx context.Context) ([]prefs.Preference, error) {
	return s.listPrefs(ctx, `SELECT `+prefColumns+` FROM users WHERE notify_enabled ORDER BY user_id`)
}

func (s *postgresStore) ListDigestUsers(ctx context.Context) ([]prefs.Preference, error) {
	return s.listPrefs(ctx, `SELECT `+prefColumns+` FROM users WHERE digest_enabled ORDER BY user_id`)
}

func (s *postgresStore) listPrefs(ctx context.Context, q string) ([]prefs.Preference, error) {
	rows, err := s.pool.Query(ctx, q)
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

func (s *postgresStore) GetPreference(ctx context.Context, userID int64) (prefs.Preference, error) {
	p, err := scanPref(s.pool.QueryRow(ctx, `SELECT `+prefColumns+` FROM users WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return prefs.Preference{}, prefs.ErrNotFound
	}
	return p, err
}

func (s *postgresStore) EnsureUser(ctx context.Context, p prefs.Preference) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	r := rowOf(p)
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO users(`+prefColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT(user_id) DO NOTHING`,
		r.UserID, r.NotifyEnabled, r.LeadMinutes, r.NotifyImpacts, r.DigestEnabled,
		r.DigestHour, r.DigestMinute, r.Timezone, r.DigestImpacts, r.DigestCurrencies, r.ChartsEnabled)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *postgresStore) SavePreference(ctx context.Context, p prefs.Preference) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r := rowOf(p)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users(`+prefColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT(user_id) DO UPDATE SET
		   notify_enabled=excluded.notify_enabled, lead_minutes=excluded.lead_minutes,
		   notify_impacts=excluded.notify_impacts, digest_enabled=excluded.digest_enabled,
		   digest_hour=excluded.digest_hour, digest_minute=excluded.digest_minute,
		   timezone=excluded.timezone, digest_impacts=excluded.digest_impacts,
		   digest_currencies=excluded.digest_currencies, charts_enabled=excluded.charts_enabled,
		   updated_at=now()`,
		r.UserID, r.NotifyEnabled, r.LeadMinutes, r.NotifyImpacts, r.DigestEnabled,
		r.DigestHour, r.DigestMinute, r.Timezone, r.DigestImpacts, r.DigestCurrencies, r.ChartsEnabled)
	return err
}

func (s *postgresStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dedup(key, until) VALUES($1,$2)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli())
	return err
}

func (s *postgresStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.pool.QueryRow(ctx, `SELECT until FROM dedup WHERE key = $1`, key).Scan(&ms)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *postgresStore) PruneDedup(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dedup WHERE until < $1`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
