package healthstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RecoveryAshes/eventharvest/internal/models"
	_ "modernc.org/sqlite"
)

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS proxies (
	id                TEXT PRIMARY KEY,
	scheme            TEXT NOT NULL,
	host              TEXT NOT NULL,
	port              INTEGER NOT NULL,
	username          TEXT NOT NULL DEFAULT '',
	password          TEXT NOT NULL DEFAULT '',
	successes         INTEGER NOT NULL DEFAULT 0,
	failures          INTEGER NOT NULL DEFAULT 0,
	health            REAL NOT NULL DEFAULT 1,
	last_latency_ns   INTEGER NOT NULL DEFAULT 0,
	last_used_ms      INTEGER NOT NULL DEFAULT 0,
	cooldown_until_ms INTEGER NOT NULL DEFAULT 0,
	disabled          INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS selector_stats (
	site             TEXT NOT NULL,
	field            TEXT NOT NULL,
	pattern          TEXT NOT NULL,
	successes        INTEGER NOT NULL DEFAULT 0,
	failures         INTEGER NOT NULL DEFAULT 0,
	last_verified_ms INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (site, field, pattern)
);

CREATE INDEX IF NOT EXISTS idx_proxies_health ON proxies(health DESC);
`

// 单条语句完成读改写,SET子句中引用的列都是更新前的旧值
const upsertProxyResultSQL = `
INSERT INTO proxies (id, scheme, host, port, successes, failures, health, last_latency_ns, last_used_ms, cooldown_until_ms)
VALUES (@id, @scheme, @host, @port, @ds, @df, @new_health, @latency, @now, @new_cooldown)
ON CONFLICT(id) DO UPDATE SET
	successes = successes + excluded.successes,
	failures = failures + excluded.failures,
	health = MIN(1.0, MAX(0.0, @alpha * @outcome + (1 - @alpha) * health)),
	last_latency_ns = excluded.last_latency_ns,
	last_used_ms = excluded.last_used_ms,
	cooldown_until_ms = CASE
		WHEN (@alpha * @outcome + (1 - @alpha) * health) < @floor THEN @now + @cooldown
		ELSE 0
	END
RETURNING id, scheme, host, port, username, password, successes, failures, health,
	last_latency_ns, last_used_ms, cooldown_until_ms, disabled
`

const upsertSelectorResultSQL = `
INSERT INTO selector_stats (site, field, pattern, successes, failures, last_verified_ms)
VALUES (@site, @field, @pattern, @ds, @df, @now)
ON CONFLICT(site, field, pattern) DO UPDATE SET
	successes = successes + excluded.successes,
	failures = failures + excluded.failures,
	last_verified_ms = excluded.last_verified_ms
RETURNING successes, failures, last_verified_ms
`

const proxyColumns = `id, scheme, host, port, username, password, successes, failures, health,
	last_latency_ns, last_used_ms, cooldown_until_ms, disabled`

// SQLiteStore 嵌入式SQLite健康存储
type SQLiteStore struct {
	db        *sql.DB
	opTimeout time.Duration
	policy    Policy
}

// NewSQLiteStore 打开数据库并执行迁移
func NewSQLiteStore(ctx context.Context, path string, opTimeout time.Duration, policy Policy) (*SQLiteStore, error) {
	if path == "" {
		return nil, &models.ValidationError{Field: "health_store.sqlite_path", Reason: "SQLite路径不能为空"}
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, unavailable("sqlite mkdir", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, unavailable("sqlite open", err)
	}
	// 单连接串行化写入,避免SQLITE_BUSY
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, unavailable("sqlite "+pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteMigration); err != nil {
		db.Close()
		return nil, unavailable("sqlite migrate", err)
	}

	return &SQLiteStore{db: db, opTimeout: opTimeout, policy: policy}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProxy(row rowScanner) (models.ProxyRecord, error) {
	var (
		rec                       models.ProxyRecord
		latency, lastUsed, coolMs int64
		disabled                  int
	)
	err := row.Scan(&rec.ID, &rec.Scheme, &rec.Host, &rec.Port, &rec.Username, &rec.Password,
		&rec.Successes, &rec.Failures, &rec.Health, &latency, &lastUsed, &coolMs, &disabled)
	if err != nil {
		return models.ProxyRecord{}, err
	}
	rec.LastLatency = time.Duration(latency)
	rec.LastUsed = fromUnixMilli(lastUsed)
	rec.CooldownUntil = fromUnixMilli(coolMs)
	rec.Disabled = disabled != 0
	return rec, nil
}

// ListProxies 实现Store
func (s *SQLiteStore) ListProxies(ctx context.Context) ([]models.ProxyRecord, error) {
	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT `+proxyColumns+` FROM proxies ORDER BY health DESC, id ASC`)
	if err != nil {
		return nil, unavailable("sqlite list proxies", err)
	}
	defer rows.Close()

	var out []models.ProxyRecord
	for rows.Next() {
		rec, err := scanProxy(rows)
		if err != nil {
			return nil, unavailable("sqlite scan proxy", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("sqlite list proxies", err)
	}
	return out, nil
}

// ProxyCandidates 实现Store
func (s *SQLiteStore) ProxyCandidates(ctx context.Context, minHealth float64) ([]models.ProxyRecord, error) {
	records, err := s.ListProxies(ctx)
	if err != nil {
		return nil, err
	}
	return s.policy.filterCandidates(records, minHealth), nil
}

// RecordProxyResult 实现Store
func (s *SQLiteStore) RecordProxyResult(ctx context.Context, id string, success bool, latency time.Duration) (models.ProxyRecord, error) {
	base, err := models.ParseProxyID(id)
	if err != nil {
		return models.ProxyRecord{}, err
	}

	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()

	now := s.policy.now()
	outcome, ds, df := 0.0, 0, 1
	if success {
		outcome, ds, df = 1.0, 1, 0
	}
	// 新记录从健康度1开始
	newHealth := s.policy.nextHealth(1, success)
	newCooldown := int64(0)
	if until := s.policy.cooldownUntil(newHealth, now); !until.IsZero() {
		newCooldown = until.UnixMilli()
	}

	row := s.db.QueryRowContext(ctx, upsertProxyResultSQL,
		sql.Named("id", id),
		sql.Named("scheme", base.Scheme),
		sql.Named("host", base.Host),
		sql.Named("port", base.Port),
		sql.Named("ds", ds),
		sql.Named("df", df),
		sql.Named("new_health", newHealth),
		sql.Named("latency", int64(latency)),
		sql.Named("now", now.UnixMilli()),
		sql.Named("new_cooldown", newCooldown),
		sql.Named("alpha", s.policy.alpha()),
		sql.Named("outcome", outcome),
		sql.Named("floor", s.policy.HealthFloor),
		sql.Named("cooldown", s.policy.Cooldown.Milliseconds()),
	)
	rec, err := scanProxy(row)
	if err != nil {
		return models.ProxyRecord{}, unavailable("sqlite record proxy", err)
	}
	return rec, nil
}

// RegisterProxies 实现Store
func (s *SQLiteStore) RegisterProxies(ctx context.Context, records []models.ProxyRecord) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("sqlite begin", err)
	}
	defer tx.Rollback()

	added := 0
	for _, rec := range records {
		id := rec.ID
		if id == "" {
			id = models.ProxyID(rec.Scheme, rec.Host, rec.Port)
		}
		disabled := 0
		if rec.Disabled {
			disabled = 1
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO proxies (id, scheme, host, port, username, password, disabled)
			 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
			id, strings.ToLower(rec.Scheme), rec.Host, rec.Port, rec.Username, rec.Password, disabled)
		if err != nil {
			return 0, unavailable("sqlite register proxy", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			added++
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE proxies SET username = ?, password = ? WHERE id = ?`,
			rec.Username, rec.Password, id); err != nil {
			return 0, unavailable("sqlite update proxy", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, unavailable("sqlite commit", err)
	}
	return added, nil
}

// SelectorCandidates 实现Store
func (s *SQLiteStore) SelectorCandidates(ctx context.Context, site, field string) ([]models.SelectorPattern, error) {
	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT pattern, successes, failures, last_verified_ms FROM selector_stats WHERE site = ? AND field = ?`,
		site, field)
	if err != nil {
		return nil, unavailable("sqlite selector candidates", err)
	}
	defer rows.Close()

	var out []models.SelectorPattern
	for rows.Next() {
		var (
			key      string
			sp       models.SelectorPattern
			verified int64
		)
		if err := rows.Scan(&key, &sp.Successes, &sp.Failures, &verified); err != nil {
			return nil, unavailable("sqlite scan selector", err)
		}
		pattern, err := models.ParsePattern(key)
		if err != nil {
			continue
		}
		sp.Site, sp.Field, sp.Pattern = site, field, pattern
		sp.Source = models.SourceLearned
		sp.LastVerified = fromUnixMilli(verified)
		sp.Confidence = s.policy.confidence(sp.Successes, sp.Failures)
		out = append(out, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("sqlite selector candidates", err)
	}
	sortSelectors(out)
	return out, nil
}

// RecordSelectorResult 实现Store
func (s *SQLiteStore) RecordSelectorResult(ctx context.Context, site, field string, pattern models.Pattern, success bool) (models.SelectorPattern, error) {
	if err := validateSelectorArgs(site, field, pattern); err != nil {
		return models.SelectorPattern{}, err
	}

	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()

	ds, df := 0, 1
	if success {
		ds, df = 1, 0
	}
	sp := models.SelectorPattern{Site: site, Field: field, Pattern: pattern, Source: models.SourceLearned}
	var verified int64
	err := s.db.QueryRowContext(ctx, upsertSelectorResultSQL,
		sql.Named("site", site),
		sql.Named("field", field),
		sql.Named("pattern", pattern.Key()),
		sql.Named("ds", ds),
		sql.Named("df", df),
		sql.Named("now", s.policy.now().UnixMilli()),
	).Scan(&sp.Successes, &sp.Failures, &verified)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("upsert未返回记录")
		}
		return models.SelectorPattern{}, unavailable("sqlite record selector", err)
	}
	sp.LastVerified = fromUnixMilli(verified)
	sp.Confidence = s.policy.confidence(sp.Successes, sp.Failures)
	return sp, nil
}

// Close 实现Store
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
