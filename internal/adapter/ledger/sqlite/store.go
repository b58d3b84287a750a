// Package sqlite implements the usage ledger on a single SQLite file: per-model
// request and runtime tables, program runtime spans, and billing settings.
package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fairyhunter13/llm-manager/internal/domain"
)

const maxOpenConns = 100

// requestRangeBuffer widens range queries so rows whose end_time landed
// slightly before the requested window (async writes finish out of order) are
// still considered.
const requestRangeBuffer = 60 // seconds

// RuntimeSpan is one recorded start/end interval.
type RuntimeSpan struct {
	ID        int64   `db:"id"`
	StartTime float64 `db:"start_time"`
	EndTime   float64 `db:"end_time"`
}

// TierPricing is one row of a model's volume-pricing ladder.
type TierPricing struct {
	TierIndex            int     `db:"tier_index" json:"tier_index"`
	StartTokens          int64   `db:"start_tokens" json:"start_tokens"`
	EndTokens            int64   `db:"end_tokens" json:"end_tokens"`
	InputPricePerMillion float64 `db:"input_price_per_million" json:"input_price_per_million"`
	OutputPricePerMill   float64 `db:"output_price_per_million" json:"output_price_per_million"`
	SupportCache         bool    `db:"support_cache" json:"support_cache"`
	CacheHitPricePerMill float64 `db:"cache_hit_price_per_million" json:"cache_hit_price_per_million"`
}

// ModelBilling is the full billing configuration of one model.
type ModelBilling struct {
	UseTierPricing bool          `json:"use_tier_pricing"`
	HourlyPrice    float64       `json:"hourly_price"`
	TierPricing    []TierPricing `json:"tier_pricing"`
}

// Store is the SQLite-backed ledger. Safe for concurrent use; sqlx pools
// connections underneath.
type Store struct {
	db  *sqlx.DB
	log *slog.Logger
}

// SafeModelName derives the fixed table-name prefix for a model. The prefix is
// a hex digest, so it is safe to splice into SQL identifiers.
func SafeModelName(model string) string {
	sum := sha256.Sum256([]byte(model))
	return "model_" + hex.EncodeToString(sum[:])[:16]
}

// Open opens (creating if needed) the ledger at path and ensures tables exist
// for every model in models.
func Open(path string, models []string, log *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("op=ledger.Open mkdir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("op=ledger.Open: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)

	s := &Store{db: db, log: log}
	if err := s.migrate(models); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(models []string) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS model_name_mapping (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			original_name TEXT UNIQUE NOT NULL,
			safe_name TEXT UNIQUE NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS program_runtime (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			start_time REAL NOT NULL,
			end_time REAL NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("op=ledger.migrate: %w", err)
		}
	}
	for _, model := range models {
		if err := s.EnsureModel(model); err != nil {
			return err
		}
	}
	return nil
}

// EnsureModel creates (or migrates) the per-model tables and registers the
// name mapping.
func (s *Store) EnsureModel(model string) error {
	safe := SafeModelName(model)

	if _, err := s.db.Exec(
		`INSERT OR IGNORE INTO model_name_mapping (original_name, safe_name) VALUES (?, ?)`,
		model, safe,
	); err != nil {
		return fmt.Errorf("op=ledger.EnsureModel mapping %s: %w", model, err)
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_runtime (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			start_time REAL NOT NULL,
			end_time REAL NOT NULL
		)`, safe),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			start_time REAL NOT NULL,
			end_time REAL NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cache_n INTEGER NOT NULL,
			prompt_n INTEGER NOT NULL
		)`, safe),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_tier_pricing (
			tier_index INTEGER PRIMARY KEY,
			start_tokens INTEGER NOT NULL,
			end_tokens INTEGER NOT NULL,
			input_price_per_million REAL NOT NULL,
			output_price_per_million REAL NOT NULL,
			support_cache BOOLEAN NOT NULL DEFAULT 0,
			cache_hit_price_per_million REAL NOT NULL DEFAULT 0.0
		)`, safe),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_hourly_price (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			hourly_price REAL NOT NULL DEFAULT 0
		)`, safe),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_billing_method (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			use_tier_pricing BOOLEAN NOT NULL DEFAULT 1
		)`, safe),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("op=ledger.EnsureModel %s: %w", model, err)
		}
	}

	if err := s.migrateRequestColumns(safe); err != nil {
		return err
	}

	// Seed defaults once.
	seeds := []string{
		fmt.Sprintf(`INSERT INTO %s_tier_pricing
			(tier_index, start_tokens, end_tokens, input_price_per_million, output_price_per_million, support_cache, cache_hit_price_per_million)
			SELECT 1, 0, 32768, 0, 0, 0, 0.0
			WHERE NOT EXISTS (SELECT 1 FROM %s_tier_pricing WHERE tier_index = 1)`, safe, safe),
		fmt.Sprintf(`INSERT INTO %s_hourly_price (id, hourly_price)
			SELECT 1, 0 WHERE NOT EXISTS (SELECT 1 FROM %s_hourly_price)`, safe, safe),
		fmt.Sprintf(`INSERT INTO %s_billing_method (id, use_tier_pricing)
			SELECT 1, 1 WHERE NOT EXISTS (SELECT 1 FROM %s_billing_method)`, safe, safe),
	}
	for _, stmt := range seeds {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("op=ledger.EnsureModel seed %s: %w", model, err)
		}
	}
	return nil
}

// migrateRequestColumns upgrades request tables written by older releases:
// timestamp becomes end_time, and start_time is added and backfilled.
func (s *Store) migrateRequestColumns(safe string) error {
	type colInfo struct {
		CID       int     `db:"cid"`
		Name      string  `db:"name"`
		Type      string  `db:"type"`
		NotNull   int     `db:"notnull"`
		DfltValue *string `db:"dflt_value"`
		PK        int     `db:"pk"`
	}
	var cols []colInfo
	if err := s.db.Select(&cols, fmt.Sprintf(`PRAGMA table_info(%s_requests)`, safe)); err != nil {
		return fmt.Errorf("op=ledger.migrate columns %s: %w", safe, err)
	}
	have := make(map[string]bool, len(cols))
	for _, c := range cols {
		have[c.Name] = true
	}

	if have["timestamp"] && !have["end_time"] {
		s.log.Info("migrating request table", slog.String("table", safe+"_requests"), slog.String("change", "timestamp -> end_time"))
		if _, err := s.db.Exec(fmt.Sprintf(`ALTER TABLE %s_requests RENAME COLUMN timestamp TO end_time`, safe)); err != nil {
			return fmt.Errorf("op=ledger.migrate rename %s: %w", safe, err)
		}
		have["end_time"] = true
	}
	if !have["start_time"] {
		s.log.Info("migrating request table", slog.String("table", safe+"_requests"), slog.String("change", "add start_time"))
		if _, err := s.db.Exec(fmt.Sprintf(`ALTER TABLE %s_requests ADD COLUMN start_time REAL NOT NULL DEFAULT 0`, safe)); err != nil {
			return fmt.Errorf("op=ledger.migrate add start_time %s: %w", safe, err)
		}
		if _, err := s.db.Exec(fmt.Sprintf(`UPDATE %s_requests SET start_time = end_time WHERE start_time = 0`, safe)); err != nil {
			return fmt.Errorf("op=ledger.migrate backfill %s: %w", safe, err)
		}
	}
	return nil
}

func (s *Store) safeFor(model string) (string, error) {
	var safe string
	err := s.db.Get(&safe, `SELECT safe_name FROM model_name_mapping WHERE original_name = ?`, model)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("op=ledger: model %q: %w", model, domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("op=ledger: resolve %q: %w", model, err)
	}
	return safe, nil
}

// AddRequest records one completed request.
func (s *Store) AddRequest(ctx context.Context, model string, rec domain.RequestRecord) error {
	safe, err := s.safeFor(model)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s_requests (start_time, end_time, input_tokens, output_tokens, cache_n, prompt_n)
		 VALUES (?, ?, ?, ?, ?, ?)`, safe),
		rec.StartTime, rec.EndTime, rec.InputTokens, rec.OutputTokens, rec.CacheN, rec.PromptN)
	if err != nil {
		return fmt.Errorf("op=ledger.AddRequest %s: %w", model, err)
	}
	return nil
}

// StartRuntime opens a runtime span with end_time == start_time; the span is
// extended in place while the model runs.
func (s *Store) StartRuntime(ctx context.Context, model string, start float64) error {
	safe, err := s.safeFor(model)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s_runtime (start_time, end_time) VALUES (?, ?)`, safe), start, start)
	if err != nil {
		return fmt.Errorf("op=ledger.StartRuntime %s: %w", model, err)
	}
	return nil
}

// UpdateRuntimeEnd advances the most recent runtime span's end_time.
func (s *Store) UpdateRuntimeEnd(ctx context.Context, model string, end float64) error {
	safe, err := s.safeFor(model)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s_runtime SET end_time = ? WHERE id = (SELECT MAX(id) FROM %s_runtime)`, safe, safe), end)
	if err != nil {
		return fmt.Errorf("op=ledger.UpdateRuntimeEnd %s: %w", model, err)
	}
	return nil
}

// ProgramStart opens a program runtime span.
func (s *Store) ProgramStart(ctx context.Context, start float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO program_runtime (start_time, end_time) VALUES (?, ?)`, start, start)
	if err != nil {
		return fmt.Errorf("op=ledger.ProgramStart: %w", err)
	}
	return nil
}

// ProgramEnd advances the most recent program span's end_time.
func (s *Store) ProgramEnd(ctx context.Context, end float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE program_runtime SET end_time = ? WHERE id = (SELECT MAX(id) FROM program_runtime)`, end)
	if err != nil {
		return fmt.Errorf("op=ledger.ProgramEnd: %w", err)
	}
	return nil
}

// ProgramRuntime returns recorded program spans, newest first. limit <= 0
// returns all.
func (s *Store) ProgramRuntime(ctx context.Context, limit int) ([]RuntimeSpan, error) {
	q := `SELECT id, start_time, end_time FROM program_runtime ORDER BY id DESC`
	var spans []RuntimeSpan
	var err error
	if limit > 0 {
		err = s.db.SelectContext(ctx, &spans, q+` LIMIT ?`, limit)
	} else {
		err = s.db.SelectContext(ctx, &spans, q)
	}
	if err != nil {
		return nil, fmt.Errorf("op=ledger.ProgramRuntime: %w", err)
	}
	return spans, nil
}

// ModelRuntime returns a model's runtime spans, newest first.
func (s *Store) ModelRuntime(ctx context.Context, model string, limit int) ([]RuntimeSpan, error) {
	safe, err := s.safeFor(model)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT id, start_time, end_time FROM %s_runtime ORDER BY id DESC`, safe)
	var spans []RuntimeSpan
	if limit > 0 {
		err = s.db.SelectContext(ctx, &spans, q+` LIMIT ?`, limit)
	} else {
		err = s.db.SelectContext(ctx, &spans, q)
	}
	if err != nil {
		return nil, fmt.Errorf("op=ledger.ModelRuntime %s: %w", model, err)
	}
	return spans, nil
}

// ModelRequests returns the model's requests whose end_time lies in
// [start, end], ordered by end_time. The SQL window is widened by
// requestRangeBuffer on the left, then filtered exactly in memory. start == 0
// means from the beginning; end == 0 means now.
func (s *Store) ModelRequests(ctx context.Context, model string, start, end float64) ([]domain.RequestRecord, error) {
	safe, err := s.safeFor(model)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if end == 0 {
		end = float64(time.Now().UnixNano()) / 1e9
	}
	lower := start - requestRangeBuffer
	if start == 0 {
		lower = 0
	}

	var rows []domain.RequestRecord
	err = s.db.SelectContext(ctx, &rows, fmt.Sprintf(
		`SELECT start_time, end_time, input_tokens, output_tokens, cache_n, prompt_n
		 FROM %s_requests
		 WHERE end_time >= ? AND end_time <= ?
		 ORDER BY end_time ASC`, safe), lower, end)
	if err != nil {
		return nil, fmt.Errorf("op=ledger.ModelRequests %s: %w", model, err)
	}
	if start == 0 {
		return rows, nil
	}
	out := rows[:0]
	for _, r := range rows {
		if r.EndTime >= start {
			out = append(out, r)
		}
	}
	return out, nil
}

// ModelBilling returns the billing configuration for model.
func (s *Store) ModelBilling(ctx context.Context, model string) (*ModelBilling, error) {
	safe, err := s.safeFor(model)
	if err != nil {
		return nil, err
	}
	var useTier bool
	if err := s.db.GetContext(ctx, &useTier,
		fmt.Sprintf(`SELECT use_tier_pricing FROM %s_billing_method WHERE id = 1`, safe)); err != nil {
		return nil, fmt.Errorf("op=ledger.ModelBilling %s: %w", model, err)
	}
	var hourly float64
	if err := s.db.GetContext(ctx, &hourly,
		fmt.Sprintf(`SELECT hourly_price FROM %s_hourly_price WHERE id = 1`, safe)); err != nil {
		return nil, fmt.Errorf("op=ledger.ModelBilling %s: %w", model, err)
	}
	var tiers []TierPricing
	if err := s.db.SelectContext(ctx, &tiers, fmt.Sprintf(
		`SELECT tier_index, start_tokens, end_tokens, input_price_per_million,
		        output_price_per_million, support_cache, cache_hit_price_per_million
		 FROM %s_tier_pricing ORDER BY tier_index`, safe)); err != nil {
		return nil, fmt.Errorf("op=ledger.ModelBilling %s: %w", model, err)
	}
	return &ModelBilling{UseTierPricing: useTier, HourlyPrice: hourly, TierPricing: tiers}, nil
}

// SetTierPricing inserts or replaces one pricing tier.
func (s *Store) SetTierPricing(ctx context.Context, model string, tier TierPricing) error {
	safe, err := s.safeFor(model)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT OR REPLACE INTO %s_tier_pricing
		 (tier_index, start_tokens, end_tokens, input_price_per_million, output_price_per_million, support_cache, cache_hit_price_per_million)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`, safe),
		tier.TierIndex, tier.StartTokens, tier.EndTokens,
		tier.InputPricePerMillion, tier.OutputPricePerMill, tier.SupportCache, tier.CacheHitPricePerMill)
	if err != nil {
		return fmt.Errorf("op=ledger.SetTierPricing %s: %w", model, err)
	}
	return nil
}

// DeleteTierPricing removes one pricing tier.
func (s *Store) DeleteTierPricing(ctx context.Context, model string, tierIndex int) error {
	safe, err := s.safeFor(model)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s_tier_pricing WHERE tier_index = ?`, safe), tierIndex)
	if err != nil {
		return fmt.Errorf("op=ledger.DeleteTierPricing %s: %w", model, err)
	}
	return nil
}

// SetHourlyPrice updates the model's hourly price.
func (s *Store) SetHourlyPrice(ctx context.Context, model string, price float64) error {
	safe, err := s.safeFor(model)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s_hourly_price SET hourly_price = ? WHERE id = 1`, safe), price)
	if err != nil {
		return fmt.Errorf("op=ledger.SetHourlyPrice %s: %w", model, err)
	}
	return nil
}

// SetBillingMethod switches between tier and hourly billing.
func (s *Store) SetBillingMethod(ctx context.Context, model string, useTierPricing bool) error {
	safe, err := s.safeFor(model)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s_billing_method SET use_tier_pricing = ? WHERE id = 1`, safe), useTierPricing)
	if err != nil {
		return fmt.Errorf("op=ledger.SetBillingMethod %s: %w", model, err)
	}
	return nil
}

// DeleteModel drops all of a model's tables and its mapping row in one
// transaction.
func (s *Store) DeleteModel(ctx context.Context, model string) error {
	safe, err := s.safeFor(model)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("op=ledger.DeleteModel %s: %w", model, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, suffix := range []string{"_runtime", "_requests", "_tier_pricing", "_hourly_price", "_billing_method"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s%s`, safe, suffix)); err != nil {
			return fmt.Errorf("op=ledger.DeleteModel %s: %w", model, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM model_name_mapping WHERE original_name = ?`, model); err != nil {
		return fmt.Errorf("op=ledger.DeleteModel %s: %w", model, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("op=ledger.DeleteModel %s: %w", model, err)
	}
	s.log.Info("model ledger deleted", slog.String("model", model))
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

var (
	_ domain.RequestLedger = (*Store)(nil)
	_ domain.RuntimeLedger = (*Store)(nil)
)
