package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"nutriagent/nutrition"
)

// SQLite is the Store backed by a single SQLite file. Timestamps are stored as
// unix milliseconds.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLite)(nil)

func NewSQLite(dbPath string) (*SQLite, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS food_logs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			meal_type TEXT NOT NULL DEFAULT '',
			serving_size TEXT NOT NULL DEFAULT '',
			multiplier REAL NOT NULL DEFAULT 1,
			calories REAL NOT NULL DEFAULT 0,
			nutrients TEXT NOT NULL,
			confidence TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			proposal_id TEXT NOT NULL DEFAULT '',
			logged_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_food_logs_user_time ON food_logs(user_id, logged_at)`,
		`CREATE TABLE IF NOT EXISTS goals (
			user_id TEXT NOT NULL,
			nutrient TEXT NOT NULL,
			target_value REAL NOT NULL,
			unit TEXT NOT NULL DEFAULT '',
			goal_type TEXT NOT NULL DEFAULT 'goal',
			yellow_min REAL NOT NULL DEFAULT 0,
			green_min REAL NOT NULL DEFAULT 0,
			red_min REAL NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, nutrient)
		)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			user_id TEXT PRIMARY KEY,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS products (
			normalized_name TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS unit_conversions (
			food_name TEXT NOT NULL,
			from_portion TEXT NOT NULL,
			to_serving TEXT NOT NULL,
			multiplier REAL NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (food_name, from_portion, to_serving)
		)`,
		`CREATE TABLE IF NOT EXISTS failed_lookups (
			name TEXT PRIMARY KEY,
			last_portion TEXT NOT NULL DEFAULT '',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			last_seen INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS daily_classification (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			day TEXT NOT NULL,
			category TEXT NOT NULL,
			ambiguity_level TEXT NOT NULL DEFAULT '',
			at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_daily_classification_user_day ON daily_classification(user_id, day)`,
		`CREATE TABLE IF NOT EXISTS proposal_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			proposal_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_proposal_events_conversation ON proposal_events(conversation_id, at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func (s *SQLite) InsertFoodLogs(ctx context.Context, logs []FoodLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("begin food log insert", err)
	}
	defer tx.Rollback()

	const q = `INSERT INTO food_logs
		(id, user_id, name, meal_type, serving_size, multiplier, calories, nutrients, confidence, source, proposal_id, logged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for _, l := range logs {
		nb, err := json.Marshal(l.Nutrients)
		if err != nil {
			return persistErr("encode nutrients", err)
		}
		if _, err := tx.ExecContext(ctx, q,
			l.ID, l.UserID, l.Name, l.MealType, l.ServingSize, l.Multiplier, l.Calories,
			string(nb), string(l.Confidence), l.Source, l.ProposalID, toMillis(l.LoggedAt),
		); err != nil {
			return persistErr("insert food log", err)
		}
	}
	return persistErr("commit food logs", tx.Commit())
}

func (s *SQLite) FoodLogsBetween(ctx context.Context, userID string, from, to time.Time) ([]FoodLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, meal_type, serving_size, multiplier, nutrients, confidence, source, proposal_id, logged_at
		FROM food_logs
		WHERE user_id = ? AND logged_at >= ? AND logged_at < ?
		ORDER BY logged_at ASC, id ASC`,
		userID, toMillis(from), toMillis(to))
	if err != nil {
		return nil, fmt.Errorf("query food logs: %w", err)
	}
	defer rows.Close()

	var out []FoodLog
	for rows.Next() {
		var (
			l          FoodLog
			nutrients  string
			confidence string
			loggedAt   int64
		)
		if err := rows.Scan(&l.ID, &l.UserID, &l.Name, &l.MealType, &l.ServingSize, &l.Multiplier,
			&nutrients, &confidence, &l.Source, &l.ProposalID, &loggedAt); err != nil {
			return nil, fmt.Errorf("scan food log: %w", err)
		}
		if err := json.Unmarshal([]byte(nutrients), &l.Nutrients); err != nil {
			return nil, fmt.Errorf("decode nutrients for %s: %w", l.ID, err)
		}
		l.Confidence = nutrition.Confidence(confidence)
		l.LoggedAt = fromMillis(loggedAt)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLite) Goals(ctx context.Context, userID string) ([]Goal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, nutrient, target_value, unit, goal_type, yellow_min, green_min, red_min, updated_at
		FROM goals WHERE user_id = ? ORDER BY nutrient`, userID)
	if err != nil {
		return nil, fmt.Errorf("query goals: %w", err)
	}
	defer rows.Close()

	var out []Goal
	for rows.Next() {
		var (
			g         Goal
			goalType  string
			updatedAt int64
		)
		if err := rows.Scan(&g.UserID, &g.Nutrient, &g.TargetValue, &g.Unit, &goalType,
			&g.YellowMin, &g.GreenMin, &g.RedMin, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		g.GoalType = GoalType(goalType)
		g.UpdatedAt = fromMillis(updatedAt)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *SQLite) UpsertGoal(ctx context.Context, g Goal) error {
	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO goals (user_id, nutrient, target_value, unit, goal_type, yellow_min, green_min, red_min, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, nutrient) DO UPDATE SET
			target_value = excluded.target_value,
			unit = excluded.unit,
			goal_type = excluded.goal_type,
			yellow_min = excluded.yellow_min,
			green_min = excluded.green_min,
			red_min = excluded.red_min,
			updated_at = excluded.updated_at`,
		g.UserID, g.Nutrient, g.TargetValue, g.Unit, string(g.GoalType),
		g.YellowMin, g.GreenMin, g.RedMin, toMillis(g.UpdatedAt))
	return persistErr("upsert goal", err)
}

func (s *SQLite) Profile(ctx context.Context, userID string) (Profile, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM profiles WHERE user_id = ?`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, fmt.Errorf("query profile: %w", err)
	}
	var p Profile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return Profile{}, false, fmt.Errorf("decode profile: %w", err)
	}
	return p, true, nil
}

func (s *SQLite) UpsertProfile(ctx context.Context, p Profile) error {
	b, err := json.Marshal(p)
	if err != nil {
		return persistErr("encode profile", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, data) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET data = excluded.data`, p.UserID, string(b))
	return persistErr("upsert profile", err)
}

func (s *SQLite) GetProduct(ctx context.Context, normalizedName string) (nutrition.Product, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM products WHERE normalized_name = ?`, normalizedName).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nutrition.Product{}, false, nil
	}
	if err != nil {
		return nutrition.Product{}, false, fmt.Errorf("query product: %w", err)
	}
	var p nutrition.Product
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nutrition.Product{}, false, fmt.Errorf("decode product %q: %w", normalizedName, err)
	}
	return p, true, nil
}

func (s *SQLite) PutProduct(ctx context.Context, normalizedName string, p nutrition.Product) error {
	b, err := json.Marshal(p)
	if err != nil {
		return persistErr("encode product", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO products (normalized_name, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(normalized_name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		normalizedName, string(b), toMillis(s.now()))
	return persistErr("put product", err)
}

func (s *SQLite) GetMultiplier(ctx context.Context, food, portion, serving string) (float64, bool, error) {
	var m float64
	err := s.db.QueryRowContext(ctx, `
		SELECT multiplier FROM unit_conversions WHERE food_name = ? AND from_portion = ? AND to_serving = ?`,
		food, portion, serving).Scan(&m)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query unit conversion: %w", err)
	}
	return m, true, nil
}

func (s *SQLite) PutMultiplier(ctx context.Context, food, portion, serving string, multiplier float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO unit_conversions (food_name, from_portion, to_serving, multiplier, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(food_name, from_portion, to_serving) DO UPDATE SET
			multiplier = excluded.multiplier, updated_at = excluded.updated_at`,
		food, portion, serving, multiplier, toMillis(s.now()))
	return persistErr("put unit conversion", err)
}

func (s *SQLite) RecordFailedLookup(ctx context.Context, normalizedName, portion string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO failed_lookups (name, last_portion, attempt_count, last_seen) VALUES (?, ?, 1, ?)
		ON CONFLICT(name) DO UPDATE SET
			attempt_count = attempt_count + 1,
			last_portion = excluded.last_portion,
			last_seen = excluded.last_seen
		RETURNING attempt_count`,
		normalizedName, portion, toMillis(s.now())).Scan(&attempts)
	if err != nil {
		return 0, persistErr("record failed lookup", err)
	}
	return attempts, nil
}

func (s *SQLite) FailedLookups(ctx context.Context, limit int) ([]FailedLookup, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, last_portion, attempt_count, last_seen FROM failed_lookups
		ORDER BY attempt_count DESC, last_seen DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed lookups: %w", err)
	}
	defer rows.Close()

	var out []FailedLookup
	for rows.Next() {
		var (
			f        FailedLookup
			lastSeen int64
		)
		if err := rows.Scan(&f.Name, &f.LastPortion, &f.Attempts, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan failed lookup: %w", err)
		}
		f.LastSeen = fromMillis(lastSeen)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLite) RecordClassification(ctx context.Context, c Classification) error {
	if c.At.IsZero() {
		c.At = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_classification (user_id, day, category, ambiguity_level, at) VALUES (?, ?, ?, ?, ?)`,
		c.UserID, c.Day, c.Category, c.Ambiguity, toMillis(c.At))
	return persistErr("record classification", err)
}

// ClassificationCounts returns per-category message counts for a user's day.
func (s *SQLite) ClassificationCounts(ctx context.Context, userID, day string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, COUNT(*) FROM daily_classification WHERE user_id = ? AND day = ? GROUP BY category`,
		userID, day)
	if err != nil {
		return nil, fmt.Errorf("query classifications: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			cat string
			n   int
		)
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, fmt.Errorf("scan classification: %w", err)
		}
		out[cat] = n
	}
	return out, rows.Err()
}

func (s *SQLite) RecordProposalEvent(ctx context.Context, e ProposalEvent) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proposal_events (proposal_id, conversation_id, user_id, kind, state, reason, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ProposalID, e.ConversationID, e.UserID, e.Kind, e.State, e.Reason, toMillis(e.At))
	return persistErr("record proposal event", err)
}

func (s *SQLite) ProposalEvents(ctx context.Context, conversationID string) ([]ProposalEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT proposal_id, conversation_id, user_id, kind, state, reason, at
		FROM proposal_events WHERE conversation_id = ? ORDER BY id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query proposal events: %w", err)
	}
	defer rows.Close()

	var out []ProposalEvent
	for rows.Next() {
		var (
			e  ProposalEvent
			at int64
		)
		if err := rows.Scan(&e.ProposalID, &e.ConversationID, &e.UserID, &e.Kind, &e.State, &e.Reason, &at); err != nil {
			return nil, fmt.Errorf("scan proposal event: %w", err)
		}
		e.At = fromMillis(at)
		out = append(out, e)
	}
	return out, rows.Err()
}
