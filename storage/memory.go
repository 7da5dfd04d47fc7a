package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"nutriagent/nutrition"
)

// ErrWritesDisabled is wrapped in a PersistenceError when a Memory store is
// told to fail writes.
var ErrWritesDisabled = errors.New("writes disabled")

// Memory is an in-process Store for tests and ephemeral CLI sessions.
type Memory struct {
	mu sync.Mutex

	failWrites bool

	logs            []FoodLog
	goals           map[string]map[string]Goal
	profiles        map[string]Profile
	products        map[string]nutrition.Product
	multipliers     map[[3]string]float64
	failed          map[string]*FailedLookup
	classifications []Classification
	events          []ProposalEvent
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		goals:       map[string]map[string]Goal{},
		profiles:    map[string]Profile{},
		products:    map[string]nutrition.Product{},
		multipliers: map[[3]string]float64{},
		failed:      map[string]*FailedLookup{},
	}
}

// FailWrites makes every subsequent write return a *PersistenceError.
func (m *Memory) FailWrites(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = fail
}

func (m *Memory) writeErr(op string) error {
	if m.failWrites {
		return persistErr(op, ErrWritesDisabled)
	}
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) InsertFoodLogs(_ context.Context, logs []FoodLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr("insert food log"); err != nil {
		return err
	}
	m.logs = append(m.logs, logs...)
	return nil
}

func (m *Memory) FoodLogsBetween(_ context.Context, userID string, from, to time.Time) ([]FoodLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []FoodLog
	for _, l := range m.logs {
		if l.UserID != userID || l.LoggedAt.Before(from) || !l.LoggedAt.Before(to) {
			continue
		}
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LoggedAt.Before(out[j].LoggedAt) })
	return out, nil
}

// FoodLogCount is the number of persisted food log rows across all users.
func (m *Memory) FoodLogCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs)
}

func (m *Memory) Goals(_ context.Context, userID string) ([]Goal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Goal
	for _, g := range m.goals[userID] {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nutrient < out[j].Nutrient })
	return out, nil
}

func (m *Memory) UpsertGoal(_ context.Context, g Goal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr("upsert goal"); err != nil {
		return err
	}
	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = time.Now().UTC()
	}
	if m.goals[g.UserID] == nil {
		m.goals[g.UserID] = map[string]Goal{}
	}
	m.goals[g.UserID][g.Nutrient] = g
	return nil
}

func (m *Memory) Profile(_ context.Context, userID string) (Profile, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	return p, ok, nil
}

func (m *Memory) UpsertProfile(_ context.Context, p Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr("upsert profile"); err != nil {
		return err
	}
	m.profiles[p.UserID] = p
	return nil
}

func (m *Memory) GetProduct(_ context.Context, normalizedName string) (nutrition.Product, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[normalizedName]
	return p, ok, nil
}

func (m *Memory) PutProduct(_ context.Context, normalizedName string, p nutrition.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr("put product"); err != nil {
		return err
	}
	m.products[normalizedName] = p
	return nil
}

func (m *Memory) GetMultiplier(_ context.Context, food, portion, serving string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.multipliers[[3]string{food, portion, serving}]
	return v, ok, nil
}

func (m *Memory) PutMultiplier(_ context.Context, food, portion, serving string, multiplier float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr("put unit conversion"); err != nil {
		return err
	}
	m.multipliers[[3]string{food, portion, serving}] = multiplier
	return nil
}

func (m *Memory) RecordFailedLookup(_ context.Context, normalizedName, portion string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr("record failed lookup"); err != nil {
		return 0, err
	}
	f, ok := m.failed[normalizedName]
	if !ok {
		f = &FailedLookup{Name: normalizedName}
		m.failed[normalizedName] = f
	}
	f.Attempts++
	f.LastPortion = portion
	f.LastSeen = time.Now().UTC()
	return f.Attempts, nil
}

func (m *Memory) FailedLookups(_ context.Context, limit int) ([]FailedLookup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FailedLookup, 0, len(m.failed))
	for _, f := range m.failed {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Attempts != out[j].Attempts {
			return out[i].Attempts > out[j].Attempts
		}
		return out[i].Name < out[j].Name
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) RecordClassification(_ context.Context, c Classification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr("record classification"); err != nil {
		return err
	}
	m.classifications = append(m.classifications, c)
	return nil
}

func (m *Memory) ClassificationCounts(_ context.Context, userID, day string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int{}
	for _, c := range m.classifications {
		if c.UserID == userID && c.Day == day {
			out[c.Category]++
		}
	}
	return out, nil
}

func (m *Memory) RecordProposalEvent(_ context.Context, e ProposalEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr("record proposal event"); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	m.events = append(m.events, e)
	return nil
}

func (m *Memory) ProposalEvents(_ context.Context, conversationID string) ([]ProposalEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ProposalEvent
	for _, e := range m.events {
		if e.ConversationID == conversationID {
			out = append(out, e)
		}
	}
	return out, nil
}
