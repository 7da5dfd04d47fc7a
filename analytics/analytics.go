// Package analytics carries best-effort observations (failed lookups,
// undercount signals) out of the engine for offline analysis. A failing sink
// never fails the request that produced the observation.
package analytics

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type Kind string

const (
	KindFailedLookup Kind = "failed_lookup"
	KindUndercount   Kind = "undercount"
)

type Observation struct {
	Kind    Kind              `json:"kind"`
	UserID  string            `json:"user_id,omitempty"`
	Subject string            `json:"subject"`
	Portion string            `json:"portion,omitempty"`
	Attempt int               `json:"attempt,omitempty"`
	Details map[string]string `json:"details,omitempty"`
	At      time.Time         `json:"at"`
}

type Sink interface {
	Record(ctx context.Context, obs Observation) error
}

// Emit stamps obs with the request's user and current time and writes it to
// sink. Errors are logged and swallowed.
func Emit(ctx context.Context, sink Sink, obs Observation) {
	if sink == nil {
		return
	}
	if obs.At.IsZero() {
		obs.At = time.Now().UTC()
	}
	if obs.UserID == "" {
		obs.UserID = UserFromContext(ctx)
	}
	if err := sink.Record(ctx, obs); err != nil {
		slog.Warn("ANALYTICS: failed to record observation", "kind", obs.Kind, "subject", obs.Subject, "error", err)
	}
}

type userKey struct{}

// ContextWithUser tags ctx with the user whose request is being served.
func ContextWithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

func UserFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

// Multi fans an observation out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, obs Observation) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, obs); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes observations to the default slog logger.
type LogSink struct{}

func (LogSink) Record(_ context.Context, obs Observation) error {
	slog.Info("ANALYTICS: observation",
		"kind", obs.Kind,
		"user_id", obs.UserID,
		"subject", obs.Subject,
		"portion", obs.Portion,
		"attempt", obs.Attempt,
		"details", obs.Details,
	)
	return nil
}

// Memory keeps observations in process; used by tests and the CLI.
type Memory struct {
	mu  sync.Mutex
	obs []Observation
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Record(_ context.Context, obs Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.obs = append(m.obs, obs)
	return nil
}

func (m *Memory) Observations() []Observation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Observation, len(m.obs))
	copy(out, m.obs)
	return out
}
