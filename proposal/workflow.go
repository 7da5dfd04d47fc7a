package proposal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"nutriagent/analytics"
	"nutriagent/nutrition"
	"nutriagent/storage"
)

// DefaultTTL is how long a proposal stays confirmable.
const DefaultTTL = 30 * time.Minute

// Committer performs the single write a confirmed proposal is allowed.
type Committer interface {
	Commit(ctx context.Context, p Proposal) error
}

type CommitterFunc func(ctx context.Context, p Proposal) error

func (f CommitterFunc) Commit(ctx context.Context, p Proposal) error { return f(ctx, p) }

type Option func(*Workflow)

// WithAudit records every state transition to store. Audit writes are
// best-effort.
func WithAudit(store storage.ProposalAuditStore) Option {
	return func(w *Workflow) { w.audit = store }
}

func WithTTL(ttl time.Duration) Option {
	return func(w *Workflow) {
		if ttl > 0 {
			w.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// Workflow holds the pending proposal of each conversation.
type Workflow struct {
	mu      sync.Mutex
	pending map[string]*Proposal

	committer Committer
	audit     storage.ProposalAuditStore
	ttl       time.Duration
	now       func() time.Time

	transitions metric.Int64Counter
}

func NewWorkflow(committer Committer, opts ...Option) *Workflow {
	w := &Workflow{
		pending:   map[string]*Proposal{},
		committer: committer,
		ttl:       DefaultTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.transitions, _ = otel.Meter(instrumentationName).Int64Counter("proposals_total",
		metric.WithDescription("Proposal state transitions"))
	return w
}

// Propose makes payload the conversation's pending proposal. Any proposal
// already pending is superseded, never merged.
func (w *Workflow) Propose(ctx context.Context, conversationID string, payload Payload) (Proposal, error) {
	if payload == nil {
		return Proposal{}, ErrEmptyPayload
	}
	if err := payload.validate(); err != nil {
		return Proposal{}, err
	}

	w.mu.Lock()
	now := w.now()
	var retired *Proposal
	if old, ok := w.pending[conversationID]; ok {
		retired = old
		retired.State = StateSuperseded
		retired.Reason = ReasonReplaced
	}
	p := &Proposal{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		UserID:         analytics.UserFromContext(ctx),
		Kind:           payload.Kind(),
		Payload:        payload,
		State:          StateProposed,
		CreatedAt:      now,
		ExpiresAt:      now.Add(w.ttl),
	}
	w.pending[conversationID] = p
	out := *p
	w.mu.Unlock()

	if retired != nil {
		w.record(ctx, *retired)
	}
	w.record(ctx, out)
	return out, nil
}

// Pending returns the conversation's live proposal, retiring it first if its
// TTL has passed.
func (w *Workflow) Pending(ctx context.Context, conversationID string) (Proposal, bool) {
	w.mu.Lock()
	p, expired := w.live(conversationID)
	w.mu.Unlock()

	if expired != nil {
		w.record(ctx, *expired)
	}
	if p == nil {
		return Proposal{}, false
	}
	return *p, true
}

// live returns the pending proposal, or the one it just expired. Callers hold w.mu.
func (w *Workflow) live(conversationID string) (pending, expired *Proposal) {
	p, ok := w.pending[conversationID]
	if !ok {
		return nil, nil
	}
	if !w.now().Before(p.ExpiresAt) {
		delete(w.pending, conversationID)
		p.State = StateSuperseded
		p.Reason = ReasonExpired
		return nil, p
	}
	return p, nil
}

// Confirm commits the pending proposal if proposalID names it. A failed
// commit leaves the proposal pending so the user can retry.
func (w *Workflow) Confirm(ctx context.Context, conversationID, proposalID string) (Proposal, error) {
	w.mu.Lock()
	p, expired := w.live(conversationID)
	if p == nil {
		w.mu.Unlock()
		if expired != nil {
			w.record(ctx, *expired)
			return *expired, fmt.Errorf("%w: proposal %s expired", ErrNoPending, expired.ID)
		}
		return Proposal{}, ErrNoPending
	}
	if proposalID == "" || proposalID != p.ID {
		pending := *p
		w.mu.Unlock()
		slog.Warn("PCC: confirm for a different proposal", "conversation", conversationID, "pending", pending.ID, "requested", proposalID)
		return pending, ErrProposalMismatch
	}
	// Taken out of pending while committing so a concurrent confirm finds nothing.
	delete(w.pending, conversationID)
	snapshot := *p
	w.mu.Unlock()

	if err := w.committer.Commit(ctx, snapshot); err != nil {
		slog.Error("PCC: commit failed", "proposal", snapshot.ID, "kind", snapshot.Kind, "error", err)
		w.mu.Lock()
		if _, taken := w.pending[conversationID]; !taken {
			w.pending[conversationID] = p
		}
		w.mu.Unlock()
		return snapshot, fmt.Errorf("commit proposal %s: %w", snapshot.ID, err)
	}

	snapshot.State = StateConfirmed
	w.record(ctx, snapshot)
	return snapshot, nil
}

// Decline drops the pending proposal without writing. An empty proposalID
// declines whatever is pending.
func (w *Workflow) Decline(ctx context.Context, conversationID, proposalID string) (Proposal, error) {
	w.mu.Lock()
	p, expired := w.live(conversationID)
	if p == nil {
		w.mu.Unlock()
		if expired != nil {
			w.record(ctx, *expired)
		}
		return Proposal{}, ErrNoPending
	}
	if proposalID != "" && proposalID != p.ID {
		pending := *p
		w.mu.Unlock()
		return pending, ErrProposalMismatch
	}
	delete(w.pending, conversationID)
	p.State = StateDeclined
	p.Reason = ReasonDeclined
	out := *p
	w.mu.Unlock()

	w.record(ctx, out)
	return out, nil
}

// Observe supersedes the pending proposal when entities names anything the
// proposal is not about. It reports the retired proposal, if any.
func (w *Workflow) Observe(ctx context.Context, conversationID string, entities []string) (Proposal, bool) {
	if len(entities) == 0 {
		return Proposal{}, false
	}

	w.mu.Lock()
	p, expired := w.live(conversationID)
	if p == nil {
		w.mu.Unlock()
		if expired != nil {
			w.record(ctx, *expired)
		}
		return Proposal{}, false
	}
	if !mentionsNew(p.Payload.Entities(), entities) {
		w.mu.Unlock()
		return Proposal{}, false
	}
	delete(w.pending, conversationID)
	p.State = StateSuperseded
	p.Reason = ReasonNewEntities
	out := *p
	w.mu.Unlock()

	slog.Info("PCC: proposal superseded", "conversation", conversationID, "proposal", out.ID, "entities", entities)
	w.record(ctx, out)
	return out, true
}

func (w *Workflow) record(ctx context.Context, p Proposal) {
	w.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", string(p.State)),
		attribute.String("kind", string(p.Kind)),
	))
	slog.Info("PCC: transition", "proposal", p.ID, "kind", p.Kind, "state", p.State, "reason", p.Reason)

	if w.audit == nil {
		return
	}
	err := w.audit.RecordProposalEvent(ctx, storage.ProposalEvent{
		ProposalID:     p.ID,
		ConversationID: p.ConversationID,
		UserID:         p.UserID,
		Kind:           string(p.Kind),
		State:          string(p.State),
		Reason:         p.Reason,
		At:             w.now().UTC(),
	})
	if err != nil {
		slog.Warn("PCC: failed to record proposal event", "proposal", p.ID, "error", err)
	}
}

// mentionsNew reports whether any mentioned entity is unrelated to every
// entity of the pending proposal. Names relate when one contains the other
// as whole words after normalization.
func mentionsNew(pending, mentioned []string) bool {
	keys := make([]string, 0, len(pending))
	for _, e := range pending {
		keys = append(keys, entityKey(e))
	}
	for _, m := range mentioned {
		mk := entityKey(m)
		if mk == "" {
			continue
		}
		related := false
		for _, k := range keys {
			if k != "" && (nutrition.ContainsWords(k, mk) || nutrition.ContainsWords(mk, k)) {
				related = true
				break
			}
		}
		if !related {
			return true
		}
	}
	return false
}

func entityKey(name string) string {
	return nutrition.StripModifiers(nutrition.NormalizeName(name))
}
