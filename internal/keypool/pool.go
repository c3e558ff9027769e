// Package keypool manages the pool of upstream API credentials and their
// health metadata.
//
// Candidate ordering is stateless: every request reads the pool and orders it
// by primary flag, error count and last use. As error counts and timestamps
// move, the order rotates on its own without a shared cursor.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ai-ustad/ustad-chat/internal/model"
	"github.com/ai-ustad/ustad-chat/internal/storage"
	"github.com/ai-ustad/ustad-chat/pkg/logger"
	"github.com/ai-ustad/ustad-chat/pkg/metrics"
)

// Outcome is the result of one attempt made with a credential.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransientError
	OutcomeQuotaExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransientError:
		return "transient_error"
	case OutcomeQuotaExhausted:
		return "quota_exhausted"
	default:
		return "unknown"
	}
}

// ErrNotFound is returned by Store implementations when a credential id is unknown.
var ErrNotFound = storage.ErrNotFound

// Store persists credentials and their health metadata.
type Store interface {
	ListActiveCredentials(ctx context.Context) ([]model.Credential, error)
	RecordUse(ctx context.Context, secret string, at time.Time, failed bool) error

	ListCredentials(ctx context.Context) ([]model.Credential, error)
	CountCredentials(ctx context.Context) (int, error)
	InsertCredential(ctx context.Context, c *model.Credential) error
	DeleteCredential(ctx context.Context, id string) error
	SetPrimary(ctx context.Context, id string) error
	ToggleActive(ctx context.Context, id string) (bool, error)
}

// Pool produces candidate lists and records attempt outcomes.
type Pool struct {
	store    Store
	fallback []string
	logger   *logger.Logger
	now      func() time.Time
}

// New creates a pool backed by store. fallback is the static key list used
// when the managed pool is empty or unreachable.
func New(store Store, fallback []string, log *logger.Logger) *Pool {
	return &Pool{
		store:    store,
		fallback: dedupe(fallback),
		logger:   log,
		now:      time.Now,
	}
}

// ListCandidates returns the secrets to try for one request, best first.
func (p *Pool) ListCandidates(ctx context.Context) []string {
	if p.store != nil {
		creds, err := p.store.ListActiveCredentials(ctx)
		if err != nil {
			p.logger.Warn("credential store unavailable, using static keys", zap.Error(err))
		} else if keys := orderCandidates(creds); len(keys) > 0 {
			return keys
		}
	}

	out := make([]string, len(p.fallback))
	copy(out, p.fallback)
	return out
}

// ReportOutcome records an attempt against secret. Failures to persist are
// logged and never returned.
func (p *Pool) ReportOutcome(ctx context.Context, secret string, outcome Outcome) {
	metrics.CredentialOutcomesTotal.WithLabelValues(outcome.String()).Inc()

	if outcome == OutcomeQuotaExhausted {
		p.logger.Warn("credential quota exhausted", zap.String("key", Mask(secret)))
	}

	if p.store == nil {
		return
	}

	failed := outcome != OutcomeSuccess
	if err := p.store.RecordUse(ctx, secret, p.now().UTC(), failed); err != nil {
		p.logger.Warn("failed to record credential outcome",
			zap.String("key", Mask(secret)),
			zap.String("outcome", outcome.String()),
			zap.Error(err),
		)
	}
}

// ListCredentials returns every managed credential for administration.
func (p *Pool) ListCredentials(ctx context.Context) ([]model.Credential, error) {
	creds, err := p.store.ListCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	for i := range creds {
		creds[i].MaskedKey = Mask(creds[i].Secret)
	}
	return creds, nil
}

// AddCredential registers a new active key. The first key added becomes primary.
func (p *Pool) AddCredential(ctx context.Context, secret, label string) (*model.Credential, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("credential secret cannot be empty")
	}

	count, err := p.store.CountCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count credentials: %w", err)
	}

	cred := &model.Credential{
		Secret:    secret,
		Label:     label,
		Active:    true,
		Primary:   count == 0,
		CreatedAt: p.now().UTC(),
	}
	if err := p.store.InsertCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to add credential: %w", err)
	}
	cred.MaskedKey = Mask(secret)

	p.logger.Info("credential added",
		zap.String("id", cred.ID),
		zap.String("key", cred.MaskedKey),
		zap.Bool("primary", cred.Primary),
	)
	return cred, nil
}

// DeleteCredential removes a key.
func (p *Pool) DeleteCredential(ctx context.Context, id string) error {
	if err := p.store.DeleteCredential(ctx, id); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// SetPrimary makes id the only primary key.
func (p *Pool) SetPrimary(ctx context.Context, id string) error {
	if err := p.store.SetPrimary(ctx, id); err != nil {
		return fmt.Errorf("failed to set primary credential: %w", err)
	}
	return nil
}

// ToggleActive flips the active flag of id and returns the new value.
func (p *Pool) ToggleActive(ctx context.Context, id string) (bool, error) {
	active, err := p.store.ToggleActive(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to toggle credential: %w", err)
	}
	return active, nil
}

// orderCandidates filters inactive keys and sorts by primary desc,
// error_count asc, last_used_at asc with never-used keys first.
func orderCandidates(creds []model.Credential) []string {
	active := make([]model.Credential, 0, len(creds))
	for _, c := range creds {
		if c.Active && c.Secret != "" {
			active = append(active, c)
		}
	}

	sort.SliceStable(active, func(i, j int) bool {
		a, b := active[i], active[j]
		if a.Primary != b.Primary {
			return a.Primary
		}
		if a.ErrorCount != b.ErrorCount {
			return a.ErrorCount < b.ErrorCount
		}
		switch {
		case a.LastUsedAt == nil && b.LastUsedAt == nil:
			return false
		case a.LastUsedAt == nil:
			return true
		case b.LastUsedAt == nil:
			return false
		default:
			return a.LastUsedAt.Before(*b.LastUsedAt)
		}
	})

	keys := make([]string, 0, len(active))
	for _, c := range active {
		keys = append(keys, c.Secret)
	}
	return dedupe(keys)
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// Mask returns a log-safe rendition of a secret.
func Mask(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
