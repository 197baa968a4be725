// Package sync coordinates mailbox sync cycles: it enforces the
// per-account single-flight rule, runs fetch, classification, and
// application upserts, and advances the watermark only when a cycle
// finishes cleanly.
package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/jobtrail/jobtrail/internal/classify"
	"github.com/jobtrail/jobtrail/internal/credentials"
	"github.com/jobtrail/jobtrail/internal/model"
	"github.com/jobtrail/jobtrail/internal/providers"
	"github.com/jobtrail/jobtrail/internal/store"
	"github.com/jobtrail/jobtrail/internal/tracker"
)

// ErrAlreadySyncing is returned when a sync is requested for an
// account whose previous cycle has not finished yet.
var ErrAlreadySyncing = errors.New("sync already running for account")

const defaultStaleAfter = 30 * time.Minute

// Result summarizes one completed sync cycle.
type Result struct {
	Total      int `json:"total"`
	JobRelated int `json:"job_related"`
	Created    int `json:"created"`
	Updated    int `json:"updated"`
	Errors     int `json:"errors"`
}

// Status is the externally visible sync state of an account.
type Status struct {
	Status       model.SyncStatus `json:"status"`
	LastSyncedAt time.Time        `json:"last_synced_at"`
	LastError    string           `json:"last_error,omitempty"`
}

// Orchestrator runs sync cycles for accounts. It is safe for
// concurrent use; overlapping requests for the same account are
// rejected with ErrAlreadySyncing.
type Orchestrator struct {
	store      *store.Store
	providers  map[model.Provider]providers.MailProvider
	classifier classify.Classifier
	matcher    *tracker.Matcher
	logger     *zap.Logger

	maxResults int
	staleAfter time.Duration

	mu      stdsync.Mutex
	running map[int64]struct{}

	now func() time.Time
}

func NewOrchestrator(st *store.Store, provs map[model.Provider]providers.MailProvider, classifier classify.Classifier, matcher *tracker.Matcher, logger *zap.Logger, maxResults int, staleAfter time.Duration) *Orchestrator {
	if maxResults <= 0 {
		maxResults = providers.DefaultMaxResults
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &Orchestrator{
		store:      st,
		providers:  provs,
		classifier: classifier,
		matcher:    matcher,
		logger:     logger,
		maxResults: maxResults,
		staleAfter: staleAfter,
		running:    make(map[int64]struct{}),
		now:        time.Now,
	}
}

// TriggerInitialSync runs a full-history cycle, ignoring any stored
// watermark.
func (o *Orchestrator) TriggerInitialSync(ctx context.Context, accountID int64) (*Result, error) {
	return o.run(ctx, accountID, true)
}

// TriggerIncrementalSync runs a cycle from the account's watermark.
// An account that has never completed a sync gets a full cycle.
func (o *Orchestrator) TriggerIncrementalSync(ctx context.Context, accountID int64) (*Result, error) {
	return o.run(ctx, accountID, false)
}

// GetSyncStatus reports the account's current sync state.
func (o *Orchestrator) GetSyncStatus(ctx context.Context, accountID int64) (*Status, error) {
	acct, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &Status{
		Status:       acct.SyncStatus,
		LastSyncedAt: acct.LastSyncedAt,
		LastError:    acct.LastError,
	}, nil
}

func (o *Orchestrator) run(ctx context.Context, accountID int64, initial bool) (*Result, error) {
	acct, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	provider, ok := o.providers[acct.Provider]
	if !ok {
		return nil, fmt.Errorf("unsupported provider %q", acct.Provider)
	}

	// Fast-path guard within this process. The conditional update in
	// BeginSync is the authoritative check and also covers other
	// processes sharing the database.
	o.mu.Lock()
	if _, busy := o.running[accountID]; busy {
		o.mu.Unlock()
		return nil, ErrAlreadySyncing
	}
	o.running[accountID] = struct{}{}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, accountID)
		o.mu.Unlock()
	}()

	startedAt := o.now()
	acquired, err := o.store.BeginSync(ctx, accountID, o.staleAfter, startedAt)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrAlreadySyncing
	}

	var watermark time.Time
	if !initial {
		watermark = acct.LastSyncedAt
	}

	o.logger.Info("sync cycle started",
		zap.Int64("account_id", accountID),
		zap.String("provider", string(acct.Provider)),
		zap.Bool("initial", initial),
		zap.Time("watermark", watermark))

	raws, err := provider.Fetch(ctx, acct, watermark, o.maxResults)
	if err != nil {
		var credErr *credentials.CredentialError
		if errors.As(err, &credErr) {
			o.logger.Error("sync aborted, account needs re-authorization",
				zap.Int64("account_id", accountID), zap.Error(err))
		} else {
			o.logger.Error("sync aborted, fetch failed",
				zap.Int64("account_id", accountID), zap.Error(err))
		}
		if failErr := o.store.FailSync(ctx, accountID, err.Error()); failErr != nil {
			o.logger.Error("failed to record sync error",
				zap.Int64("account_id", accountID), zap.Error(failErr))
		}
		return nil, err
	}

	res := &Result{Total: len(raws)}

	// Fetchers return newest first, so the head is the new checkpoint.
	var lastMessageID string
	if len(raws) > 0 {
		lastMessageID = raws[0].MessageID()
	}

	for _, raw := range raws {
		rec := provider.Normalize(raw)
		if !o.classifier.IsRelevant(ctx, rec) {
			continue
		}
		res.JobRelated++

		facts := o.classifier.ExtractFacts(ctx, rec)
		up, err := o.matcher.Upsert(ctx, acct.UserID, rec, facts)
		if err != nil {
			res.Errors++
			o.logger.Error("failed to record application from message",
				zap.Int64("account_id", accountID),
				zap.String("message_id", rec.MessageID),
				zap.Error(err))
			continue
		}
		switch {
		case up.Created:
			res.Created++
		case up.Updated:
			res.Updated++
		}
	}

	// The watermark is the cycle's start time: messages that arrive
	// while the cycle runs fall after it and are picked up next time.
	// An empty mailbox still completes and advances it.
	if err := o.store.CompleteSync(ctx, accountID, startedAt, lastMessageID); err != nil {
		return nil, fmt.Errorf("complete sync: %w", err)
	}

	o.logger.Info("sync cycle completed",
		zap.Int64("account_id", accountID),
		zap.Int("total", res.Total),
		zap.Int("job_related", res.JobRelated),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("errors", res.Errors))
	return res, nil
}
