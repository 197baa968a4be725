// Package providers defines the provider-agnostic mail access
// contract implemented by the gmail and outlook adapters.
package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/jobtrail/jobtrail/internal/model"
)

// DefaultMaxResults bounds one sync cycle's fetch cost.
const DefaultMaxResults = 500

// RawMessage is one provider-specific message payload, opaque to the
// pipeline until the owning adapter normalizes it.
type RawMessage interface {
	MessageID() string
}

// MailProvider fetches raw messages since a watermark and normalizes
// them into canonical email records. One implementation exists per
// provider; the orchestrator selects it once per account by provider
// tag.
type MailProvider interface {
	// Fetch returns up to maxResults messages received after the
	// watermark, newest first. A zero watermark means an initial,
	// unbounded (up to maxResults) fetch. Implementations perform
	// exactly one credential refresh-and-retry of the current page
	// on an authorization-rejected response, then give up.
	Fetch(ctx context.Context, acct *model.Account, watermark time.Time, maxResults int) ([]RawMessage, error)

	// Normalize converts a raw message into the canonical record.
	// Pure; malformed payloads degrade to partial records rather
	// than failing.
	Normalize(raw RawMessage) model.EmailRecord
}

// AuthRetry enforces the one-refresh-retry rule shared by the
// adapters: the first authorization-rejected call in a cycle triggers
// a credential refresh and one retry of that call; any later rejection
// fails the cycle. Retrying only the failed call keeps pagination
// position intact.
type AuthRetry struct {
	isAuth  func(error) bool
	refresh func() error
	retried bool
}

func NewAuthRetry(isAuth func(error) bool, refresh func() error) *AuthRetry {
	return &AuthRetry{isAuth: isAuth, refresh: refresh}
}

func (r *AuthRetry) Do(call func() error) error {
	err := call()
	if err == nil || !r.isAuth(err) || r.retried {
		return err
	}
	r.retried = true
	if err := r.refresh(); err != nil {
		return err
	}
	return call()
}

// FetchError wraps a fatal failure of a fetch cycle. It is retryable
// by the next scheduled cycle, not within the current one.
type FetchError struct {
	Provider model.Provider
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed for provider %s: %v", e.Provider, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
