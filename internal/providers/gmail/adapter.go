// Package gmail implements the MailProvider contract against the
// Gmail API.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/jobtrail/jobtrail/internal/credentials"
	"github.com/jobtrail/jobtrail/internal/model"
	"github.com/jobtrail/jobtrail/internal/providers"
)

const (
	// Gmail list pages are capped at 100 ids regardless of the
	// overall fetch budget.
	pageSize = 100

	gmailUser = "me"
)

// Message wraps one raw Gmail message.
type Message struct {
	Msg *gmail.Message
}

func (m *Message) MessageID() string { return m.Msg.Id }

// Adapter implements providers.MailProvider for Gmail.
type Adapter struct {
	creds    *credentials.Manager
	logger   *zap.Logger
	endpoint string // overridable in tests
}

func New(creds *credentials.Manager, logger *zap.Logger) *Adapter {
	return &Adapter{creds: creds, logger: logger}
}

func (a *Adapter) service(ctx context.Context, token string) (*gmail.Service, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	opts := []option.ClientOption{option.WithTokenSource(src)}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// Fetch lists message ids matching the watermark query, then fetches
// each message body individually. Gmail search is date-bounded at day
// granularity, so an incremental fetch may return already-seen
// messages; the matcher's dedup makes that safe.
func (a *Adapter) Fetch(ctx context.Context, acct *model.Account, watermark time.Time, maxResults int) ([]providers.RawMessage, error) {
	if maxResults <= 0 {
		maxResults = providers.DefaultMaxResults
	}

	token, err := a.creds.GetValidToken(ctx, acct)
	if err != nil {
		return nil, err
	}

	svc, err := a.service(ctx, token)
	if err != nil {
		return nil, &providers.FetchError{Provider: model.ProviderGmail, Err: err}
	}

	retry := providers.NewAuthRetry(isAuthError, func() error {
		a.logger.Warn("gmail auth rejected mid-fetch, refreshing token",
			zap.Int64("account_id", acct.ID))

		refreshed, rerr := a.creds.Refresh(ctx, acct)
		if rerr != nil {
			return rerr
		}
		svc, rerr = a.service(ctx, refreshed)
		return rerr
	})

	query := ""
	if !watermark.IsZero() {
		query = "after:" + watermark.Format("2006/01/02")
	}

	var raws []providers.RawMessage
	pageToken := ""

	for {
		remaining := maxResults - len(raws)
		if remaining <= 0 {
			break
		}
		size := int64(pageSize)
		if int64(remaining) < size {
			size = int64(remaining)
		}

		var page *gmail.ListMessagesResponse
		err := retry.Do(func() error {
			call := svc.Users.Messages.List(gmailUser).
				Q(query).
				MaxResults(size).
				IncludeSpamTrash(false).
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var lerr error
			page, lerr = call.Do()
			return lerr
		})
		if err != nil {
			return nil, wrapFetchErr(err)
		}

		for _, m := range page.Messages {
			id := m.Id
			var full *gmail.Message
			err := retry.Do(func() error {
				var gerr error
				full, gerr = svc.Users.Messages.Get(gmailUser, id).Format("full").Context(ctx).Do()
				return gerr
			})
			if err != nil {
				return nil, wrapFetchErr(err)
			}

			raws = append(raws, &Message{Msg: full})
			if len(raws) >= maxResults {
				break
			}
		}

		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
	}

	return raws, nil
}

func wrapFetchErr(err error) error {
	var credErr *credentials.CredentialError
	if errors.As(err, &credErr) {
		return err
	}
	return &providers.FetchError{Provider: model.ProviderGmail, Err: err}
}

func isAuthError(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized
}
