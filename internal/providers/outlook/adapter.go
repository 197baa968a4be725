// Package outlook implements the MailProvider contract against
// Microsoft Graph.
package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"go.uber.org/zap"

	"github.com/jobtrail/jobtrail/internal/credentials"
	"github.com/jobtrail/jobtrail/internal/model"
	"github.com/jobtrail/jobtrail/internal/providers"
)

const pageSize = 100

var selectFields = []string{
	"id", "subject", "from", "toRecipients", "receivedDateTime", "bodyPreview", "body",
}

// Message wraps one raw Graph message.
type Message struct {
	Msg models.Messageable
}

func (m *Message) MessageID() string {
	if id := m.Msg.GetId(); id != nil {
		return *id
	}
	return ""
}

// Adapter implements providers.MailProvider for Outlook/Microsoft Graph.
type Adapter struct {
	creds  *credentials.Manager
	logger *zap.Logger
}

func New(creds *credentials.Manager, logger *zap.Logger) *Adapter {
	return &Adapter{creds: creds, logger: logger}
}

func (a *Adapter) client(token string) (*msgraphsdk.GraphServiceClient, error) {
	cred := &staticTokenCredential{token: token}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return client, nil
}

// Fetch issues a single filtered, ordered query and follows
// @odata.nextLink continuations until maxResults is reached or
// pagination is exhausted.
func (a *Adapter) Fetch(ctx context.Context, acct *model.Account, watermark time.Time, maxResults int) ([]providers.RawMessage, error) {
	if maxResults <= 0 {
		maxResults = providers.DefaultMaxResults
	}

	token, err := a.creds.GetValidToken(ctx, acct)
	if err != nil {
		return nil, err
	}

	client, err := a.client(token)
	if err != nil {
		return nil, &providers.FetchError{Provider: model.ProviderOutlook, Err: err}
	}

	headers := abstractions.NewRequestHeaders()
	headers.Add("Prefer", `outlook.body-content-type="text"`)

	top := int32(pageSize)
	if maxResults < pageSize {
		top = int32(maxResults)
	}
	queryParams := &users.ItemMessagesRequestBuilderGetQueryParameters{
		Top:     &top,
		Select:  selectFields,
		Orderby: []string{"receivedDateTime desc"},
	}
	if !watermark.IsZero() {
		filter := fmt.Sprintf("receivedDateTime ge %s", watermark.UTC().Format("2006-01-02T15:04:05Z"))
		queryParams.Filter = &filter
	}
	requestConfig := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		Headers:         headers,
		QueryParameters: queryParams,
	}
	// Continuation links already encode the query; only the Prefer
	// header must be carried forward.
	nextConfig := &users.ItemMessagesRequestBuilderGetRequestConfiguration{Headers: headers}

	retry := providers.NewAuthRetry(isAuthError, func() error {
		a.logger.Warn("graph auth rejected mid-fetch, refreshing token",
			zap.Int64("account_id", acct.ID))

		refreshed, rerr := a.creds.Refresh(ctx, acct)
		if rerr != nil {
			return rerr
		}
		client, rerr = a.client(refreshed)
		return rerr
	})

	var raws []providers.RawMessage
	var result models.MessageCollectionResponseable

	err = retry.Do(func() error {
		var gerr error
		result, gerr = client.Me().Messages().Get(ctx, requestConfig)
		return gerr
	})
	if err != nil {
		return nil, wrapFetchErr(err)
	}

	for {
		for _, msg := range result.GetValue() {
			raws = append(raws, &Message{Msg: msg})
			if len(raws) >= maxResults {
				return raws, nil
			}
		}

		nextLink := result.GetOdataNextLink()
		if nextLink == nil || *nextLink == "" {
			return raws, nil
		}

		err = retry.Do(func() error {
			builder := users.NewItemMessagesRequestBuilder(*nextLink, client.GetAdapter())
			var gerr error
			result, gerr = builder.Get(ctx, nextConfig)
			return gerr
		})
		if err != nil {
			return nil, wrapFetchErr(err)
		}
	}
}

func wrapFetchErr(err error) error {
	var credErr *credentials.CredentialError
	if errors.As(err, &credErr) {
		return err
	}
	return &providers.FetchError{Provider: model.ProviderOutlook, Err: err}
}

func isAuthError(err error) bool {
	var odataErr *odataerrors.ODataError
	return errors.As(err, &odataErr) && odataErr.ResponseStatusCode == http.StatusUnauthorized
}

// staticTokenCredential adapts a stored access token to the Azure
// credential interface the Graph SDK expects.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}
