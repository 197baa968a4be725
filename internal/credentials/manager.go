// Package credentials owns the provider access-token lifecycle for
// connected accounts.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/jobtrail/jobtrail/internal/config"
	"github.com/jobtrail/jobtrail/internal/model"
	"github.com/jobtrail/jobtrail/internal/store"
)

// expiryBuffer is how close to expiry a token may get before it is
// refreshed up front.
const expiryBuffer = 5 * time.Minute

const gmailReadonlyScope = "https://www.googleapis.com/auth/gmail.readonly"

// CredentialError means the stored tokens for an account are unusable
// and re-authorization is required. It is terminal for the account:
// the orchestrator moves the account to error status instead of
// retrying.
type CredentialError struct {
	AccountID int64
	Reason    string
	Err       error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credentials unusable for account %d: %s: %v", e.AccountID, e.Reason, e.Err)
	}
	return fmt.Sprintf("credentials unusable for account %d: %s", e.AccountID, e.Reason)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// Manager refreshes and persists provider tokens per account.
type Manager struct {
	store           *store.Store
	google          config.GoogleConfig
	microsoft       config.MicrosoftConfig
	client          *http.Client
	logger          *zap.Logger
	msTokenEndpoint string // overridable in tests
	now             func() time.Time
}

func NewManager(st *store.Store, google config.GoogleConfig, microsoft config.MicrosoftConfig, logger *zap.Logger) *Manager {
	tenant := microsoft.Tenant
	if tenant == "" {
		tenant = "common"
	}
	return &Manager{
		store:           st,
		google:          google,
		microsoft:       microsoft,
		client:          &http.Client{Timeout: 15 * time.Second},
		logger:          logger,
		msTokenEndpoint: fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenant),
		now:             time.Now,
	}
}

// GetValidToken returns a usable access token for the account,
// refreshing first when the stored one is absent or expires within the
// buffer. Refreshed tokens are persisted back onto the account row and
// mirrored into acct.
func (m *Manager) GetValidToken(ctx context.Context, acct *model.Account) (string, error) {
	if acct.AccessToken != "" && !acct.TokenExpires.IsZero() &&
		acct.TokenExpires.After(m.now().Add(expiryBuffer)) {
		return acct.AccessToken, nil
	}
	return m.Refresh(ctx, acct)
}

// Refresh performs an unconditional refresh-token exchange against the
// account's provider token endpoint.
func (m *Manager) Refresh(ctx context.Context, acct *model.Account) (string, error) {
	if acct.RefreshToken == "" {
		return "", &CredentialError{AccountID: acct.ID, Reason: "no refresh token stored"}
	}

	var (
		access  string
		refresh string
		expiry  time.Time
		err     error
	)

	switch acct.Provider {
	case model.ProviderGmail:
		access, refresh, expiry, err = m.refreshGoogle(ctx, acct)
	case model.ProviderOutlook:
		access, refresh, expiry, err = m.refreshMicrosoft(ctx, acct)
	default:
		return "", fmt.Errorf("unsupported provider %q", acct.Provider)
	}
	if err != nil {
		return "", err
	}

	acct.AccessToken = access
	if refresh != "" {
		acct.RefreshToken = refresh
	}
	acct.TokenExpires = expiry

	if err := m.store.UpdateAccountTokens(ctx, acct.ID, acct.AccessToken, acct.RefreshToken, acct.TokenExpires); err != nil {
		return "", fmt.Errorf("persist refreshed tokens: %w", err)
	}

	m.logger.Info("refreshed provider token",
		zap.Int64("account_id", acct.ID),
		zap.String("provider", string(acct.Provider)),
		zap.Time("expires", acct.TokenExpires))

	return acct.AccessToken, nil
}

func (m *Manager) refreshGoogle(ctx context.Context, acct *model.Account) (string, string, time.Time, error) {
	endpoint := google.Endpoint
	if m.google.TokenURL != "" {
		endpoint = oauth2.Endpoint{TokenURL: m.google.TokenURL}
	}
	cfg := &oauth2.Config{
		ClientID:     m.google.ClientID,
		ClientSecret: m.google.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       []string{gmailReadonlyScope},
	}

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: acct.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil && rejectedGrant(retrieveErr.Response.StatusCode) {
			return "", "", time.Time{}, &CredentialError{
				AccountID: acct.ID,
				Reason:    "provider rejected refresh",
				Err:       err,
			}
		}
		return "", "", time.Time{}, fmt.Errorf("google token refresh: %w", err)
	}

	return tok.AccessToken, tok.RefreshToken, tok.Expiry, nil
}

func (m *Manager) refreshMicrosoft(ctx context.Context, acct *model.Account) (string, string, time.Time, error) {
	form := url.Values{
		"client_id":     {m.microsoft.ClientID},
		"client_secret": {m.microsoft.ClientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {acct.RefreshToken},
		"scope":         {"https://graph.microsoft.com/.default offline_access"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.msTokenEndpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("microsoft token refresh: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if rejectedGrant(resp.StatusCode) {
			return "", "", time.Time{}, &CredentialError{
				AccountID: acct.ID,
				Reason:    "provider rejected refresh",
				Err:       fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body)),
			}
		}
		return "", "", time.Time{}, fmt.Errorf("microsoft token refresh: bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", "", time.Time{}, fmt.Errorf("decode token response: %w", err)
	}
	if result.AccessToken == "" {
		return "", "", time.Time{}, &CredentialError{AccountID: acct.ID, Reason: "empty access token in refresh response"}
	}

	expiresIn := result.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}

	return result.AccessToken, result.RefreshToken, m.now().Add(time.Duration(expiresIn) * time.Second), nil
}

// rejectedGrant reports whether the token endpoint's status means the
// grant itself is invalid (invalid_grant, revoked consent) rather than
// a transient failure.
func rejectedGrant(status int) bool {
	return status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden
}
