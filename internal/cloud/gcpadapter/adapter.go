// Package gcpadapter implements the GCP variant of the cloud adapter over the
// Cloud Run, Compute, Cloud Billing and Cloud Logging REST APIs, authorised
// through golang.org/x/oauth2.
package gcpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/safeops-dev/safeops/internal/cloud"
	"github.com/safeops-dev/safeops/internal/core"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// refreshWindow is how close to expiry a stored OAuth token is refreshed.
const refreshWindow = 60 * time.Second

// Endpoints overrides API base URLs. Empty fields use the public endpoints.
type Endpoints struct {
	// Run is the Cloud Run base URL; by default derived from the region.
	Run      string
	Compute  string
	Billing  string
	Logging  string
	TokenURL string
}

// DefaultCredentialsFunc finds ambient credentials.
type DefaultCredentialsFunc func(ctx context.Context, scopes ...string) (*google.Credentials, error)

// Options tunes the adapter.
type Options struct {
	ProjectID    string
	Region       string
	Zone         string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	RatePerSec   int
	CacheTTL     time.Duration
	// HTTPClient is the base transport for token and API requests.
	HTTPClient         *http.Client
	Endpoints          Endpoints
	DefaultCredentials DefaultCredentialsFunc
}

// Adapter is the GCP cloud adapter.
type Adapter struct {
	creds   cloud.CredentialStore
	gate    *cloud.Gate
	opts    Options
	logger  zerolog.Logger
	limiter *cloud.RateLimiter
	cache   *cloud.ResponseCache
	now     func() time.Time
}

// New creates a GCP adapter. creds must be able to re-store refreshed tokens.
func New(creds cloud.CredentialStore, gate *cloud.Gate, logger zerolog.Logger, opts Options) *Adapter {
	if opts.Region == "" {
		opts.Region = "us-central1"
	}
	if opts.Zone == "" {
		opts.Zone = opts.Region + "-a"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 10
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.DefaultCredentials == nil {
		opts.DefaultCredentials = google.FindDefaultCredentials
	}
	e := &opts.Endpoints
	if e.Compute == "" {
		e.Compute = "https://compute.googleapis.com"
	}
	if e.Billing == "" {
		e.Billing = "https://cloudbilling.googleapis.com"
	}
	if e.Logging == "" {
		e.Logging = "https://logging.googleapis.com"
	}
	if e.TokenURL == "" {
		e.TokenURL = google.Endpoint.TokenURL
	}
	return &Adapter{
		creds:   creds,
		gate:    gate,
		opts:    opts,
		logger:  logger.With().Str("component", "gcp").Logger(),
		limiter: cloud.NewRateLimiter(opts.RatePerSec),
		cache:   cloud.NewResponseCache(opts.CacheTTL),
		now:     time.Now,
	}
}

func (a *Adapter) Provider() core.Provider { return core.ProviderGCP }

// Cache returns the response cache for manual invalidation.
func (a *Adapter) Cache() *cloud.ResponseCache { return a.cache }

var errNoCredentials = errors.New("no GCP credentials available")

// session is an authorised HTTP client for one user.
type session struct {
	client    *http.Client
	tokens    oauth2.TokenSource
	projectID string
	identity  string
	source    string
}

// baseContext carries the configured transport into oauth2.
func (a *Adapter) baseContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.opts.HTTPClient)
}

// resolve applies the credential chain: a vaulted service-account key, then a
// vaulted OAuth refresh token, then a vaulted bare access token, then
// application default credentials.
func (a *Adapter) resolve(ctx context.Context, userID string) (*session, error) {
	ctx = a.baseContext(ctx)

	stored, err := a.creds.GetConnection(ctx, userID, core.ProviderGCP)
	if err != nil {
		return nil, cloud.NewError(cloud.KindProviderUnavailable, core.ProviderGCP, "resolve credentials", err)
	}

	projectID := cloud.StringParam(stored, "project_id", "projectId")
	if projectID == "" {
		projectID = a.opts.ProjectID
	}

	switch {
	case cloud.StringParam(stored, "client_email") != "" || cloud.StringParam(stored, "private_key") != "":
		raw, err := json.Marshal(stored)
		if err != nil {
			return nil, cloud.NewError(cloud.KindAuthFailed, core.ProviderGCP, "service account", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, raw, cloudPlatformScope)
		if err != nil {
			return nil, cloud.NewError(cloud.KindAuthFailed, core.ProviderGCP, "service account", err)
		}
		return a.newSession(ctx, creds.TokenSource, projectID, cloud.StringParam(stored, "client_email"), cloud.SourceVault), nil

	case cloud.StringParam(stored, "refreshToken", "refresh_token") != "":
		ts, err := a.oauthTokens(ctx, userID, stored)
		if err != nil {
			return nil, err
		}
		return a.newSession(ctx, ts, projectID, "oauth:"+userID, cloud.SourceFederated), nil

	case cloud.StringParam(stored, "accessToken", "access_token") != "":
		expiry := storedExpiry(stored)
		if !expiry.IsZero() && !a.now().Before(expiry) {
			return nil, cloud.NewError(cloud.KindCredentialExpired, core.ProviderGCP, "access token",
				fmt.Errorf("stored access token expired at %s", expiry.UTC().Format(time.RFC3339)))
		}
		ts := oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cloud.StringParam(stored, "accessToken", "access_token"),
			TokenType:   "Bearer",
			Expiry:      expiry,
		})
		return a.newSession(ctx, ts, projectID, "token:"+userID, cloud.SourceVault), nil
	}

	creds, err := a.opts.DefaultCredentials(ctx, cloudPlatformScope)
	if err != nil {
		return nil, cloud.NewError(cloud.KindAuthFailed, core.ProviderGCP, "default credentials", errors.Join(errNoCredentials, err))
	}
	if projectID == "" {
		projectID = creds.ProjectID
	}
	return a.newSession(ctx, creds.TokenSource, projectID, "application-default", cloud.SourceAmbient), nil
}

func (a *Adapter) newSession(ctx context.Context, ts oauth2.TokenSource, projectID, identity, source string) *session {
	return &session{
		client:    oauth2.NewClient(ctx, ts),
		tokens:    ts,
		projectID: projectID,
		identity:  identity,
		source:    source,
	}
}

func (a *Adapter) oauthConfig(stored map[string]any) *oauth2.Config {
	clientID := cloud.StringParam(stored, "clientId", "client_id")
	if clientID == "" {
		clientID = a.opts.ClientID
	}
	clientSecret := cloud.StringParam(stored, "clientSecret", "client_secret")
	if clientSecret == "" {
		clientSecret = a.opts.ClientSecret
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   google.Endpoint.AuthURL,
			TokenURL:  a.opts.Endpoints.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: []string{cloudPlatformScope},
	}
}

// oauthTokens builds a token source from a stored refresh token. A token
// within refreshWindow of expiry is refreshed now and written back to the
// vault; a failed write-back is logged and the fresh token used anyway.
func (a *Adapter) oauthTokens(ctx context.Context, userID string, stored map[string]any) (oauth2.TokenSource, error) {
	conf := a.oauthConfig(stored)
	tok := &oauth2.Token{
		AccessToken:  cloud.StringParam(stored, "accessToken", "access_token"),
		RefreshToken: cloud.StringParam(stored, "refreshToken", "refresh_token"),
		TokenType:    "Bearer",
		Expiry:       storedExpiry(stored),
	}

	if tok.AccessToken == "" || (!tok.Expiry.IsZero() && a.now().After(tok.Expiry.Add(-refreshWindow))) {
		fresh, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
		if err != nil {
			return nil, classifyTokenError("refresh token", err)
		}
		if fresh.RefreshToken == "" {
			fresh.RefreshToken = tok.RefreshToken
		}
		a.logger.Info().Str("user_id", userID).Msg("refreshed GCP access token")

		updated := make(map[string]any, len(stored)+3)
		for k, v := range stored {
			updated[k] = v
		}
		updated["accessToken"] = fresh.AccessToken
		updated["refreshToken"] = fresh.RefreshToken
		updated["expiry"] = fresh.Expiry.UnixMilli()
		if err := a.creds.StoreConnection(ctx, userID, core.ProviderGCP, updated); err != nil {
			a.logger.Error().Err(err).Str("user_id", userID).Msg("failed to store refreshed token")
		}
		tok = fresh
	}

	return oauth2.ReuseTokenSourceWithExpiry(tok, conf.TokenSource(ctx, tok), refreshWindow), nil
}

// storedExpiry reads expiry as epoch milliseconds or an RFC 3339 string.
func storedExpiry(stored map[string]any) time.Time {
	for _, k := range []string{"expiry", "expiry_date", "expiryDate"} {
		switch v := stored[k].(type) {
		case float64:
			return time.UnixMilli(int64(v))
		case int64:
			return time.UnixMilli(v)
		case string:
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

func (a *Adapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.opts.Timeout)
}

func (a *Adapter) runBase(region string) string {
	if a.opts.Endpoints.Run != "" {
		return a.opts.Endpoints.Run
	}
	return fmt.Sprintf("https://%s-run.googleapis.com", region)
}

func (a *Adapter) logAPICall(service, operation, userID string, err error) {
	ev := a.logger.Debug()
	if err != nil {
		ev = a.logger.Warn().Err(err)
	}
	ev.Str("service", service).Str("operation", operation).Str("user_id", userID).Msg("gcp api call")
}
