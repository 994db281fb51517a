package gcpadapter

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/safeops-dev/safeops/internal/cloud"
	"github.com/safeops-dev/safeops/internal/core"
)

type memStore struct {
	mu       sync.Mutex
	creds    map[string]any
	stored   []map[string]any
	storeErr error
}

func (m *memStore) GetConnection(context.Context, string, core.Provider) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds, nil
}

func (m *memStore) StoreConnection(_ context.Context, _ string, _ core.Provider, c map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored = append(m.stored, c)
	return m.storeErr
}

// fakeGoogle serves the token endpoint and the REST APIs the adapter calls.
type fakeGoogle struct {
	t         *testing.T
	srv       *httptest.Server
	requests  atomic.Int32
	tokenHits atomic.Int32

	mu          sync.Mutex
	auth        []string
	paths       []string
	putBody     map[string]any
	tokenStatus int
	billingOff  bool
}

func newFakeGoogle(t *testing.T) *fakeGoogle {
	f := &fakeGoogle{t: t}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGoogle) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.URL.Path == "/token" {
		f.tokenHits.Add(1)
		if f.tokenStatus != 0 {
			w.WriteHeader(f.tokenStatus)
			io.WriteString(w, `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`)
			return
		}
		io.WriteString(w, `{"access_token":"fresh-token","token_type":"Bearer","expires_in":3600}`)
		return
	}

	f.requests.Add(1)
	f.mu.Lock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	f.paths = append(f.paths, r.Method+" "+r.URL.Path)
	f.mu.Unlock()

	switch {
	case r.URL.Path == "/v1/projects/p1/billingInfo":
		json.NewEncoder(w).Encode(map[string]any{"billingEnabled": !f.billingOff, "billingAccountName": "billingAccounts/0000"})
	case r.URL.Path == "/v1/billingAccounts":
		io.WriteString(w, `{"billingAccounts":[{"name":"billingAccounts/0000","displayName":"Main","open":true}]}`)
	case r.URL.Path == "/apis/serving.knative.dev/v1/namespaces/p1/services":
		io.WriteString(w, `{"items":[{"metadata":{"name":"api","uid":"u-1"},"status":{"url":"https://api.run.app","conditions":[{"type":"Ready","status":"True"}]}}]}`)
	case r.URL.Path == "/compute/v1/projects/p1/zones/z1/instances":
		io.WriteString(w, `{"items":[{"id":"42","name":"web-1","status":"RUNNING","machineType":"zones/z1/machineTypes/e2-small"}]}`)
	case r.URL.Path == "/compute/v1/projects/p1/zones/z1/instances/web-1/stop" && r.Method == http.MethodPost:
		io.WriteString(w, `{"name":"op-1","status":"RUNNING"}`)
	case r.URL.Path == "/apis/serving.knative.dev/v1/namespaces/p1/services/api" && r.Method == http.MethodGet:
		io.WriteString(w, `{"metadata":{"name":"api"},"spec":{"template":{"metadata":{"annotations":{"keep":"me"}}}}}`)
	case r.URL.Path == "/apis/serving.knative.dev/v1/namespaces/p1/services/api" && r.Method == http.MethodPut:
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.putBody = body
		f.mu.Unlock()
		io.WriteString(w, `{}`)
	case r.URL.Path == "/v2/entries:list":
		io.WriteString(w, `{"entries":[{"logName":"projects/p1/logs/stdout","timestamp":"2026-01-02T03:04:05Z","severity":"ERROR","textPayload":"boom"}]}`)
	case r.URL.Path == "/forbidden-billing":
		w.WriteHeader(http.StatusForbidden)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeGoogle) lastAuth() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.auth) == 0 {
		return ""
	}
	return f.auth[len(f.auth)-1]
}

func newTestAdapter(f *fakeGoogle, store *memStore, readOnly bool) *Adapter {
	return New(store, cloud.NewGate(readOnly), zerolog.Nop(), Options{
		Region:     "r1",
		Zone:       "z1",
		ClientID:   "client",
		RatePerSec: 1000,
		HTTPClient: f.srv.Client(),
		Endpoints: Endpoints{
			Run:      f.srv.URL,
			Compute:  f.srv.URL,
			Billing:  f.srv.URL,
			Logging:  f.srv.URL,
			TokenURL: f.srv.URL + "/token",
		},
		DefaultCredentials: func(context.Context, ...string) (*google.Credentials, error) {
			return nil, errors.New("no ambient credentials")
		},
	})
}

func oauthCreds(expiry time.Time) map[string]any {
	return map[string]any{
		"projectId":    "p1",
		"accessToken":  "stored-token",
		"refreshToken": "refresh-1",
		"expiry":       expiry.UnixMilli(),
	}
}

func TestOAuthTokenStillValidIsUsed(t *testing.T) {
	f := newFakeGoogle(t)
	store := &memStore{creds: oauthCreds(time.Now().Add(time.Hour))}
	a := newTestAdapter(f, store, true)

	if _, err := a.ListResources(context.Background(), "u1"); err != nil {
		t.Fatalf("ListResources: %v", err)
	}
	if f.tokenHits.Load() != 0 {
		t.Errorf("valid token should not be refreshed, got %d token calls", f.tokenHits.Load())
	}
	if got := f.lastAuth(); got != "Bearer stored-token" {
		t.Errorf("authorization = %q", got)
	}
	if len(store.stored) != 0 {
		t.Error("nothing should be re-stored")
	}
}

func TestOAuthTokenNearExpiryIsRefreshedAndStored(t *testing.T) {
	f := newFakeGoogle(t)
	store := &memStore{creds: oauthCreds(time.Now().Add(30 * time.Second))}
	a := newTestAdapter(f, store, true)

	if _, err := a.GetBilling(context.Background(), "u1"); err != nil {
		t.Fatalf("GetBilling: %v", err)
	}
	if f.tokenHits.Load() != 1 {
		t.Fatalf("expected one refresh, got %d", f.tokenHits.Load())
	}
	if got := f.lastAuth(); got != "Bearer fresh-token" {
		t.Errorf("authorization = %q", got)
	}
	if len(store.stored) != 1 {
		t.Fatalf("expected refreshed token to be stored, got %d writes", len(store.stored))
	}
	saved := store.stored[0]
	if saved["accessToken"] != "fresh-token" || saved["refreshToken"] != "refresh-1" || saved["projectId"] != "p1" {
		t.Errorf("unexpected stored credentials: %v", saved)
	}
}

func TestRefreshStoreFailureIsSwallowed(t *testing.T) {
	f := newFakeGoogle(t)
	store := &memStore{creds: oauthCreds(time.Now().Add(-time.Hour)), storeErr: errors.New("db locked")}
	a := newTestAdapter(f, store, true)

	if _, err := a.CheckHealth(context.Background(), "u1"); err != nil {
		t.Fatalf("CheckHealth should succeed despite store failure: %v", err)
	}
}

func TestRevokedRefreshTokenIsCredentialExpired(t *testing.T) {
	f := newFakeGoogle(t)
	f.tokenStatus = http.StatusBadRequest
	store := &memStore{creds: oauthCreds(time.Now().Add(-time.Hour))}
	a := newTestAdapter(f, store, true)

	_, err := a.ListResources(context.Background(), "u1")
	if !cloud.IsKind(err, cloud.KindCredentialExpired) {
		t.Fatalf("expected CredentialExpired, got %v", err)
	}
	if f.requests.Load() != 0 {
		t.Error("no API call should follow a failed refresh")
	}
}

func TestServiceAccountCredentials(t *testing.T) {
	f := newFakeGoogle(t)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))

	store := &memStore{creds: map[string]any{
		"type":         "service_account",
		"project_id":   "p1",
		"client_email": "safeops@p1.iam.gserviceaccount.com",
		"private_key":  pemKey,
		"token_uri":    f.srv.URL + "/token",
	}}
	a := newTestAdapter(f, store, true)

	health, err := a.CheckHealth(context.Background(), "u1")
	if err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if health.Source != cloud.SourceVault || health.Identity != "safeops@p1.iam.gserviceaccount.com" {
		t.Errorf("unexpected health: %+v", health)
	}
	if f.tokenHits.Load() != 1 {
		t.Errorf("expected a JWT token exchange, got %d", f.tokenHits.Load())
	}
}

func TestAmbientCredentials(t *testing.T) {
	f := newFakeGoogle(t)
	a := newTestAdapter(f, &memStore{}, true)
	a.opts.DefaultCredentials = func(context.Context, ...string) (*google.Credentials, error) {
		return &google.Credentials{
			ProjectID:   "p1",
			TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "adc-token"}),
		}, nil
	}

	list, err := a.ListResources(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListResources: %v", err)
	}
	if f.lastAuth() != "Bearer adc-token" {
		t.Errorf("authorization = %q", f.lastAuth())
	}
	if len(list.Resources) != 2 {
		t.Fatalf("expected run + compute resources, got %+v", list.Resources)
	}
	if list.Resources[0].Type != "cloud-run" || list.Resources[0].State != "running" {
		t.Errorf("unexpected cloud run resource: %+v", list.Resources[0])
	}
	if list.Resources[1].Details["machineType"] != "e2-small" {
		t.Errorf("unexpected compute resource: %+v", list.Resources[1])
	}
}

func TestStoredAccessTokenBeatsAmbient(t *testing.T) {
	f := newFakeGoogle(t)
	store := &memStore{creds: map[string]any{"projectId": "p1", "accessToken": "user-token"}}
	a := newTestAdapter(f, store, true)
	a.opts.DefaultCredentials = func(context.Context, ...string) (*google.Credentials, error) {
		return &google.Credentials{
			ProjectID:   "p1",
			TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "adc-token"}),
		}, nil
	}

	if _, err := a.ListResources(context.Background(), "u1"); err != nil {
		t.Fatalf("ListResources: %v", err)
	}
	if got := f.lastAuth(); got != "Bearer user-token" {
		t.Errorf("authorization = %q", got)
	}
	h, err := a.CheckHealth(context.Background(), "u1")
	if err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if h.Source != cloud.SourceVault {
		t.Errorf("source = %q", h.Source)
	}
	if f.tokenHits.Load() != 0 {
		t.Error("bare access token should never be refreshed")
	}
}

func TestExpiredStoredAccessTokenIsCredentialExpired(t *testing.T) {
	f := newFakeGoogle(t)
	store := &memStore{creds: map[string]any{
		"projectId":   "p1",
		"accessToken": "user-token",
		"expiry":      time.Now().Add(-time.Minute).UnixMilli(),
	}}
	a := newTestAdapter(f, store, true)

	_, err := a.ListResources(context.Background(), "u1")
	if !cloud.IsKind(err, cloud.KindCredentialExpired) {
		t.Fatalf("expected CredentialExpired, got %v", err)
	}
	if f.requests.Load() != 0 {
		t.Error("expired token should not reach the API")
	}
}

func TestNoCredentialsIsAuthFailed(t *testing.T) {
	f := newFakeGoogle(t)
	a := newTestAdapter(f, &memStore{}, true)
	if _, err := a.CheckHealth(context.Background(), "u1"); !cloud.IsKind(err, cloud.KindAuthFailed) {
		t.Fatalf("expected AuthFailed, got %v", err)
	}
}

func TestReadOnlyMakesNoRequests(t *testing.T) {
	f := newFakeGoogle(t)
	a := newTestAdapter(f, &memStore{creds: oauthCreds(time.Now().Add(time.Hour))}, true)

	_, err := a.ExecuteAction(context.Background(), core.ActionStopResource, map[string]any{"resourceName": "web-1"}, "u1")
	if !cloud.IsKind(err, cloud.KindActionBlocked) {
		t.Fatalf("expected ActionBlocked, got %v", err)
	}
	if f.requests.Load() != 0 || f.tokenHits.Load() != 0 {
		t.Fatalf("expected zero provider calls, got %d api / %d token", f.requests.Load(), f.tokenHits.Load())
	}
}

func TestStopComputeInstance(t *testing.T) {
	f := newFakeGoogle(t)
	a := newTestAdapter(f, &memStore{creds: oauthCreds(time.Now().Add(time.Hour))}, false)

	res, err := a.ExecuteAction(context.Background(), core.ActionStopResource, map[string]any{"resourceName": "web-1"}, "u1")
	if err != nil {
		t.Fatalf("ExecuteAction: %v", err)
	}
	if res.ResourceID != "web-1" || res.Status != "RUNNING" {
		t.Errorf("unexpected result: %+v", res)
	}
	if f.paths[0] != "POST /compute/v1/projects/p1/zones/z1/instances/web-1/stop" {
		t.Errorf("unexpected request: %v", f.paths)
	}
}

func TestScaleCloudRunToZero(t *testing.T) {
	f := newFakeGoogle(t)
	a := newTestAdapter(f, &memStore{creds: oauthCreds(time.Now().Add(time.Hour))}, false)

	res, err := a.ExecuteAction(context.Background(), core.ActionStopResource, map[string]any{"resourceName": "api", "type": "cloud-run"}, "u1")
	if err != nil {
		t.Fatalf("ExecuteAction: %v", err)
	}
	if res.Status != "stopped" {
		t.Errorf("status = %s", res.Status)
	}

	ann := nestedMap(f.putBody, "spec", "template", "metadata", "annotations")
	if ann[maxScaleAnnotation] != "0" || ann[minScaleAnnotation] != "0" || ann["keep"] != "me" {
		t.Errorf("unexpected annotations: %v", ann)
	}
}

func TestBillingDisabled(t *testing.T) {
	f := newFakeGoogle(t)
	f.billingOff = true
	a := newTestAdapter(f, &memStore{creds: oauthCreds(time.Now().Add(time.Hour))}, true)

	if _, err := a.GetBilling(context.Background(), "u1"); !cloud.IsKind(err, cloud.KindBillingDisabled) {
		t.Fatalf("expected BillingDisabled, got %v", err)
	}
}

func TestGetBillingAccounts(t *testing.T) {
	f := newFakeGoogle(t)
	a := newTestAdapter(f, &memStore{creds: oauthCreds(time.Now().Add(time.Hour))}, true)

	b, err := a.GetBilling(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetBilling: %v", err)
	}
	if len(b.Accounts) != 1 || b.Accounts[0].DisplayName != "Main" || !b.Accounts[0].Open {
		t.Errorf("unexpected accounts: %+v", b.Accounts)
	}

	before := f.requests.Load()
	a.GetBilling(context.Background(), "u1")
	if f.requests.Load() != before {
		t.Error("second billing call should be served from cache")
	}
}

func TestTraceLogs(t *testing.T) {
	f := newFakeGoogle(t)
	a := newTestAdapter(f, &memStore{creds: oauthCreds(time.Now().Add(time.Hour))}, true)

	entries, err := a.TraceLogs(context.Background(), "u1", 10)
	if err != nil {
		t.Fatalf("TraceLogs: %v", err)
	}
	if len(entries) != 1 || entries[0].Message != "boom" || entries[0].Severity != "ERROR" || entries[0].Source != "stdout" {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		err  error
		want cloud.Kind
	}{
		{&statusError{Code: 401}, cloud.KindCredentialExpired},
		{&statusError{Code: 403, Body: `{"error":{"message":"Permission denied"}}`}, cloud.KindAuthFailed},
		{&statusError{Code: 403, Body: `{"error":{"message":"Billing account disabled"}}`}, cloud.KindBillingDisabled},
		{&statusError{Code: 503}, cloud.KindProviderUnavailable},
		{context.DeadlineExceeded, cloud.KindProviderUnavailable},
	}
	for _, tt := range tests {
		if got := cloud.KindOf(classify("op", tt.err)); got != tt.want {
			t.Errorf("classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
	if strings.Contains(classify("op", &statusError{Code: 403, Body: "secret"}).Error(), "secret") {
		t.Error("response body leaked into error text")
	}
}

func TestStoredExpiryFormats(t *testing.T) {
	ms := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := storedExpiry(map[string]any{"expiry": float64(ms.UnixMilli())}); !got.Equal(ms) {
		t.Errorf("float ms: %v", got)
	}
	if got := storedExpiry(map[string]any{"expiry": ms.Format(time.RFC3339)}); !got.Equal(ms) {
		t.Errorf("rfc3339: %v", got)
	}
	if got := storedExpiry(nil); !got.IsZero() {
		t.Errorf("missing: %v", got)
	}
}
