// Package integration_test runs the full SafeOps lifecycle end to end:
// engine open, credential vaulting, prompt processing, confirmation,
// reopen, and audit chain verification.
//
// These tests use real SQLite databases in temp directories and fake
// provider adapters. No cloud API calls are made.
package integration_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/safeops-dev/safeops/internal/cloud"
	"github.com/safeops-dev/safeops/internal/config"
	"github.com/safeops-dev/safeops/internal/core"
	"github.com/safeops-dev/safeops/internal/engine"
	"github.com/safeops-dev/safeops/internal/grpcapi"
	"github.com/safeops-dev/safeops/internal/journey"
)

type fakes struct {
	aws *cloud.Fake
	gcp *cloud.Fake
}

func openEngine(t *testing.T, cfg config.Config) (*engine.Engine, *fakes) {
	t.Helper()
	f := &fakes{}
	nop := zerolog.Nop()
	e, err := engine.Open(context.Background(), cfg, engine.Options{
		Passphrase: "integration-pass",
		Logger:     &nop,
		Adapters: func(_ cloud.CredentialStore, gate *cloud.Gate) []cloud.Adapter {
			f.aws = cloud.NewFake(core.ProviderAWS, gate)
			f.gcp = cloud.NewFake(core.ProviderGCP, gate)
			f.aws.Billing.Total = 120.5
			f.gcp.Billing.Total = 30
			return []cloud.Adapter{f.aws, f.gcp}
		},
	})
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	return e, f
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	return cfg
}

// TestFullLifecycle walks connect, read, confirm-gated stop, reopen.
func TestFullLifecycle(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReadOnly = false
	ctx := context.Background()
	rc := core.RequestContext{UserID: "alice", OrgID: "acme"}

	e, f := openEngine(t, cfg)
	svc := grpcapi.NewService(e)

	if err := svc.StoreConnection(ctx, "alice", core.ProviderAWS, map[string]any{
		"accessKeyId": "AKIAEXAMPLE", "secretAccessKey": "secret", "accountId": "111122223333",
	}); err != nil {
		t.Fatalf("StoreConnection: %v", err)
	}

	// Cost question: auto-executes on both providers.
	out, err := e.Dispatcher.Process(ctx, "How much am I spending this month?", rc)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Type != journey.OutcomeCompleted || out.Intent.Provider != core.ProviderMulti {
		t.Fatalf("cost outcome = %s on %s", out.Type, out.Intent.Provider)
	}
	var results []journey.ProviderResult
	if err := json.Unmarshal(out.Intent.Result, &results); err != nil || len(results) != 2 {
		t.Fatalf("results = %s (%v)", out.Intent.Result, err)
	}

	// Stop: waits for confirmation, then runs once.
	out, _ = e.Dispatcher.Process(ctx, "Shut down aws instance i-0abc12345def67890", rc)
	if out.Type != journey.OutcomeConfirmationRequired {
		t.Fatalf("stop outcome = %s", out.Type)
	}
	stopID := out.Intent.ID
	if f.aws.Calls("ExecuteAction") != 0 {
		t.Fatal("stop executed before confirmation")
	}
	in, err := e.Dispatcher.AdvanceStep(ctx, stopID, "execute")
	if err != nil || in.Status != core.StatusCompleted {
		t.Fatalf("AdvanceStep = %v, %v", in, err)
	}

	// Gibberish is blocked and never reaches a provider.
	before := f.aws.TotalCalls() + f.gcp.TotalCalls()
	out, _ = e.Dispatcher.Process(ctx, "purple monkey dishwasher", rc)
	if out.Type != journey.OutcomeBlocked {
		t.Fatalf("gibberish outcome = %s", out.Type)
	}
	if f.aws.TotalCalls()+f.gcp.TotalCalls() != before {
		t.Error("blocked prompt reached a provider")
	}
	e.Close()

	// Everything survives a reopen with the same passphrase.
	e, _ = openEngine(t, cfg)
	defer e.Close()

	got, err := e.Dispatcher.Get(ctx, stopID)
	if err != nil || got.Status != core.StatusCompleted {
		t.Fatalf("reloaded stop = %v, %v", got, err)
	}
	creds, err := e.Vault.GetConnection(ctx, "alice", core.ProviderAWS)
	if err != nil || creds["accessKeyId"] != "AKIAEXAMPLE" {
		t.Fatalf("reloaded creds = %v, %v", creds, err)
	}
	hist, err := e.Dispatcher.History(ctx, "alice", 10)
	if err != nil || len(hist) != 3 {
		t.Fatalf("history = %d, %v", len(hist), err)
	}
	if n, err := e.VerifyAudit(ctx); err != nil || n < 6 {
		t.Errorf("VerifyAudit = %d, %v", n, err)
	}
}

// TestAuditLogIsAppendOnly checks the database refuses to rewrite history.
func TestAuditLogIsAppendOnly(t *testing.T) {
	e, _ := openEngine(t, testConfig(t))
	defer e.Close()
	ctx := context.Background()

	e.Dispatcher.Process(ctx, "list my aws instances", core.RequestContext{UserID: "bob"})

	if _, err := e.AuditDB.ExecContext(ctx, "UPDATE audit_log SET severity = 'INFO'"); err == nil {
		t.Error("UPDATE on audit_log succeeded")
	}
	if _, err := e.AuditDB.ExecContext(ctx, "DELETE FROM audit_log"); err == nil {
		t.Error("DELETE on audit_log succeeded")
	}
	if _, err := e.VerifyAudit(ctx); err != nil {
		t.Errorf("chain broken after rejected writes: %v", err)
	}
}

// TestReadOnlyBlocksConfirmedStop checks the default configuration.
func TestReadOnlyBlocksConfirmedStop(t *testing.T) {
	e, f := openEngine(t, testConfig(t))
	defer e.Close()
	ctx := context.Background()

	out, _ := e.Dispatcher.Process(ctx, "stop gcp instance web-1", core.RequestContext{UserID: "carol"})
	in, err := e.Dispatcher.AdvanceStep(ctx, out.Intent.ID, "execute")
	if err != nil {
		t.Fatalf("AdvanceStep: %v", err)
	}
	if in.Status != core.StatusFailed || !strings.Contains(in.Error, "read-only") {
		t.Errorf("status = %s, error = %q", in.Status, in.Error)
	}
	if f.gcp.TotalCalls() != 0 {
		t.Error("read-only stop reached gcp")
	}
}

// TestRemoteOperator drives the engine through safeops-server's transport.
func TestRemoteOperator(t *testing.T) {
	e, _ := openEngine(t, testConfig(t))
	defer e.Close()

	s, err := grpcapi.NewTCPServer("127.0.0.1:0", e)
	if err != nil {
		t.Fatalf("NewTCPServer: %v", err)
	}
	go s.Serve()
	defer s.Stop()

	c, err := grpcapi.Dial(s.Addr().String(), "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	resp, err := c.Call(ctx, "intent.process", grpcapi.ProcessRequest{Prompt: "show gcp costs", UserID: "dave"})
	if err != nil || resp.Error != "" {
		t.Fatalf("intent.process = %v, %v", resp, err)
	}
	var out journey.Outcome
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Type != journey.OutcomeCompleted || out.Intent.Provider != core.ProviderGCP {
		t.Errorf("outcome = %s on %s", out.Type, out.Intent.Provider)
	}

	resp, err = c.Call(ctx, "intent.history", map[string]any{"userId": "dave"})
	if err != nil || !strings.Contains(string(resp.Result), out.Intent.ID) {
		t.Errorf("history = %v, %v", resp, err)
	}
}
