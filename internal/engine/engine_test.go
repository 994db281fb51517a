package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/safeops-dev/safeops/internal/cloud"
	"github.com/safeops-dev/safeops/internal/config"
	"github.com/safeops-dev/safeops/internal/core"
	"github.com/safeops-dev/safeops/internal/journey"
	"github.com/safeops-dev/safeops/internal/vault"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	return cfg
}

func openTest(t *testing.T, cfg config.Config, passphrase string) (*Engine, *cloud.Fake) {
	t.Helper()
	nop := zerolog.Nop()
	var fake *cloud.Fake
	e, err := Open(context.Background(), cfg, Options{
		Passphrase: passphrase,
		Logger:     &nop,
		Adapters: func(_ cloud.CredentialStore, gate *cloud.Gate) []cloud.Adapter {
			fake = cloud.NewFake(core.ProviderAWS, gate)
			return []cloud.Adapter{fake}
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return e, fake
}

func TestOpenAndProcess(t *testing.T) {
	cfg := testConfig(t)
	cfg.EncryptionKey = strings.Repeat("ab", 32)
	e, fake := openTest(t, cfg, "")
	defer e.Close()

	if !e.Gate.ReadOnly() {
		t.Error("engine should start read-only")
	}

	out, err := e.Dispatcher.Process(context.Background(), "Show me my AWS costs for this month", core.RequestContext{UserID: "u1"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Type != journey.OutcomeCompleted || fake.Calls("GetBilling") != 1 {
		t.Errorf("outcome = %s, billing calls = %d", out.Type, fake.Calls("GetBilling"))
	}

	n, err := e.VerifyAudit(context.Background())
	if err != nil || n == 0 {
		t.Errorf("VerifyAudit = %d, %v", n, err)
	}
}

func TestOpenWithoutKey(t *testing.T) {
	nop := zerolog.Nop()
	_, err := Open(context.Background(), testConfig(t), Options{Logger: &nop})
	if !errors.Is(err, ErrNoVaultKey) {
		t.Fatalf("expected ErrNoVaultKey, got %v", err)
	}
}

func TestPassphraseKeyIsStable(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	e, _ := openTest(t, cfg, "correct horse")
	creds := map[string]any{"accessKeyId": "AKIA1", "secretAccessKey": "s"}
	if err := e.Vault.StoreConnection(ctx, "u1", core.ProviderAWS, creds); err != nil {
		t.Fatalf("StoreConnection: %v", err)
	}
	e.Close()

	if _, err := os.Stat(filepath.Join(cfg.DataDir, SaltFileName)); err != nil {
		t.Fatalf("salt file not created: %v", err)
	}

	e, _ = openTest(t, cfg, "correct horse")
	got, err := e.Vault.GetConnection(ctx, "u1", core.ProviderAWS)
	e.Close()
	if err != nil || got["accessKeyId"] != "AKIA1" {
		t.Fatalf("reopened vault: %v %v", got, err)
	}

	nop := zerolog.Nop()
	_, err = Open(ctx, cfg, Options{Passphrase: "wrong passphrase", Logger: &nop})
	if !errors.Is(err, vault.ErrWrongKey) {
		t.Fatalf("wrong passphrase: expected ErrWrongKey, got %v", err)
	}
}

func TestChangedHexKeyIsRejected(t *testing.T) {
	cfg := testConfig(t)
	cfg.EncryptionKey = strings.Repeat("ab", 32)
	e, _ := openTest(t, cfg, "")
	e.Close()

	cfg.EncryptionKey = strings.Repeat("cd", 32)
	nop := zerolog.Nop()
	if _, err := Open(context.Background(), cfg, Options{Logger: &nop}); !errors.Is(err, vault.ErrWrongKey) {
		t.Fatalf("expected ErrWrongKey, got %v", err)
	}
}

func TestBadHexKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.EncryptionKey = "abcd"
	nop := zerolog.Nop()
	if _, err := Open(context.Background(), cfg, Options{Logger: &nop}); err == nil {
		t.Fatal("expected short key to be rejected")
	}
}
