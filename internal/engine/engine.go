// Package engine wires every SafeOps subsystem together from a Config.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/safeops-dev/safeops/internal/audit"
	"github.com/safeops-dev/safeops/internal/cloud"
	"github.com/safeops-dev/safeops/internal/cloud/awsadapter"
	"github.com/safeops-dev/safeops/internal/cloud/gcpadapter"
	"github.com/safeops-dev/safeops/internal/config"
	"github.com/safeops-dev/safeops/internal/db"
	"github.com/safeops-dev/safeops/internal/intent"
	"github.com/safeops-dev/safeops/internal/journey"
	"github.com/safeops-dev/safeops/internal/llm"
	"github.com/safeops-dev/safeops/internal/logging"
	"github.com/safeops-dev/safeops/internal/store"
	"github.com/safeops-dev/safeops/internal/vault"
)

// Vault key material kept in the data directory.
const (
	// SaltFileName is the per-install Argon2id salt.
	SaltFileName = "vault.salt"
	// CheckFileName holds a value sealed under the vault key on first open.
	CheckFileName = "vault.check"
)

const responseCacheTTL = time.Minute

// ErrNoVaultKey is returned when neither a hex key nor a passphrase is given.
var ErrNoVaultKey = errors.New("no vault key: set SAFEOPS_ENCRYPTION_KEY or provide a passphrase")

// Options override parts of the wiring.
type Options struct {
	// Passphrase derives the vault key when the config has no EncryptionKey.
	Passphrase string
	Logger     *zerolog.Logger
	// Adapters replaces the AWS and GCP adapters.
	Adapters func(creds cloud.CredentialStore, gate *cloud.Gate) []cloud.Adapter
	// Classifier replaces the configured LLM client.
	Classifier intent.Classifier
}

// Engine is the central coordinator for all SafeOps subsystems.
type Engine struct {
	Config      config.Config
	MetadataDB  *sql.DB
	AuditDB     *sql.DB
	Intents     *store.IntentStore
	Connections *store.ConnectionStore
	AuditStore  *store.AuditStore
	Vault       *vault.Vault
	Audit       *audit.Recorder
	Gate        *cloud.Gate
	Registry    *cloud.Registry
	Normalizer  *intent.Normalizer
	Validator   *intent.Validator
	Dispatcher  *journey.Dispatcher
	Logger      zerolog.Logger
}

// Open creates the data directory if needed, opens both databases, unlocks
// the vault and builds the adapters and journey.
func Open(ctx context.Context, cfg config.Config, opts Options) (*Engine, error) {
	logger := logging.NewLogger(cfg.LogLevel)
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	if err := db.EnsureDataDir(cfg.DataDir); err != nil {
		return nil, err
	}

	key, err := vaultKey(cfg, opts.Passphrase)
	if err != nil {
		return nil, err
	}
	c, err := vault.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating vault cipher: %w", err)
	}
	if err := vault.VerifyOrSeal(c, filepath.Join(cfg.DataDir, CheckFileName)); err != nil {
		return nil, err
	}

	metaDB, err := db.OpenMetadataDB(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening metadata database: %w", err)
	}
	auditDB, err := db.OpenAuditDB(cfg.DataDir)
	if err != nil {
		metaDB.Close()
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	e := &Engine{
		Config:      cfg,
		MetadataDB:  metaDB,
		AuditDB:     auditDB,
		Intents:     store.NewIntentStore(metaDB),
		Connections: store.NewConnectionStore(metaDB),
		AuditStore:  store.NewAuditStore(auditDB),
		Gate:        cloud.NewGate(cfg.ReadOnly),
		Logger:      logger,
	}
	e.Vault = vault.New(c, e.Connections, logger)

	e.Audit, err = audit.NewRecorder(ctx, e.AuditStore, logger)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("creating audit recorder: %w", err)
	}

	var adapters []cloud.Adapter
	if opts.Adapters != nil {
		adapters = opts.Adapters(e.Vault, e.Gate)
	} else {
		adapters = defaultAdapters(cfg, e.Vault, e.Gate, logger)
	}
	e.Registry = cloud.NewRegistry(adapters...)

	classifier := opts.Classifier
	if classifier == nil && cfg.LLM.Endpoint != "" {
		classifier = llm.New(llm.Options{
			Endpoint: cfg.LLM.Endpoint,
			Model:    cfg.LLM.Model,
			APIKey:   cfg.LLM.APIKey,
			Timeout:  cfg.LLM.Timeout(),
		}, logger)
	}
	e.Normalizer = intent.NewNormalizer(e.Intents, classifier, logger)
	e.Validator = intent.NewValidator(e.Intents, logger)
	e.Dispatcher = journey.NewDispatcher(journey.Deps{
		Store:      e.Intents,
		Normalizer: e.Normalizer,
		Validator:  e.Validator,
		Registry:   e.Registry,
		Audit:      e.Audit,
		Logger:     logger,
	})

	logger.Info().
		Str("data_dir", cfg.DataDir).
		Bool("read_only", cfg.ReadOnly).
		Bool("llm", classifier != nil).
		Int("adapters", len(adapters)).
		Msg("engine ready")
	return e, nil
}

func defaultAdapters(cfg config.Config, v *vault.Vault, gate *cloud.Gate, logger zerolog.Logger) []cloud.Adapter {
	return []cloud.Adapter{
		awsadapter.New(v, gate, logger, awsadapter.Options{
			Region:   cfg.AWS.Region,
			LogGroup: cfg.AWS.LogGroup,
			Timeout:  cfg.ProviderTimeout(),
			CacheTTL: responseCacheTTL,
		}),
		gcpadapter.New(v, gate, logger, gcpadapter.Options{
			ProjectID:    cfg.GCP.ProjectID,
			Region:       cfg.GCP.Region,
			Zone:         cfg.GCP.Zone,
			ClientID:     cfg.GCP.ClientID,
			ClientSecret: cfg.GCP.ClientSecret,
			Timeout:      cfg.ProviderTimeout(),
			CacheTTL:     responseCacheTTL,
		}),
	}
}

// vaultKey uses the configured hex key, or stretches the passphrase with the
// install salt.
func vaultKey(cfg config.Config, passphrase string) ([]byte, error) {
	if cfg.EncryptionKey != "" {
		return vault.ParseKey(cfg.EncryptionKey)
	}
	if passphrase == "" {
		return nil, ErrNoVaultKey
	}
	salt, err := vault.LoadOrCreateSalt(filepath.Join(cfg.DataDir, SaltFileName))
	if err != nil {
		return nil, err
	}
	return vault.DeriveKey(passphrase, salt), nil
}

// VerifyAudit walks the audit hash chain.
func (e *Engine) VerifyAudit(ctx context.Context) (int, error) {
	return audit.Verify(ctx, e.AuditStore)
}

// Close cleanly shuts down all engine resources.
func (e *Engine) Close() error {
	var firstErr error
	if e.MetadataDB != nil {
		if err := e.MetadataDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.AuditDB != nil {
		if err := e.AuditDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
