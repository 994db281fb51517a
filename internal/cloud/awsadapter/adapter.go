// Package awsadapter implements the AWS variant of the cloud adapter on top of
// the AWS SDK v2, with per-service rate limiting, response caching for
// read-only calls and a per-call timeout.
package awsadapter

import (
	"context"
	"errors"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"
	"github.com/safeops-dev/safeops/internal/cloud"
	"github.com/safeops-dev/safeops/internal/core"
)

// EC2API is the subset of the EC2 client the adapter uses.
type EC2API interface {
	ec2.DescribeInstancesAPIClient
	StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
}

// LambdaAPI is the subset of the Lambda client the adapter uses.
type LambdaAPI interface {
	lambda.ListFunctionsAPIClient
}

// CostExplorerAPI is the subset of the Cost Explorer client the adapter uses.
type CostExplorerAPI interface {
	GetCostAndUsage(ctx context.Context, params *costexplorer.GetCostAndUsageInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetCostAndUsageOutput, error)
}

// STSAPI is the subset of the STS client the adapter uses.
type STSAPI interface {
	stscreds.AssumeRoleAPIClient
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// LogsAPI is the subset of the CloudWatch Logs client the adapter uses.
type LogsAPI interface {
	FilterLogEvents(ctx context.Context, params *cloudwatchlogs.FilterLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error)
}

// Clients bundles the service clients built for one resolved configuration.
type Clients struct {
	EC2          EC2API
	Lambda       LambdaAPI
	CostExplorer CostExplorerAPI
	STS          STSAPI
	Logs         LogsAPI
}

// ClientFactory builds service clients from a resolved configuration.
type ClientFactory func(cfg aws.Config) Clients

// costExplorerRegion is the only region Cost Explorer is served from.
const costExplorerRegion = "us-east-1"

// SDKClients builds real SDK clients.
func SDKClients(cfg aws.Config) Clients {
	ceCfg := cfg.Copy()
	ceCfg.Region = costExplorerRegion
	return Clients{
		EC2:          ec2.NewFromConfig(cfg),
		Lambda:       lambda.NewFromConfig(cfg),
		CostExplorer: costexplorer.NewFromConfig(ceCfg),
		STS:          sts.NewFromConfig(cfg),
		Logs:         cloudwatchlogs.NewFromConfig(cfg),
	}
}

// Options tunes the adapter.
type Options struct {
	Region     string
	LogGroup   string
	Timeout    time.Duration
	RatePerSec int
	CacheTTL   time.Duration
	Clients    ClientFactory
	// Getenv reads ambient credentials; defaults to os.Getenv.
	Getenv func(string) string
}

// Adapter is the AWS cloud adapter.
type Adapter struct {
	creds   cloud.CredentialSource
	gate    *cloud.Gate
	opts    Options
	logger  zerolog.Logger
	limiter *cloud.RateLimiter
	cache   *cloud.ResponseCache
	now     func() time.Time

	mu    sync.Mutex
	roles map[string]*aws.CredentialsCache
}

// New creates an AWS adapter.
func New(creds cloud.CredentialSource, gate *cloud.Gate, logger zerolog.Logger, opts Options) *Adapter {
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 10
	}
	if opts.Clients == nil {
		opts.Clients = SDKClients
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	return &Adapter{
		creds:   creds,
		gate:    gate,
		opts:    opts,
		logger:  logger.With().Str("component", "aws").Logger(),
		limiter: cloud.NewRateLimiter(opts.RatePerSec),
		cache:   cloud.NewResponseCache(opts.CacheTTL),
		now:     time.Now,
		roles:   make(map[string]*aws.CredentialsCache),
	}
}

func (a *Adapter) Provider() core.Provider { return core.ProviderAWS }

// Cache returns the response cache for manual invalidation.
func (a *Adapter) Cache() *cloud.ResponseCache { return a.cache }

var errNoCredentials = errors.New("no AWS credentials available")

// session is a resolved configuration and where its credentials came from.
type session struct {
	cfg    aws.Config
	source string
	// key identifies the credential for cache partitioning.
	key string
}

func (a *Adapter) awsConfig(region string, provider aws.CredentialsProvider) aws.Config {
	return aws.Config{
		Region:           region,
		Credentials:      provider,
		RetryMaxAttempts: 5,
	}
}

// resolve applies the credential chain: vaulted keys, then an assumed role
// named in the vault, then ambient environment keys.
func (a *Adapter) resolve(ctx context.Context, userID string) (session, error) {
	stored, err := a.creds.GetConnection(ctx, userID, core.ProviderAWS)
	if err != nil {
		return session{}, cloud.NewError(cloud.KindProviderUnavailable, core.ProviderAWS, "resolve credentials", err)
	}

	region := cloud.StringParam(stored, "region")
	if region == "" {
		region = a.opts.Region
	}

	accessKey := cloud.StringParam(stored, "accessKeyId", "access_key_id", "access_key", "AccessKeyId")
	secretKey := cloud.StringParam(stored, "secretAccessKey", "secret_access_key", "secret_key", "SecretAccessKey")
	if accessKey != "" && secretKey != "" {
		token := cloud.StringParam(stored, "sessionToken", "session_token", "SessionToken")
		return session{
			cfg:    a.awsConfig(region, credentials.NewStaticCredentialsProvider(accessKey, secretKey, token)),
			source: cloud.SourceVault,
			key:    accessKey,
		}, nil
	}

	base, haveBase := a.ambient(region)

	if roleArn := cloud.StringParam(stored, "roleArn", "role_arn", "RoleArn"); roleArn != "" {
		if !haveBase {
			return session{}, cloud.NewError(cloud.KindAuthFailed, core.ProviderAWS, "assume role", errNoCredentials)
		}
		externalID := cloud.StringParam(stored, "externalId", "external_id")
		return session{
			cfg:    a.awsConfig(region, a.assumedRole(userID, roleArn, externalID, base)),
			source: cloud.SourceFederated,
			key:    roleArn,
		}, nil
	}

	if !haveBase {
		return session{}, cloud.NewError(cloud.KindAuthFailed, core.ProviderAWS, "resolve credentials", errNoCredentials)
	}
	return session{cfg: base, source: cloud.SourceAmbient, key: "ambient"}, nil
}

func (a *Adapter) ambient(region string) (aws.Config, bool) {
	ak := a.opts.Getenv("AWS_ACCESS_KEY_ID")
	sk := a.opts.Getenv("AWS_SECRET_ACCESS_KEY")
	if ak == "" || sk == "" {
		return aws.Config{}, false
	}
	provider := credentials.NewStaticCredentialsProvider(ak, sk, a.opts.Getenv("AWS_SESSION_TOKEN"))
	return a.awsConfig(region, provider), true
}

// assumedRole returns a cached provider that assumes roleArn with the base
// credentials and refreshes itself before the session expires.
func (a *Adapter) assumedRole(userID, roleArn, externalID string, base aws.Config) aws.CredentialsProvider {
	key := userID + "|" + roleArn
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.roles[key]; ok {
		return p
	}

	stsClient := a.opts.Clients(base).STS
	p := aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(stsClient, roleArn, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = sessionName(userID)
		if externalID != "" {
			o.ExternalID = aws.String(externalID)
		}
	}))
	a.roles[key] = p
	a.logger.Info().Str("user_id", userID).Str("role_arn", roleArn).Msg("using assumed role credentials")
	return p
}

var sessionNameInvalid = regexp.MustCompile(`[^\w+=,.@-]`)

// sessionName builds SafeOpsSession_<user>, trimmed to what STS accepts.
func sessionName(userID string) string {
	name := "SafeOpsSession_" + sessionNameInvalid.ReplaceAllString(userID, "-")
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

func (a *Adapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.opts.Timeout)
}

// logAPICall records an API call to the structured logger.
func (a *Adapter) logAPICall(service, operation, userID string, err error) {
	ev := a.logger.Debug()
	if err != nil {
		ev = a.logger.Warn().Err(err)
	}
	ev.Str("service", service).Str("operation", operation).Str("user_id", userID).Msg("aws api call")
}
