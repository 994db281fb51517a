package awsadapter

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	cetypes "github.com/aws/aws-sdk-go-v2/service/costexplorer/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"golang.org/x/sync/errgroup"

	"github.com/safeops-dev/safeops/internal/cloud"
	"github.com/safeops-dev/safeops/internal/core"
)

// GetBilling returns month-to-date unblended cost grouped by service.
func (a *Adapter) GetBilling(ctx context.Context, userID string) (*cloud.Billing, error) {
	const op = "GetBilling"
	sess, err := a.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	cacheKey := "billing:" + userID + ":" + sess.key
	if cached, ok := a.cache.Get(cacheKey); ok {
		return cached.(*cloud.Billing), nil
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	if err := a.limiter.Wait(ctx, "ce"); err != nil {
		return nil, classify(op, err)
	}

	now := a.now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := now.AddDate(0, 0, 1)

	out, err := a.opts.Clients(sess.cfg).CostExplorer.GetCostAndUsage(ctx, &costexplorer.GetCostAndUsageInput{
		TimePeriod: &cetypes.DateInterval{
			Start: aws.String(start.Format(time.DateOnly)),
			End:   aws.String(end.Format(time.DateOnly)),
		},
		Granularity: cetypes.GranularityMonthly,
		Metrics:     []string{"UnblendedCost"},
		GroupBy: []cetypes.GroupDefinition{
			{Type: cetypes.GroupDefinitionTypeDimension, Key: aws.String("SERVICE")},
		},
	})
	a.logAPICall("ce", "GetCostAndUsage", userID, err)
	if err != nil {
		return nil, classify(op, err)
	}

	billing := &cloud.Billing{
		Provider:    core.ProviderAWS,
		PeriodStart: start.Format(time.DateOnly),
		PeriodEnd:   end.Format(time.DateOnly),
		Currency:    "USD",
	}
	byService := make(map[string]float64)
	for _, r := range out.ResultsByTime {
		for _, g := range r.Groups {
			m, ok := g.Metrics["UnblendedCost"]
			if !ok || len(g.Keys) == 0 {
				continue
			}
			amount, _ := strconv.ParseFloat(aws.ToString(m.Amount), 64)
			if unit := aws.ToString(m.Unit); unit != "" {
				billing.Currency = unit
			}
			byService[g.Keys[0]] += amount
		}
	}
	for svc, amount := range byService {
		billing.Services = append(billing.Services, cloud.ServiceCost{Service: svc, Amount: amount})
		billing.Total += amount
	}
	sort.Slice(billing.Services, func(i, j int) bool {
		if billing.Services[i].Amount != billing.Services[j].Amount {
			return billing.Services[i].Amount > billing.Services[j].Amount
		}
		return billing.Services[i].Service < billing.Services[j].Service
	})

	a.cache.Put(cacheKey, billing)
	return billing, nil
}

// ListResources lists Lambda functions and EC2 instances concurrently and
// joins them into one inventory.
func (a *Adapter) ListResources(ctx context.Context, userID string) (*cloud.ResourceList, error) {
	const op = "ListResources"
	sess, err := a.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	cacheKey := "resources:" + userID + ":" + sess.key + ":" + sess.cfg.Region
	if cached, ok := a.cache.Get(cacheKey); ok {
		return cached.(*cloud.ResourceList), nil
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	clients := a.opts.Clients(sess.cfg)
	var functions, instances []cloud.Resource
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		functions, err = a.listFunctions(gctx, clients.Lambda, sess.cfg.Region, userID)
		return err
	})
	g.Go(func() error {
		var err error
		instances, err = a.listInstances(gctx, clients.EC2, sess.cfg.Region, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, classify(op, err)
	}

	list := &cloud.ResourceList{
		Provider:  core.ProviderAWS,
		Resources: append(functions, instances...),
	}
	if list.Resources == nil {
		list.Resources = []cloud.Resource{}
	}
	a.cache.Put(cacheKey, list)
	return list, nil
}

func (a *Adapter) listFunctions(ctx context.Context, client LambdaAPI, region, userID string) ([]cloud.Resource, error) {
	var out []cloud.Resource
	paginator := lambda.NewListFunctionsPaginator(client, &lambda.ListFunctionsInput{})
	for paginator.HasMorePages() {
		if err := a.limiter.Wait(ctx, "lambda"); err != nil {
			return nil, err
		}
		page, err := paginator.NextPage(ctx)
		a.logAPICall("lambda", "ListFunctions", userID, err)
		if err != nil {
			return nil, fmt.Errorf("ListFunctions: %w", err)
		}
		for _, fn := range page.Functions {
			details := map[string]string{
				"runtime":      string(fn.Runtime),
				"lastModified": aws.ToString(fn.LastModified),
			}
			if fn.MemorySize != nil {
				details["memorySize"] = strconv.Itoa(int(*fn.MemorySize))
			}
			out = append(out, cloud.Resource{
				ID:       aws.ToString(fn.FunctionArn),
				Name:     aws.ToString(fn.FunctionName),
				Type:     "lambda-function",
				State:    string(fn.State),
				Region:   region,
				Provider: core.ProviderAWS,
				Details:  details,
			})
		}
	}
	return out, nil
}

func (a *Adapter) listInstances(ctx context.Context, client EC2API, region, userID string) ([]cloud.Resource, error) {
	var out []cloud.Resource
	paginator := ec2.NewDescribeInstancesPaginator(client, &ec2.DescribeInstancesInput{})
	for paginator.HasMorePages() {
		if err := a.limiter.Wait(ctx, "ec2"); err != nil {
			return nil, err
		}
		page, err := paginator.NextPage(ctx)
		a.logAPICall("ec2", "DescribeInstances", userID, err)
		if err != nil {
			return nil, fmt.Errorf("DescribeInstances: %w", err)
		}
		for _, r := range page.Reservations {
			for _, i := range r.Instances {
				name := ""
				for _, t := range i.Tags {
					if aws.ToString(t.Key) == "Name" {
						name = aws.ToString(t.Value)
					}
				}
				state := ""
				if i.State != nil {
					state = string(i.State.Name)
				}
				details := map[string]string{
					"instanceType": string(i.InstanceType),
					"privateIp":    aws.ToString(i.PrivateIpAddress),
					"publicIp":     aws.ToString(i.PublicIpAddress),
				}
				if i.LaunchTime != nil {
					details["launchTime"] = i.LaunchTime.UTC().Format(time.RFC3339)
				}
				out = append(out, cloud.Resource{
					ID:       aws.ToString(i.InstanceId),
					Name:     name,
					Type:     "ec2-instance",
					State:    state,
					Region:   region,
					Provider: core.ProviderAWS,
					Details:  details,
				})
			}
		}
	}
	return out, nil
}

// ExecuteAction runs a mutating action. The read-only gate is consulted
// before credentials are resolved or any client is built.
func (a *Adapter) ExecuteAction(ctx context.Context, action string, params map[string]any, userID string) (*cloud.ActionResult, error) {
	if err := a.gate.Check(core.ProviderAWS, action); err != nil {
		a.logger.Warn().Str("user_id", userID).Str("action", action).Msg("action blocked by read-only mode")
		return nil, err
	}
	if action != core.ActionStopResource {
		return nil, fmt.Errorf("%w: %s", cloud.ErrUnsupportedAction, action)
	}

	instanceID := cloud.StringParam(params, "resourceId", "instanceId")
	if instanceID == "" {
		if name := cloud.StringParam(params, "resourceName"); strings.HasPrefix(name, "i-") {
			instanceID = name
		}
	}
	if instanceID == "" {
		return nil, cloud.ErrMissingResource
	}

	const op = "StopInstances"
	sess, err := a.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	if err := a.limiter.Wait(ctx, "ec2"); err != nil {
		return nil, classify(op, err)
	}

	out, err := a.opts.Clients(sess.cfg).EC2.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{instanceID},
	})
	a.logAPICall("ec2", op, userID, err)
	if err != nil {
		return nil, classify(op, err)
	}

	status := "stopping"
	for _, change := range out.StoppingInstances {
		if aws.ToString(change.InstanceId) == instanceID && change.CurrentState != nil {
			status = string(change.CurrentState.Name)
		}
	}

	a.cache.Clear("resources:" + userID + ":")
	a.logger.Info().Str("user_id", userID).Str("instance_id", instanceID).Str("state", status).Msg("instance stop requested")
	return &cloud.ActionResult{
		Provider:   core.ProviderAWS,
		Action:     action,
		ResourceID: instanceID,
		Status:     status,
	}, nil
}

// CheckHealth performs sts:GetCallerIdentity with the resolved credentials.
func (a *Adapter) CheckHealth(ctx context.Context, userID string) (*cloud.Health, error) {
	const op = "GetCallerIdentity"
	sess, err := a.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	if err := a.limiter.Wait(ctx, "sts"); err != nil {
		return nil, classify(op, err)
	}

	out, err := a.opts.Clients(sess.cfg).STS.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	a.logAPICall("sts", op, userID, err)
	if err != nil {
		return nil, classify(op, err)
	}

	return &cloud.Health{
		Provider:  core.ProviderAWS,
		Healthy:   true,
		Identity:  aws.ToString(out.Arn),
		Source:    sess.source,
		Message:   "account " + aws.ToString(out.Account),
		CheckedAt: a.now().UTC(),
	}, nil
}

// TraceLogs returns the latest events of the configured log group from the
// past hour. Without a configured group there is nothing to trace.
func (a *Adapter) TraceLogs(ctx context.Context, userID string, limit int) ([]cloud.LogEntry, error) {
	const op = "FilterLogEvents"
	if a.opts.LogGroup == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	sess, err := a.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	if err := a.limiter.Wait(ctx, "logs"); err != nil {
		return nil, classify(op, err)
	}

	out, err := a.opts.Clients(sess.cfg).Logs.FilterLogEvents(ctx, &cloudwatchlogs.FilterLogEventsInput{
		LogGroupName: aws.String(a.opts.LogGroup),
		StartTime:    aws.Int64(a.now().Add(-time.Hour).UnixMilli()),
		Limit:        aws.Int32(int32(limit)),
	})
	a.logAPICall("logs", op, userID, err)
	if err != nil {
		return nil, classify(op, err)
	}

	entries := make([]cloud.LogEntry, 0, len(out.Events))
	for _, ev := range out.Events {
		var ts time.Time
		if ev.Timestamp != nil {
			ts = time.UnixMilli(*ev.Timestamp).UTC()
		}
		entries = append(entries, cloud.LogEntry{
			Timestamp: ts,
			Source:    a.opts.LogGroup + "/" + aws.ToString(ev.LogStreamName),
			Message:   aws.ToString(ev.Message),
		})
	}
	return entries, nil
}
