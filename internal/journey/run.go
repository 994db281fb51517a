package journey

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/safeops-dev/safeops/internal/cloud"
	"github.com/safeops-dev/safeops/internal/core"
)

var (
	errNoProvider        = errors.New("no provider to run against")
	errAmbiguousProvider = errors.New("stopping a resource needs a single aws or gcp provider")
)

// ProviderResult is one adapter's share of an intent's result.
type ProviderResult struct {
	Provider core.Provider `json:"provider"`
	Data     any           `json:"data,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Connectivity is the result of a GET_CONNECTIVITY action.
type Connectivity struct {
	Health *cloud.Health     `json:"health"`
	Logs   []cloud.LogEntry `json:"logs,omitempty"`
}

type readOp func(ctx context.Context, a cloud.Adapter, userID string) (any, error)

// run dispatches the intent's action. Read actions fan out to every adapter
// the provider resolves to and fail only when all of them do.
func (d *Dispatcher) run(ctx context.Context, in *core.Intent) ([]ProviderResult, error) {
	if in.Action == core.ActionStopResource {
		return d.stop(ctx, in)
	}

	op, err := d.readOp(in.Action)
	if err != nil {
		return nil, err
	}
	adapters, err := d.registry.Resolve(in.Provider)
	if err != nil {
		return nil, err
	}
	if len(adapters) == 0 {
		return nil, fmt.Errorf("%w: %s", errNoProvider, in.Provider)
	}

	results := make([]ProviderResult, len(adapters))
	errs := make([]error, len(adapters))
	var g errgroup.Group
	for i, a := range adapters {
		g.Go(func() error {
			results[i].Provider = a.Provider()
			data, err := op(ctx, a, in.UserID)
			if err != nil {
				results[i].Error = err.Error()
				errs[i] = err
				return nil
			}
			results[i].Data = data
			return nil
		})
	}
	g.Wait()

	var first error
	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			if first == nil {
				first = err
			}
		}
	}
	if failed == len(adapters) {
		return nil, first
	}
	return results, nil
}

func (d *Dispatcher) readOp(action string) (readOp, error) {
	switch action {
	case core.ActionGetBilling:
		return func(ctx context.Context, a cloud.Adapter, userID string) (any, error) {
			return a.GetBilling(ctx, userID)
		}, nil
	case core.ActionListResources:
		return func(ctx context.Context, a cloud.Adapter, userID string) (any, error) {
			return a.ListResources(ctx, userID)
		}, nil
	case core.ActionGetConnectivity:
		return d.connectivity, nil
	}
	return nil, fmt.Errorf("%w: %s", cloud.ErrUnsupportedAction, action)
}

// connectivity probes credentials and, where supported, pulls recent logs.
// A log failure does not fail the probe.
func (d *Dispatcher) connectivity(ctx context.Context, a cloud.Adapter, userID string) (any, error) {
	health, err := a.CheckHealth(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := &Connectivity{Health: health}
	if lt, ok := a.(cloud.LogTracer); ok {
		logs, err := lt.TraceLogs(ctx, userID, d.logLimit)
		if err != nil {
			d.logger.Warn().Err(err).Str("provider", string(a.Provider())).Msg("log trace unavailable")
		}
		out.Logs = logs
	}
	return out, nil
}

// stop runs STOP_RESOURCE against exactly one adapter. The target provider
// comes from the intent, or from parameters.provider for multi intents.
func (d *Dispatcher) stop(ctx context.Context, in *core.Intent) ([]ProviderResult, error) {
	p := in.Provider
	if !p.Connectable() {
		p = core.Provider(cloud.StringParam(in.Parameters, "provider"))
	}
	if !p.Connectable() {
		return nil, errAmbiguousProvider
	}
	a, err := d.registry.Get(p)
	if err != nil {
		return nil, err
	}
	res, err := a.ExecuteAction(ctx, core.ActionStopResource, in.Parameters, in.UserID)
	if err != nil {
		return nil, err
	}
	return []ProviderResult{{Provider: p, Data: res}}, nil
}
