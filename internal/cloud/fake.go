package cloud

import (
	"context"
	"sync"
	"time"

	"github.com/safeops-dev/safeops/internal/core"
)

// Fake is an in-process Adapter used for test wiring and dry runs. It
// honours the read-only gate exactly like the real variants and counts every
// call that would have reached a provider.
type Fake struct {
	provider core.Provider
	gate     *Gate

	mu      sync.Mutex
	calls   map[string]int
	Billing *Billing
	List    *ResourceList
	Logs    []LogEntry
	Err     error
	// Delay is slept inside ExecuteAction to widen race windows in tests.
	Delay time.Duration
}

// NewFake creates a fake adapter for provider behind gate.
func NewFake(provider core.Provider, gate *Gate) *Fake {
	return &Fake{
		provider: provider,
		gate:     gate,
		calls:    make(map[string]int),
		Billing:  &Billing{Provider: provider, Currency: "USD"},
		List:     &ResourceList{Provider: provider},
	}
}

func (f *Fake) Provider() core.Provider { return f.provider }

// Calls returns how many provider calls op has made.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// TotalCalls returns the number of provider calls across all ops.
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *Fake) hit(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.Err
}

func (f *Fake) GetBilling(ctx context.Context, userID string) (*Billing, error) {
	if err := f.hit("GetBilling"); err != nil {
		return nil, err
	}
	return f.Billing, nil
}

func (f *Fake) ListResources(ctx context.Context, userID string) (*ResourceList, error) {
	if err := f.hit("ListResources"); err != nil {
		return nil, err
	}
	return f.List, nil
}

func (f *Fake) ExecuteAction(ctx context.Context, action string, params map[string]any, userID string) (*ActionResult, error) {
	if err := f.gate.Check(f.provider, action); err != nil {
		return nil, err
	}
	if action != core.ActionStopResource {
		return nil, ErrUnsupportedAction
	}
	if f.Delay > 0 {
		time.Sleep(f.Delay)
	}
	if err := f.hit("ExecuteAction"); err != nil {
		return nil, err
	}
	return &ActionResult{
		Provider:   f.provider,
		Action:     action,
		ResourceID: StringParam(params, "resourceId", "resourceName"),
		Status:     "STOPPING",
	}, nil
}

func (f *Fake) CheckHealth(ctx context.Context, userID string) (*Health, error) {
	if err := f.hit("CheckHealth"); err != nil {
		return nil, err
	}
	return &Health{Provider: f.provider, Healthy: true, Identity: "fake:" + userID, Source: SourceAmbient, CheckedAt: time.Now().UTC()}, nil
}

func (f *Fake) TraceLogs(ctx context.Context, userID string, limit int) ([]LogEntry, error) {
	if err := f.hit("TraceLogs"); err != nil {
		return nil, err
	}
	if limit > 0 && len(f.Logs) > limit {
		return f.Logs[:limit], nil
	}
	return f.Logs, nil
}
