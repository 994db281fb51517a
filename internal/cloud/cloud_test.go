package cloud

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/safeops-dev/safeops/internal/core"
)

func TestReadOnlyExecuteMakesNoProviderCalls(t *testing.T) {
	f := NewFake(core.ProviderAWS, NewGate(true))

	_, err := f.ExecuteAction(context.Background(), core.ActionStopResource, map[string]any{"resourceId": "i-1"}, "u1")
	if !IsKind(err, KindActionBlocked) {
		t.Fatalf("expected ActionBlocked, got %v", err)
	}
	if f.TotalCalls() != 0 {
		t.Fatalf("expected zero provider calls, got %d", f.TotalCalls())
	}
}

func TestNilGateIsClosed(t *testing.T) {
	var g *Gate
	if !g.ReadOnly() {
		t.Fatal("nil gate must be read-only")
	}
	if err := g.Check(core.ProviderGCP, "STOP_RESOURCE"); !IsKind(err, KindActionBlocked) {
		t.Fatalf("expected ActionBlocked, got %v", err)
	}
}

func TestGateOpen(t *testing.T) {
	g := NewGate(true)
	g.SetReadOnly(false)
	f := NewFake(core.ProviderAWS, g)

	res, err := f.ExecuteAction(context.Background(), core.ActionStopResource, map[string]any{"resourceId": "i-1"}, "u1")
	if err != nil {
		t.Fatalf("ExecuteAction: %v", err)
	}
	if res.ResourceID != "i-1" || f.Calls("ExecuteAction") != 1 {
		t.Errorf("unexpected result %+v calls=%d", res, f.Calls("ExecuteAction"))
	}

	if _, err := f.ExecuteAction(context.Background(), "REBOOT_RESOURCE", nil, "u1"); !errors.Is(err, ErrUnsupportedAction) {
		t.Errorf("expected ErrUnsupportedAction, got %v", err)
	}
}

func TestErrorHidesCause(t *testing.T) {
	cause := errors.New("InvalidClientTokenId: The security token AKIAEXAMPLE is invalid")
	err := NewError(KindAuthFailed, core.ProviderAWS, "GetBilling", cause)

	if strings.Contains(err.Error(), "AKIAEXAMPLE") {
		t.Fatalf("provider detail leaked: %s", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("cause should remain reachable through Unwrap")
	}

	wrapped := errors.Join(errors.New("ctx"), err)
	if KindOf(wrapped) != KindAuthFailed {
		t.Errorf("KindOf through wrap = %q", KindOf(wrapped))
	}
	if KindOf(cause) != "" {
		t.Error("unclassified error should have empty kind")
	}
}

func TestRegistryResolve(t *testing.T) {
	aws := NewFake(core.ProviderAWS, nil)
	gcp := NewFake(core.ProviderGCP, nil)
	r := NewRegistry(gcp, aws)

	all, _ := r.Resolve(core.ProviderMulti)
	if len(all) != 2 || all[0].Provider() != core.ProviderAWS {
		t.Fatalf("multi should return both adapters in order, got %d", len(all))
	}

	none, err := r.Resolve(core.ProviderNone)
	if err != nil || len(none) != 0 {
		t.Fatalf("none should resolve to no adapters, got %v %v", none, err)
	}

	one, _ := r.Resolve(core.ProviderGCP)
	if len(one) != 1 || one[0] != gcp {
		t.Fatal("expected the gcp adapter")
	}

	if _, err := NewRegistry(aws).Get(core.ProviderGCP); !errors.Is(err, ErrNoAdapter) {
		t.Errorf("expected ErrNoAdapter, got %v", err)
	}
}

func TestResponseCache(t *testing.T) {
	c := NewResponseCache(time.Minute)
	c.Put("aws:billing:u1", 1)
	c.Put("aws:resources:u1", 2)
	c.Put("gcp:billing:u1", 3)

	if v, ok := c.Get("aws:billing:u1"); !ok || v != 1 {
		t.Fatalf("expected hit, got %v %v", v, ok)
	}
	if n := c.Clear("aws:"); n != 2 {
		t.Fatalf("expected 2 cleared, got %d", n)
	}
	if _, ok := c.Get("gcp:billing:u1"); !ok {
		t.Fatal("gcp entry should survive prefix clear")
	}
	if n := c.Clear(""); n != 1 {
		t.Fatalf("expected 1 cleared, got %d", n)
	}
}

func TestResponseCacheExpiry(t *testing.T) {
	c := NewResponseCache(time.Millisecond)
	c.Put("k", "v")
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected expired entry to miss")
	}

	disabled := NewResponseCache(0)
	disabled.Put("k", "v")
	if _, ok := disabled.Get("k"); ok {
		t.Fatal("zero ttl cache should not store")
	}
}

func TestRateLimiterSpacesCalls(t *testing.T) {
	rl := NewRateLimiter(20) // 50ms apart
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := rl.Wait(ctx, "ec2"); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("expected at least ~100ms for 3 calls, got %v", elapsed)
	}

	// Different keys don't share a budget.
	start = time.Now()
	rl.Wait(ctx, "lambda")
	if time.Since(start) > 20*time.Millisecond {
		t.Error("independent key should not wait")
	}
}

func TestRateLimiterHonoursContext(t *testing.T) {
	rl := NewRateLimiter(1)
	rl.Wait(context.Background(), "sts")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rl.Wait(ctx, "sts"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
