package gcpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/safeops-dev/safeops/internal/cloud"
	"github.com/safeops-dev/safeops/internal/core"
)

const (
	maxScaleAnnotation = "autoscaling.knative.dev/maxScale"
	minScaleAnnotation = "autoscaling.knative.dev/minScale"
)

// do sends a JSON request and decodes a JSON response into out (if non-nil).
func (a *Adapter) do(ctx context.Context, sess *session, service, op, method, rawURL string, body, out any) error {
	if err := a.limiter.Wait(ctx, service); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("building %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := sess.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{Code: resp.StatusCode, Body: string(msg)}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", op, err)
	}
	return nil
}

type billingAccountsResponse struct {
	BillingAccounts []struct {
		Name        string `json:"name"`
		DisplayName string `json:"displayName"`
		Open        bool   `json:"open"`
	} `json:"billingAccounts"`
}

type projectBillingInfo struct {
	BillingAccountName string `json:"billingAccountName"`
	BillingEnabled     bool   `json:"billingEnabled"`
}

// GetBilling reports the billing accounts visible to the caller and checks
// that billing is enabled on the project. Spend figures require a BigQuery
// billing export and are not reported.
func (a *Adapter) GetBilling(ctx context.Context, userID string) (*cloud.Billing, error) {
	const op = "GetBilling"
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	sess, err := a.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	cacheKey := "billing:" + userID + ":" + sess.projectID
	if cached, ok := a.cache.Get(cacheKey); ok {
		return cached.(*cloud.Billing), nil
	}

	if sess.projectID != "" {
		var info projectBillingInfo
		u := a.opts.Endpoints.Billing + "/v1/projects/" + url.PathEscape(sess.projectID) + "/billingInfo"
		err := a.do(ctx, sess, "billing", "GetBillingInfo", http.MethodGet, u, nil, &info)
		a.logAPICall("billing", "GetBillingInfo", userID, err)
		if err != nil {
			return nil, classify(op, err)
		}
		if !info.BillingEnabled {
			return nil, cloud.NewError(cloud.KindBillingDisabled, core.ProviderGCP, op, nil)
		}
	}

	var accounts billingAccountsResponse
	err = a.do(ctx, sess, "billing", "ListBillingAccounts", http.MethodGet, a.opts.Endpoints.Billing+"/v1/billingAccounts", nil, &accounts)
	a.logAPICall("billing", "ListBillingAccounts", userID, err)
	if err != nil {
		return nil, classify(op, err)
	}
	if len(accounts.BillingAccounts) == 0 {
		return nil, cloud.NewError(cloud.KindBillingDisabled, core.ProviderGCP, op, nil)
	}

	now := a.now().UTC()
	billing := &cloud.Billing{
		Provider:    core.ProviderGCP,
		PeriodStart: time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).Format(time.DateOnly),
		PeriodEnd:   now.Format(time.DateOnly),
		Currency:    "USD",
	}
	for _, acct := range accounts.BillingAccounts {
		billing.Accounts = append(billing.Accounts, cloud.BillingAccount{
			Name:        acct.Name,
			DisplayName: acct.DisplayName,
			Open:        acct.Open,
		})
	}

	a.cache.Put(cacheKey, billing)
	return billing, nil
}

type runServiceList struct {
	Items []struct {
		Metadata struct {
			Name              string `json:"name"`
			UID               string `json:"uid"`
			CreationTimestamp string `json:"creationTimestamp"`
		} `json:"metadata"`
		Status struct {
			URL        string `json:"url"`
			Conditions []struct {
				Type   string `json:"type"`
				Status string `json:"status"`
			} `json:"conditions"`
		} `json:"status"`
	} `json:"items"`
}

type computeInstanceList struct {
	Items []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Status      string `json:"status"`
		MachineType string `json:"machineType"`
	} `json:"items"`
}

// ListResources lists Cloud Run services and Compute instances concurrently.
func (a *Adapter) ListResources(ctx context.Context, userID string) (*cloud.ResourceList, error) {
	const op = "ListResources"
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	sess, err := a.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess.projectID == "" {
		return nil, cloud.NewError(cloud.KindAuthFailed, core.ProviderGCP, op, fmt.Errorf("no project id"))
	}

	region, zone := a.opts.Region, a.opts.Zone
	cacheKey := "resources:" + userID + ":" + sess.projectID + ":" + region
	if cached, ok := a.cache.Get(cacheKey); ok {
		return cached.(*cloud.ResourceList), nil
	}

	var services, instances []cloud.Resource
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var list runServiceList
		u := a.runBase(region) + "/apis/serving.knative.dev/v1/namespaces/" + url.PathEscape(sess.projectID) + "/services"
		err := a.do(gctx, sess, "run", "ListServices", http.MethodGet, u, nil, &list)
		a.logAPICall("run", "ListServices", userID, err)
		if err != nil {
			return err
		}
		for _, s := range list.Items {
			state := "stopped"
			for _, c := range s.Status.Conditions {
				if c.Type == "Ready" && c.Status == "True" {
					state = "running"
				}
			}
			services = append(services, cloud.Resource{
				ID:       s.Metadata.UID,
				Name:     s.Metadata.Name,
				Type:     "cloud-run",
				State:    state,
				Region:   region,
				Provider: core.ProviderGCP,
				Details:  map[string]string{"url": s.Status.URL, "created": s.Metadata.CreationTimestamp},
			})
		}
		return nil
	})
	g.Go(func() error {
		var list computeInstanceList
		u := a.opts.Endpoints.Compute + "/compute/v1/projects/" + url.PathEscape(sess.projectID) + "/zones/" + url.PathEscape(zone) + "/instances"
		err := a.do(gctx, sess, "compute", "ListInstances", http.MethodGet, u, nil, &list)
		a.logAPICall("compute", "ListInstances", userID, err)
		if err != nil {
			return err
		}
		for _, i := range list.Items {
			instances = append(instances, cloud.Resource{
				ID:       i.ID,
				Name:     i.Name,
				Type:     "compute-instance",
				State:    i.Status,
				Region:   zone,
				Provider: core.ProviderGCP,
				Details:  map[string]string{"machineType": lastSegment(i.MachineType)},
			})
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, classify(op, err)
	}

	all := append(services, instances...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Type < all[j].Type })
	list := &cloud.ResourceList{Provider: core.ProviderGCP, Resources: all}
	if list.Resources == nil {
		list.Resources = []cloud.Resource{}
	}
	a.cache.Put(cacheKey, list)
	return list, nil
}

// ExecuteAction stops a Compute instance, or scales a Cloud Run service to
// zero when params["type"] is "cloud-run". The read-only gate is consulted
// before credentials are resolved.
func (a *Adapter) ExecuteAction(ctx context.Context, action string, params map[string]any, userID string) (*cloud.ActionResult, error) {
	if err := a.gate.Check(core.ProviderGCP, action); err != nil {
		a.logger.Warn().Str("user_id", userID).Str("action", action).Msg("action blocked by read-only mode")
		return nil, err
	}
	if action != core.ActionStopResource {
		return nil, fmt.Errorf("%w: %s", cloud.ErrUnsupportedAction, action)
	}
	name := cloud.StringParam(params, "resourceName", "resourceId")
	if name == "" {
		return nil, cloud.ErrMissingResource
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	sess, err := a.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	var result *cloud.ActionResult
	if cloud.StringParam(params, "type") == "cloud-run" {
		region := cloud.StringParam(params, "region")
		if region == "" {
			region = a.opts.Region
		}
		result, err = a.scaleToZero(ctx, sess, userID, region, name)
	} else {
		zone := cloud.StringParam(params, "zone")
		if zone == "" {
			zone = a.opts.Zone
		}
		result, err = a.stopInstance(ctx, sess, userID, zone, name)
	}
	if err != nil {
		return nil, err
	}

	a.cache.Clear("resources:" + userID + ":")
	a.logger.Info().Str("user_id", userID).Str("resource", name).Str("status", result.Status).Msg("stop requested")
	return result, nil
}

func (a *Adapter) stopInstance(ctx context.Context, sess *session, userID, zone, name string) (*cloud.ActionResult, error) {
	const op = "StopInstance"
	var operation struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	u := a.opts.Endpoints.Compute + "/compute/v1/projects/" + url.PathEscape(sess.projectID) +
		"/zones/" + url.PathEscape(zone) + "/instances/" + url.PathEscape(name) + "/stop"
	err := a.do(ctx, sess, "compute", op, http.MethodPost, u, nil, &operation)
	a.logAPICall("compute", op, userID, err)
	if err != nil {
		return nil, classify(op, err)
	}
	return &cloud.ActionResult{
		Provider:   core.ProviderGCP,
		Action:     core.ActionStopResource,
		ResourceID: name,
		Status:     operation.Status,
		Message:    fmt.Sprintf("Resource %s termination sequence initiated on GCP", name),
	}, nil
}

// scaleToZero pins the service's min and max scale to zero.
func (a *Adapter) scaleToZero(ctx context.Context, sess *session, userID, region, name string) (*cloud.ActionResult, error) {
	const op = "ScaleToZero"
	u := a.runBase(region) + "/apis/serving.knative.dev/v1/namespaces/" + url.PathEscape(sess.projectID) + "/services/" + url.PathEscape(name)

	var svc map[string]any
	err := a.do(ctx, sess, "run", "GetService", http.MethodGet, u, nil, &svc)
	a.logAPICall("run", "GetService", userID, err)
	if err != nil {
		return nil, classify(op, err)
	}
	if svc == nil {
		return nil, classify(op, &statusError{Code: http.StatusNotFound})
	}

	annotations := nestedMap(svc, "spec", "template", "metadata", "annotations")
	annotations[maxScaleAnnotation] = "0"
	annotations[minScaleAnnotation] = "0"

	err = a.do(ctx, sess, "run", "ReplaceService", http.MethodPut, u, svc, nil)
	a.logAPICall("run", "ReplaceService", userID, err)
	if err != nil {
		return nil, classify(op, err)
	}
	return &cloud.ActionResult{
		Provider:   core.ProviderGCP,
		Action:     core.ActionStopResource,
		ResourceID: name,
		Status:     "stopped",
		Message:    fmt.Sprintf("Cloud Run service %s has been scaled to zero", name),
	}, nil
}

// CheckHealth obtains a token with the resolved credentials.
func (a *Adapter) CheckHealth(ctx context.Context, userID string) (*cloud.Health, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	sess, err := a.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	if _, err := sess.tokens.Token(); err != nil {
		return nil, classifyTokenError("token", err)
	}

	msg := ""
	if sess.projectID != "" {
		msg = "project " + sess.projectID
	}
	return &cloud.Health{
		Provider:  core.ProviderGCP,
		Healthy:   true,
		Identity:  sess.identity,
		Source:    sess.source,
		Message:   msg,
		CheckedAt: a.now().UTC(),
	}, nil
}

type logEntriesResponse struct {
	Entries []struct {
		LogName     string          `json:"logName"`
		Timestamp   time.Time       `json:"timestamp"`
		Severity    string          `json:"severity"`
		TextPayload string          `json:"textPayload"`
		JSONPayload json.RawMessage `json:"jsonPayload"`
	} `json:"entries"`
}

// TraceLogs returns the project's most recent log entries from the past hour.
func (a *Adapter) TraceLogs(ctx context.Context, userID string, limit int) ([]cloud.LogEntry, error) {
	const op = "ListLogEntries"
	if limit <= 0 {
		limit = 20
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	sess, err := a.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess.projectID == "" {
		return nil, nil
	}

	body := map[string]any{
		"resourceNames": []string{"projects/" + sess.projectID},
		"orderBy":       "timestamp desc",
		"pageSize":      limit,
		"filter":        fmt.Sprintf("timestamp>=%q", a.now().Add(-time.Hour).UTC().Format(time.RFC3339)),
	}
	var out logEntriesResponse
	err = a.do(ctx, sess, "logging", op, http.MethodPost, a.opts.Endpoints.Logging+"/v2/entries:list", body, &out)
	a.logAPICall("logging", op, userID, err)
	if err != nil {
		return nil, classify(op, err)
	}

	entries := make([]cloud.LogEntry, 0, len(out.Entries))
	for _, e := range out.Entries {
		msg := e.TextPayload
		if msg == "" && len(e.JSONPayload) > 0 {
			msg = string(e.JSONPayload)
		}
		entries = append(entries, cloud.LogEntry{
			Timestamp: e.Timestamp,
			Source:    lastSegment(e.LogName),
			Severity:  e.Severity,
			Message:   msg,
		})
	}
	return entries, nil
}

// nestedMap walks (and creates) nested objects along path.
func nestedMap(m map[string]any, path ...string) map[string]any {
	cur := m
	for _, k := range path {
		next, ok := cur[k].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[k] = next
		}
		cur = next
	}
	return cur
}

func lastSegment(s string) string {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return s[i+1:]
		}
	}
	return s
}
