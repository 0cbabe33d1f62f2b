package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgewire/ftl/internal/bundle"
	"github.com/forgewire/ftl/internal/config"
	"github.com/forgewire/ftl/internal/domain"
	"github.com/forgewire/ftl/internal/gatebuild"
	"github.com/forgewire/ftl/internal/gatelife"
	"github.com/forgewire/ftl/internal/inventory"
	"github.com/forgewire/ftl/internal/policy"
	"github.com/forgewire/ftl/internal/wire"
)

func TestOutcomeFromStdoutSuccess(t *testing.T) {
	out := outcomeFromStdout(`{"changed": true, "pong": true}`, "")
	require.True(t, out.success)
	assert.True(t, out.changed)
	assert.Equal(t, true, out.output["pong"])
}

func TestOutcomeFromStdoutFailed(t *testing.T) {
	out := outcomeFromStdout(`{"failed": true, "msg": "boom"}`, "")
	require.False(t, out.success)
	assert.Equal(t, "boom", out.errMsg)
}

func TestOutcomeFromStdoutStderrMismatch(t *testing.T) {
	out := outcomeFromStdout(`{"changed": false}`, "panic: nil pointer")
	require.False(t, out.success)
	assert.Contains(t, out.errMsg, "panic: nil pointer")
}

func TestOutcomeFromStdoutMalformed(t *testing.T) {
	out := outcomeFromStdout("not json", "")
	require.False(t, out.success)
	assert.Equal(t, "not json", out.errMsg)
}

func TestOutcomeFromMapRoundTrips(t *testing.T) {
	out := outcomeFromMap(map[string]any{"changed": true, "pong": true})
	require.True(t, out.success)
	assert.True(t, out.changed)
}

func newTestOrchestrator(t *testing.T, rules []policy.Rule) (*Orchestrator, *inventory.Inventory) {
	t.Helper()
	inv := &inventory.Inventory{
		Hosts: map[string]domain.HostSpec{
			"good-host": {Name: "good-host", Connection: domain.ConnectionLocal},
			"bad-host":  {Name: "bad-host", Connection: domain.ConnectionLocal},
		},
		Groups: map[string]domain.Group{
			"all": {Name: "all", Hosts: []string{"good-host", "bad-host"}},
		},
	}

	cfg := *config.DefaultConfig()
	cfg.Bundle.ModulesDir = "../../modules"
	cfg.Bundle.ModUtilRoots = []string{"../../modutil"}
	cfg.Orchestrator.AsyncModules = []string{"ping"}
	cfg.Orchestrator.FailFast = false
	cfg.Orchestrator.StagingDir = t.TempDir()
	cfg.Audit.Redact = true

	pol := policy.NewEngine(rules, "test")
	bundles := bundle.NewCache(t.TempDir())
	gates := gatebuild.NewCache(t.TempDir())
	life := gatelife.NewManager(gatelife.Config{}, gates)

	return New(cfg, inv, pol, bundles, gates, life), inv
}

func TestRunOnNeverCancelsOnOtherHostFailure(t *testing.T) {
	rules := []policy.Rule{
		{ID: "deny-bad-host", Effect: "deny", Reason: "blocked for test", Hosts: []string{"bad-host"}},
	}
	orch, _ := newTestOrchestrator(t, rules)

	results, err := orch.RunOn(context.Background(), domain.ModuleRequest{
		Module: "ping",
		Target: "all",
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	byHost := map[string]domain.ModuleResult{}
	for _, r := range results {
		byHost[r.Host] = r
	}

	assert.True(t, byHost["good-host"].Success)
	assert.False(t, byHost["bad-host"].Success)
	assert.Contains(t, byHost["bad-host"].Error, "deny-bad-host")
}

func TestExecuteReturnsAutomationFailedErrorOnFailFast(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil)
	orch.cfg.Orchestrator.FailFast = true

	// A module with no source fails at dispatch, which is the failure
	// FailFast turns into an AutomationFailedError.
	result, err := orch.Execute(context.Background(), "no-such-module", nil, false)
	require.Error(t, err)
	var afErr *AutomationFailedError
	require.ErrorAs(t, err, &afErr)
	assert.False(t, result.Success)
}

func TestAddHostMakesTargetResolvable(t *testing.T) {
	orch, inv := newTestOrchestrator(t, nil)

	require.NoError(t, orch.AddHost(domain.HostSpec{Name: "new-host", Connection: domain.ConnectionLocal}))

	_, ok := inv.Hosts["new-host"]
	assert.True(t, ok)

	hosts, err := orch.resolveTargetHosts("new-host")
	require.NoError(t, err)
	assert.Equal(t, []string{"new-host"}, hosts)
}

func TestRedactParamsScrubsHeadersAndSecretParams(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil)

	params := map[string]any{
		"url":          "https://example.com",
		"bearer_token": "super-secret",
		"headers": map[string]any{
			"Authorization": "Bearer xyz",
			"X-Request-Id":  "abc123",
		},
	}

	out := orch.redactParams("http", params)
	assert.Equal(t, redactedSentinel, out["bearer_token"])
	headers := out["headers"].(map[string]any)
	assert.Equal(t, redactedSentinel, headers["Authorization"])
	assert.Equal(t, "abc123", headers["X-Request-Id"])
	assert.Equal(t, "https://example.com", out["url"])
}

func TestIsTransientClassifiesConnectionErrors(t *testing.T) {
	assert.True(t, isTransient(&wire.ConnectionError{Err: context.DeadlineExceeded}))
	assert.True(t, isTransient(assertError("dial tcp: connect to host failed")))
	assert.False(t, isTransient(assertError("policy denied: rule deny-all")))
	assert.False(t, isTransient(nil))
}

type assertError string

func (e assertError) Error() string { return string(e) }

func TestWithRetryRetriesTransientThenSucceeds(t *testing.T) {
	attempts := 0
	rp := domain.RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}

	err := withRetry(context.Background(), rp, func() error {
		attempts++
		if attempts < 3 {
			return assertError("dial tcp: connection reset")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetryDoesNotRetryPermanentErrors(t *testing.T) {
	attempts := 0
	rp := domain.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond}

	err := withRetry(context.Background(), rp, func() error {
		attempts++
		return assertError("module not found")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestWithRetryDisabledByZeroMaxAttempts(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), domain.RetryPolicy{}, func() error {
		attempts++
		return assertError("dial tcp: connection reset")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}
