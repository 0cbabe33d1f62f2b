// Package orchestrator drives the per-invocation pipeline spec.md
// §4.8 describes: replay short-circuiting, secret injection, policy
// evaluation, dispatch, reply parsing, redaction, and audit recording.
// One Orchestrator owns one run's accumulated result log plus the
// gate connections opened along the way (internal/gatelife).
//
// Dispatch picks one of four strategies per invocation, crossed on
// whether the target host is local and whether the module is listed
// in config.OrchestratorConfig.AsyncModules:
//
//   - local, async:  in-process yaegi session (internal/interp)
//   - local, sync:   subprocess-isolated re-exec (gate.RunInSubprocess)
//   - remote, async: FTLModule request over a gate connection
//   - remote, sync:  Module request over a gate connection
//
// "Async" here names the wire protocol's own FTLModule/Module split,
// not goroutine concurrency: both strategies execute synchronously
// from the caller's point of view.
package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/forgewire/ftl/internal/audit"
	"github.com/forgewire/ftl/internal/bundle"
	"github.com/forgewire/ftl/internal/config"
	"github.com/forgewire/ftl/internal/depscan"
	"github.com/forgewire/ftl/internal/domain"
	"github.com/forgewire/ftl/internal/events"
	"github.com/forgewire/ftl/internal/gate"
	"github.com/forgewire/ftl/internal/gatebuild"
	"github.com/forgewire/ftl/internal/gatelife"
	"github.com/forgewire/ftl/internal/interp"
	"github.com/forgewire/ftl/internal/inventory"
	"github.com/forgewire/ftl/internal/logging"
	"github.com/forgewire/ftl/internal/metrics"
	"github.com/forgewire/ftl/internal/observability"
	"github.com/forgewire/ftl/internal/policy"
	"github.com/forgewire/ftl/internal/secrets"
	"github.com/forgewire/ftl/internal/statestore"
	"github.com/forgewire/ftl/internal/wire"
)

// AutomationFailedError is returned by Execute when
// config.OrchestratorConfig.FailFast is set and an invocation that got
// past the policy check did not succeed. A secret-resolution error, a
// policy-evaluation error or a policy denial is returned as that error
// itself, whether or not FailFast is set. RunOn never returns this: fan-out does not honor fail_fast,
// per spec.md §4.8 point 8 — callers check the returned result vector
// instead.
type AutomationFailedError struct {
	Result domain.ModuleResult
}

func (e *AutomationFailedError) Error() string {
	return fmt.Sprintf("automation failed: module %s on host %s: %s", e.Result.Module, e.Result.Host, e.Result.Error)
}

type hostSummary struct {
	Changed int
	OK      int
	Failed  int
}

// HostCounts is one host's tally of outcomes across a run.
type HostCounts struct {
	Changed int
	OK      int
	Failed  int
}

// Summary is the supplemented per-host/overall outcome tally (grounded
// on the original implementation's progress-reporter shape), distinct
// from the audit journal: it's an in-memory convenience for a driver's
// closing report, not a persisted record.
type Summary struct {
	Hosts        map[string]HostCounts
	TotalChanged int
	TotalOK      int
	TotalFailed  int
}

// EventSink receives the orchestrator's own lifecycle events
// (module_start, module_complete). When an internal/events.Router is
// also wired via WithEventRouter, both the sink and the router see
// every emitted event; the router additionally carries gate-originated
// FileChanged events, which never reach EventSink.
type EventSink func(host, eventType string, data map[string]any)

// Orchestrator drives invocations against local and remote targets.
// The zero value is not usable; construct with New.
type Orchestrator struct {
	cfg          config.Config
	inv          *inventory.Inventory
	state        *statestore.Store
	policyEngine *policy.Engine
	secrets      *secrets.Resolver
	auditRec     *audit.Recorder
	replayer     *audit.Replayer
	bundles      *bundle.Cache
	gates        *gatebuild.Cache
	life         *gatelife.Manager
	metricsColl  *metrics.Collectors
	reqLog       *logging.Logger
	eventSink    EventSink
	eventRouter  *events.Router

	asyncModules map[string]bool
	depConfig    depscan.Config
	gateSpec     gatebuild.Spec
	stagingDir   string

	hostsMu sync.RWMutex // guards inv.Hosts against concurrent AddHost/ResolveTarget

	mu      sync.Mutex
	results []domain.ModuleResult
	summary map[string]*hostSummary
}

// Option configures an optional Orchestrator dependency. Dependencies
// with no sensible zero-value behavior (inventory, policy engine,
// bundle/gate caches, gate lifecycle manager) are constructor
// arguments instead; everything that degrades gracefully to "not
// wired" (metrics, audit, replay, request logging, secrets, dynamic
// host persistence, the gate's own dispatcher source, an event sink)
// is an Option.
type Option func(*Orchestrator)

func WithMetrics(m *metrics.Collectors) Option {
	return func(o *Orchestrator) { o.metricsColl = m }
}

func WithAuditRecorder(r *audit.Recorder) Option {
	return func(o *Orchestrator) { o.auditRec = r }
}

func WithReplayer(r *audit.Replayer) Option {
	return func(o *Orchestrator) { o.replayer = r }
}

func WithRequestLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.reqLog = l }
}

func WithSecrets(s *secrets.Resolver) Option {
	return func(o *Orchestrator) { o.secrets = s }
}

func WithStateStore(s *statestore.Store) Option {
	return func(o *Orchestrator) { o.state = s }
}

// WithGateDispatcherSource embeds the resident gate binary's own
// source into every gate this orchestrator builds. The caller (the
// driver CLI) owns the go:embed of cmd/ftlgate's source so this
// package never imports a cmd/ package.
func WithGateDispatcherSource(src []byte) Option {
	return func(o *Orchestrator) { o.gateSpec.DispatcherSource = src }
}

func WithEventSink(sink EventSink) Option {
	return func(o *Orchestrator) { o.eventSink = sink }
}

// WithEventRouter wires an internal/events.Router (spec.md §4.9) into
// this orchestrator: it receives every orchestrator-emitted event
// alongside eventSink, and is installed as the gatelife.Manager's
// EventHandler so gate-originated FileChanged events route through it
// too. Must be applied before the manager's first connection is
// established for that connection to pick up the handler (gatelife.Get
// snapshots the handler at connect time).
func WithEventRouter(r *events.Router) Option {
	return func(o *Orchestrator) {
		o.eventRouter = r
		o.life.OnEvent(r.HandleFrame)
	}
}

// New creates an Orchestrator. inv, pol, bundles, gates, and life are
// mandatory: there is no meaningful "unwired" behavior for an
// inventory, a policy engine, or the build caches and connection
// manager dispatch depends on.
func New(cfg config.Config, inv *inventory.Inventory, pol *policy.Engine, bundles *bundle.Cache, gates *gatebuild.Cache, life *gatelife.Manager, opts ...Option) *Orchestrator {
	async := make(map[string]bool, len(cfg.Orchestrator.AsyncModules))
	for _, m := range cfg.Orchestrator.AsyncModules {
		async[m] = true
	}
	depCfg := depscan.Config{SearchRoots: cfg.Bundle.ModUtilRoots, MaxDepth: cfg.Bundle.MaxResolveDepth}

	if cfg.Orchestrator.StagingDir != "" {
		_ = os.MkdirAll(cfg.Orchestrator.StagingDir, 0o755)
	}

	o := &Orchestrator{
		cfg:          cfg,
		inv:          inv,
		policyEngine: pol,
		bundles:      bundles,
		gates:        gates,
		life:         life,
		asyncModules: async,
		depConfig:    depCfg,
		stagingDir:   cfg.Orchestrator.StagingDir,
		summary:      map[string]*hostSummary{},
		gateSpec: gatebuild.Spec{
			ModuleDirs: []string{cfg.Bundle.ModulesDir},
			DepConfig:  depCfg,
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute runs module against the implicit local target (spec.md
// §4.8's execute()). A FailFast configuration trips an
// AutomationFailedError on a failed outcome; the result is still
// returned alongside the error so a caller can inspect it either way.
func (o *Orchestrator) Execute(ctx context.Context, module string, params map[string]any, checkMode bool) (domain.ModuleResult, error) {
	return o.ExecuteRequest(ctx, domain.ModuleRequest{Module: module, Params: params, CheckMode: checkMode})
}

// ExecuteRequest is Execute with full control over retry policy; req.Target is ignored.
func (o *Orchestrator) ExecuteRequest(ctx context.Context, req domain.ModuleRequest) (domain.ModuleResult, error) {
	host := domain.HostSpec{Name: "localhost", Connection: domain.ConnectionLocal}
	return o.invokeOne(ctx, req, host)
}

// RunOn resolves req.Target (a host or group name) and runs req
// against every resolved host concurrently, bounded by
// config.OrchestratorConfig.Parallelism (0 means unbounded). Fan-out
// never aborts early: every host runs to completion regardless of
// another host's outcome or of FailFast, per spec.md §4.8 point 8.
// Results are returned in the same order as the resolved host list.
func (o *Orchestrator) RunOn(ctx context.Context, req domain.ModuleRequest) ([]domain.ModuleResult, error) {
	if req.Target == "" {
		return nil, fmt.Errorf("run_on requires a non-empty target")
	}

	hostNames, err := o.resolveTargetHosts(req.Target)
	if err != nil {
		return nil, fmt.Errorf("resolve target %q: %w", req.Target, err)
	}
	if len(hostNames) == 0 {
		return nil, fmt.Errorf("target %q resolved to no hosts", req.Target)
	}

	results := make([]domain.ModuleResult, len(hostNames))
	g, gctx := errgroup.WithContext(ctx)
	if o.cfg.Orchestrator.Parallelism > 0 {
		g.SetLimit(o.cfg.Orchestrator.Parallelism)
	}
	for i, name := range hostNames {
		i, name := i, name
		g.Go(func() error {
			host, ok := o.resolveHost(name)
			if !ok {
				results[i] = domain.ModuleResult{
					Module:    req.Module,
					Host:      name,
					Success:   false,
					Error:     fmt.Sprintf("unknown host %q", name),
					Timestamp: time.Now(),
				}
				return nil
			}
			result, _ := o.invokeOne(gctx, req, host)
			results[i] = result
			return nil // never propagate a per-host outcome as a group error
		})
	}
	_ = g.Wait()
	return results, nil
}

// AddHost registers a host dynamically (spec.md §4.12), making it
// immediately resolvable as a target and, when a state store is
// wired, durably persisted for the next run.
func (o *Orchestrator) AddHost(host domain.HostSpec) error {
	o.hostsMu.Lock()
	o.inv.Hosts[host.Name] = host
	o.hostsMu.Unlock()

	if o.state == nil {
		return nil
	}
	return o.state.Add(host)
}

// ListModules returns the module names available against host (the
// local module directory for "" / "localhost", or a remote gate's
// ListModules reply otherwise).
func (o *Orchestrator) ListModules(ctx context.Context, host string) ([]string, error) {
	if host == "" || host == "localhost" {
		entries, err := os.ReadDir(o.cfg.Bundle.ModulesDir)
		if err != nil {
			return nil, fmt.Errorf("read modules dir: %w", err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.IsDir() {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		return names, nil
	}

	hostSpec, ok := o.resolveHost(host)
	if !ok {
		return nil, fmt.Errorf("unknown host %q", host)
	}
	conn, err := o.life.Get(ctx, hostSpec, o.gateSpecFor(hostSpec))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", host, err)
	}
	f, err := conn.Request(ctx, wire.TypeListModules, struct{}{})
	if err != nil {
		return nil, fmt.Errorf("list modules on %s: %w", host, err)
	}
	var body struct {
		Modules []struct {
			Name string `json:"name"`
		} `json:"modules"`
	}
	if err := wire.Decode(f, &body); err != nil {
		return nil, fmt.Errorf("decode list modules result: %w", err)
	}
	names := make([]string, 0, len(body.Modules))
	for _, m := range body.Modules {
		names = append(names, m.Name)
	}
	return names, nil
}

// Results returns every invocation result recorded so far, in the
// order they completed.
func (o *Orchestrator) Results() []domain.ModuleResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.ModuleResult, len(o.results))
	copy(out, o.results)
	return out
}

// Failed reports whether any recorded invocation did not succeed.
func (o *Orchestrator) Failed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range o.results {
		if !r.Success {
			return true
		}
	}
	return false
}

// Errors returns every recorded invocation that did not succeed.
func (o *Orchestrator) Errors() []domain.ModuleResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []domain.ModuleResult
	for _, r := range o.results {
		if !r.Success {
			out = append(out, r)
		}
	}
	return out
}

// Summary returns the per-host and overall changed/ok/failed tally.
func (o *Orchestrator) Summary() Summary {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Summary{Hosts: make(map[string]HostCounts, len(o.summary))}
	for host, hs := range o.summary {
		s.Hosts[host] = HostCounts{Changed: hs.Changed, OK: hs.OK, Failed: hs.Failed}
		s.TotalChanged += hs.Changed
		s.TotalOK += hs.OK
		s.TotalFailed += hs.Failed
	}
	return s
}

// Listen blocks draining events from every currently cached gate
// connection (spec.md §4.9's listen() operation) until timeout
// elapses, ctx is cancelled, or every connection closes. It is a no-op
// if no event router was wired via WithEventRouter.
func (o *Orchestrator) Listen(ctx context.Context, timeout time.Duration) error {
	if o.eventRouter == nil {
		return nil
	}
	return o.eventRouter.Listen(ctx, o.life.Connections(), timeout)
}

// Close tears down every open gate connection (in reverse
// registration order), flushes the audit journal and request log, and
// shuts down tracing. Every step runs even if an earlier one fails;
// all failures are joined into the returned error.
func (o *Orchestrator) Close(ctx context.Context) error {
	var errs []error
	errs = append(errs, o.life.Shutdown(ctx)...)

	if o.auditRec != nil {
		if err := o.auditRec.Close(!o.Failed()); err != nil {
			errs = append(errs, fmt.Errorf("close audit journal: %w", err))
		}
	}
	if o.reqLog != nil {
		o.reqLog.Close()
	}
	if err := observability.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shut down tracing: %w", err))
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) resolveHost(name string) (domain.HostSpec, bool) {
	o.hostsMu.RLock()
	defer o.hostsMu.RUnlock()
	h, ok := o.inv.Hosts[name]
	return h, ok
}

func (o *Orchestrator) resolveTargetHosts(target string) ([]string, error) {
	o.hostsMu.RLock()
	defer o.hostsMu.RUnlock()
	return o.inv.ResolveTarget(target)
}

func (o *Orchestrator) gateSpecFor(host domain.HostSpec) gatebuild.Spec {
	spec := o.gateSpec
	spec.Interpreter = host.Interpreter
	return spec
}

func (o *Orchestrator) isAsync(module string) bool {
	return o.asyncModules[module]
}

// invokeOne runs the full seven-step pipeline (spec.md §4.8) for one
// module/host pair.
func (o *Orchestrator) invokeOne(ctx context.Context, req domain.ModuleRequest, host domain.HostSpec) (domain.ModuleResult, error) {
	ctx, span := observability.StartSpan(ctx, "ftl.invoke",
		observability.AttrModule.String(req.Module),
		observability.AttrHost.String(host.Name),
		observability.AttrCheckMode.Bool(req.CheckMode),
	)
	defer span.End()
	requestID := uuid.NewString()
	span.SetAttributes(observability.AttrRequestID.String(requestID))

	start := time.Now()

	// Step 1: replay. A positional match against a prior successful
	// journal entry short-circuits every later step.
	if o.replayer != nil {
		if result, ok := o.replayer.Next(req.Module, host.Name, req.Params); ok {
			result.Duration = time.Since(start)
			result.Timestamp = start
			o.record(result)
			if o.metricsColl != nil {
				o.metricsColl.RecordReplayHit()
				o.metricsColl.RecordInvocation(req.Module, host.Name, true, result.DurationSeconds())
			}
			o.logInvocation(result)
			span.SetAttributes(observability.AttrReplayed.Bool(true))
			observability.SetSpanOK(span)
			if o.cfg.Orchestrator.FailFast && !result.Success {
				return result, &AutomationFailedError{Result: result}
			}
			return result, nil
		}
	}

	// Step 2: secret injection. Caller-supplied params win; bindings
	// only fill in what the caller left unset.
	params := req.Params
	if o.secrets != nil {
		resolved, err := o.secrets.Resolve(req.Module, req.Params)
		if err != nil {
			result := o.failureResult(req, host, start, fmt.Sprintf("secret resolution: %v", err))
			o.record(result)
			o.logInvocation(result)
			observability.SetSpanError(span, err)
			return result, err
		}
		params = resolved
	}

	// Step 3: policy. A deny raises without ever reaching dispatch.
	if o.policyEngine != nil {
		evalReq := req
		evalReq.Params = params
		decision, err := o.policyEngine.Evaluate(evalReq, host.Name)
		if err != nil {
			result := o.failureResult(req, host, start, fmt.Sprintf("policy evaluation: %v", err))
			o.record(result)
			o.logInvocation(result)
			observability.SetSpanError(span, err)
			return result, err
		}
		if !decision.Allowed {
			if o.metricsColl != nil {
				o.metricsColl.RecordPolicyDenial(req.Module, decision.RuleID)
			}
			deniedErr := &policy.DeniedError{RuleID: decision.RuleID, Reason: decision.Reason}
			result := o.failureResult(req, host, start, deniedErr.Error())
			o.record(result)
			o.logInvocation(result)
			observability.SetSpanError(span, deniedErr)
			return result, deniedErr
		}
	}

	// Step 4: module_start.
	o.emit(host.Name, "module_start", map[string]any{"module": req.Module, "host": host.Name, "request_id": requestID})

	// Step 5: dispatch, retried per req.Retry on transient failures only.
	var outcome dispatchOutcome
	dispatchErr := withRetry(ctx, req.Retry, func() error {
		out, err := o.dispatch(ctx, req.Module, params, req.CheckMode, host)
		if err != nil {
			return err
		}
		outcome = out
		return nil
	})

	// Step 6: reply already parsed into outcome by dispatch.
	result := domain.ModuleResult{
		Module:    req.Module,
		Host:      host.Name,
		Params:    params,
		Timestamp: start,
		Duration:  time.Since(start),
	}
	if dispatchErr != nil {
		result.Error = dispatchErr.Error()
	} else {
		result.Success = outcome.success
		result.Changed = outcome.changed
		result.Output = outcome.output
		if !outcome.success {
			result.Error = outcome.errMsg
		}
	}

	// Step 7: redact, record, emit module_complete.
	result.Params = o.redactParams(req.Module, result.Params)
	o.record(result)
	if o.metricsColl != nil {
		o.metricsColl.RecordInvocation(req.Module, host.Name, result.Success, result.DurationSeconds())
	}
	o.logInvocation(result)
	o.emit(host.Name, "module_complete", map[string]any{
		"module": req.Module, "host": host.Name, "success": result.Success, "changed": result.Changed, "request_id": requestID,
	})

	if result.Success {
		observability.SetSpanOK(span)
	} else {
		observability.SetSpanError(span, errors.New(result.Error))
	}
	span.SetAttributes(observability.AttrChanged.Bool(result.Changed))

	if o.cfg.Orchestrator.FailFast && !result.Success {
		return result, &AutomationFailedError{Result: result}
	}
	return result, nil
}

func (o *Orchestrator) failureResult(req domain.ModuleRequest, host domain.HostSpec, start time.Time, errMsg string) domain.ModuleResult {
	return domain.ModuleResult{
		Module:    req.Module,
		Host:      host.Name,
		Params:    o.redactParams(req.Module, req.Params),
		Success:   false,
		Error:     errMsg,
		Timestamp: start,
		Duration:  time.Since(start),
	}
}

func (o *Orchestrator) record(result domain.ModuleResult) {
	o.mu.Lock()
	o.results = append(o.results, result)
	hs := o.summary[result.Host]
	if hs == nil {
		hs = &hostSummary{}
		o.summary[result.Host] = hs
	}
	switch {
	case !result.Success:
		hs.Failed++
	case result.Changed:
		hs.Changed++
	default:
		hs.OK++
	}
	o.mu.Unlock()

	if o.auditRec != nil {
		o.auditRec.Record(result)
	}
}

func (o *Orchestrator) logInvocation(result domain.ModuleResult) {
	if o.reqLog == nil {
		return
	}
	o.reqLog.Log(logging.InvocationLog{
		Timestamp:  result.Timestamp,
		Module:     result.Module,
		Host:       result.Host,
		DurationMs: result.Duration.Milliseconds(),
		Success:    result.Success,
		Changed:    result.Changed,
		Error:      result.Error,
		Replayed:   result.Replayed,
	})
}

func (o *Orchestrator) emit(host, eventType string, data map[string]any) {
	if o.eventSink != nil {
		o.eventSink(host, eventType, data)
	}
	if o.eventRouter != nil {
		o.eventRouter.Dispatch(host, eventType, data)
	}
}

// defaultSecretParamNames and redactedHeaderNames are the fixed
// HTTP-like redaction set spec.md §4.8 names, applied on top of
// whatever internal/secrets already flags for a given module.
var defaultSecretParamNames = map[string]bool{
	"bearer_token": true,
	"url_password": true,
}

var redactedHeaderNames = map[string]bool{
	"authorization":       true,
	"x-api-key":           true,
	"x-auth-token":        true,
	"cookie":              true,
	"proxy-authorization": true,
}

const redactedSentinel = "***REDACTED***"

// redactParams scrubs secret-bound params and the fixed HTTP header
// set before a result reaches the audit journal or request log. The
// audit.Recorder passed via WithAuditRecorder should be constructed
// with redact=false: this method is the single place redaction
// happens, since it also handles the nested "headers" param shape
// internal/audit's flat-key redaction cannot.
func (o *Orchestrator) redactParams(module string, params map[string]any) map[string]any {
	if len(params) == 0 || !o.cfg.Audit.Redact {
		return params
	}

	secretNames := map[string]bool{}
	if o.secrets != nil {
		for k := range o.secrets.SecretParamNames(module) {
			secretNames[k] = true
		}
	}
	for k := range defaultSecretParamNames {
		secretNames[k] = true
	}

	out := make(map[string]any, len(params))
	for k, v := range params {
		if secretNames[k] {
			out[k] = redactedSentinel
			continue
		}
		if strings.EqualFold(k, "headers") {
			if headers, ok := v.(map[string]any); ok {
				out[k] = redactHeaders(headers)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func redactHeaders(headers map[string]any) map[string]any {
	out := make(map[string]any, len(headers))
	for k, v := range headers {
		if redactedHeaderNames[strings.ToLower(k)] {
			out[k] = redactedSentinel
			continue
		}
		out[k] = v
	}
	return out
}

// dispatchOutcome is the normalized result of running a module,
// regardless of which of the four dispatch strategies produced it.
type dispatchOutcome struct {
	success bool
	changed bool
	output  map[string]any
	errMsg  string
}

func (o *Orchestrator) dispatch(ctx context.Context, module string, params map[string]any, checkMode bool, host domain.HostSpec) (dispatchOutcome, error) {
	switch {
	case host.IsLocal() && o.isAsync(module):
		return o.dispatchLocalAsync(ctx, module, params, checkMode)
	case host.IsLocal():
		return o.dispatchLocalSync(ctx, module, params, checkMode)
	case o.isAsync(module):
		return o.dispatchRemoteAsync(ctx, module, params, checkMode, host)
	default:
		return o.dispatchRemoteSync(ctx, module, params, checkMode, host)
	}
}

func (o *Orchestrator) buildModuleBundle(module string) (*bundle.Built, error) {
	moduleFile := filepath.Join(o.cfg.Bundle.ModulesDir, module, module+".go")
	built, err := o.bundles.Build(bundle.Spec{ModuleName: module, ModuleFile: moduleFile, DepConfig: o.depConfig})
	if err != nil {
		return nil, fmt.Errorf("build bundle for %s: %w", module, err)
	}
	return built, nil
}

func (o *Orchestrator) dispatchLocalAsync(ctx context.Context, module string, params map[string]any, checkMode bool) (dispatchOutcome, error) {
	built, err := o.buildModuleBundle(module)
	if err != nil {
		return dispatchOutcome{}, err
	}
	session, err := interp.New()
	if err != nil {
		return dispatchOutcome{}, fmt.Errorf("create interpreter session: %w", err)
	}
	files, err := bundle.Unzip(built.Bytes)
	if err != nil {
		return dispatchOutcome{}, fmt.Errorf("unpack bundle: %w", err)
	}
	fn, err := session.LoadFromArchive(files, module+".go")
	if err != nil {
		return dispatchOutcome{}, fmt.Errorf("load module: %w", err)
	}
	out, err := interp.Call(ctx, fn, params, checkMode)
	if err != nil {
		return dispatchOutcome{success: false, errMsg: err.Error()}, nil
	}
	return outcomeFromMap(out), nil
}

func (o *Orchestrator) dispatchLocalSync(ctx context.Context, module string, params map[string]any, checkMode bool) (dispatchOutcome, error) {
	built, err := o.buildModuleBundle(module)
	if err != nil {
		return dispatchOutcome{}, err
	}
	stdout, stderr, err := gate.RunInSubprocess(ctx, o.stagingDir, built.Bytes, module, params, checkMode)
	if err != nil {
		return dispatchOutcome{}, fmt.Errorf("run module subprocess: %w", err)
	}
	return outcomeFromStdout(stdout, stderr), nil
}

func (o *Orchestrator) dispatchRemoteSync(ctx context.Context, module string, params map[string]any, checkMode bool, host domain.HostSpec) (dispatchOutcome, error) {
	conn, err := o.life.Get(ctx, host, o.gateSpecFor(host))
	if err != nil {
		return dispatchOutcome{}, fmt.Errorf("connect to %s: %w", host.Name, err)
	}
	if o.metricsColl != nil {
		o.metricsColl.SetGateConnections(len(o.life.Connections()))
	}

	body := map[string]any{"module_name": module, "module_args": params}
	if checkMode {
		body["check_mode"] = true
	}
	f, err := conn.Request(ctx, wire.TypeModule, body)
	if err != nil {
		return dispatchOutcome{}, fmt.Errorf("module request to %s: %w", host.Name, err)
	}

	if f.Type == wire.TypeModuleNotFound {
		built, err := o.buildModuleBundle(module)
		if err != nil {
			return dispatchOutcome{}, err
		}
		body["module"] = base64.StdEncoding.EncodeToString(built.Bytes)
		f, err = conn.Request(ctx, wire.TypeModule, body)
		if err != nil {
			return dispatchOutcome{}, fmt.Errorf("module request (with bundle) to %s: %w", host.Name, err)
		}
	}
	return decodeModuleFrame(f)
}

func (o *Orchestrator) dispatchRemoteAsync(ctx context.Context, module string, params map[string]any, checkMode bool, host domain.HostSpec) (dispatchOutcome, error) {
	conn, err := o.life.Get(ctx, host, o.gateSpecFor(host))
	if err != nil {
		return dispatchOutcome{}, fmt.Errorf("connect to %s: %w", host.Name, err)
	}
	if o.metricsColl != nil {
		o.metricsColl.SetGateConnections(len(o.life.Connections()))
	}

	body := map[string]any{"module_name": module, "module_args": params}
	if checkMode {
		body["check_mode"] = true
	}
	f, err := conn.Request(ctx, wire.TypeFTLModule, body)
	if err != nil {
		return dispatchOutcome{}, fmt.Errorf("ftl module request to %s: %w", host.Name, err)
	}

	if f.Type == wire.TypeModuleNotFound {
		src, err := os.ReadFile(filepath.Join(o.cfg.Bundle.ModulesDir, module, module+".go"))
		if err != nil {
			return dispatchOutcome{}, fmt.Errorf("read module source for %s: %w", module, err)
		}
		body["source"] = string(src)
		f, err = conn.Request(ctx, wire.TypeFTLModule, body)
		if err != nil {
			return dispatchOutcome{}, fmt.Errorf("ftl module request (with source) to %s: %w", host.Name, err)
		}
	}

	switch f.Type {
	case wire.TypeFTLModuleResult:
		var out struct {
			Result map[string]any `json:"result"`
		}
		if err := wire.Decode(f, &out); err != nil {
			return dispatchOutcome{}, fmt.Errorf("decode ftl module result: %w", err)
		}
		return outcomeFromMap(out.Result), nil
	case wire.TypeError, wire.TypeGateSystemError:
		var out struct {
			Message string `json:"message"`
		}
		_ = wire.Decode(f, &out)
		return dispatchOutcome{success: false, errMsg: out.Message}, nil
	default:
		return dispatchOutcome{}, fmt.Errorf("unexpected reply type %s", f.Type)
	}
}

func decodeModuleFrame(f wire.Frame) (dispatchOutcome, error) {
	switch f.Type {
	case wire.TypeModuleResult:
		var body struct {
			Stdout string `json:"stdout"`
			Stderr string `json:"stderr"`
		}
		if err := wire.Decode(f, &body); err != nil {
			return dispatchOutcome{}, fmt.Errorf("decode module result: %w", err)
		}
		return outcomeFromStdout(body.Stdout, body.Stderr), nil
	case wire.TypeError, wire.TypeGateSystemError:
		var body struct {
			Message string `json:"message"`
		}
		_ = wire.Decode(f, &body)
		return dispatchOutcome{success: false, errMsg: body.Message}, nil
	default:
		return dispatchOutcome{}, fmt.Errorf("unexpected reply type %s", f.Type)
	}
}

// outcomeFromMap normalizes an in-process/FTLModule result map the
// same way outcomeFromStdout normalizes a subprocess/Module reply, by
// round-tripping it through the same RawModuleReply shape.
func outcomeFromMap(out map[string]any) dispatchOutcome {
	data, err := json.Marshal(out)
	if err != nil {
		return dispatchOutcome{success: false, errMsg: fmt.Sprintf("encode module output: %v", err)}
	}
	return outcomeFromStdout(string(data), "")
}

// outcomeFromStdout parses a module's stdout the way a non-async
// module reply is shaped: a {failed, msg, ...} object on failure, or
// a plain result object on success. Non-empty stderr alongside an
// apparently successful reply is treated as a failure (spec.md §4.8
// point 6's "stderr traceback with stdout success" mismatch).
func outcomeFromStdout(stdout, stderr string) dispatchOutcome {
	var reply domain.RawModuleReply
	if err := json.Unmarshal([]byte(stdout), &reply); err != nil {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = strings.TrimSpace(stdout)
		}
		if msg == "" {
			msg = fmt.Sprintf("malformed module output: %v", err)
		}
		return dispatchOutcome{success: false, errMsg: msg}
	}

	if reply.Failed {
		msg := reply.Msg
		if msg == "" {
			msg = reply.Exception
		}
		return dispatchOutcome{success: false, errMsg: msg, output: reply.Rest}
	}

	if strings.TrimSpace(stderr) != "" {
		return dispatchOutcome{
			success: false,
			errMsg:  fmt.Sprintf("unexpected stderr output alongside a successful result: %s", strings.TrimSpace(stderr)),
			output:  reply.Rest,
		}
	}

	return dispatchOutcome{success: true, changed: reply.Changed, output: reply.Rest}
}

// withRetry runs fn, retrying up to rp.MaxAttempts additional times
// (max_total_attempts = MaxAttempts + 1, mirroring the original
// implementation's retry policy) when fn's error is transient.
// Non-transient errors and the zero RetryPolicy (MaxAttempts == 0)
// return immediately.
func withRetry(ctx context.Context, rp domain.RetryPolicy, fn func() error) error {
	if rp.MaxAttempts <= 0 {
		return fn()
	}

	delay := rp.InitialDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := rp.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	factor := rp.BackoffFactor
	if factor <= 0 {
		factor = 2.0
	}

	var lastErr error
	for attempt := 0; attempt <= rp.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
		if attempt == rp.MaxAttempts {
			break
		}

		jitter := 1 + (rand.Float64()*0.2 - 0.1) // +/-10%
		wait := time.Duration(float64(delay) * jitter)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay = time.Duration(math.Min(float64(maxDelay), float64(delay)*factor))
	}
	return lastErr
}

// isTransient classifies a dispatch error as worth retrying: a
// connection-level failure (dial, handshake, broken pipe) rather than
// a module or protocol-level failure, which retrying can never fix.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var connErr *wire.ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	msg := err.Error()
	for _, needle := range []string{"dial", "connect to", "handshake", "broken pipe", "connection reset", "i/o timeout"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
