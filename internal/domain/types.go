// Package domain holds the shared data types passed between the
// orchestrator, the gate lifecycle manager, and the wire codec.
//
// None of these types own any I/O; they are plain value types so that
// every other package can depend on domain without creating import
// cycles.
package domain

import (
	"encoding/json"
	"time"
)

// ConnectionKind distinguishes a host reachable over SSH from the
// implicit local target.
type ConnectionKind string

const (
	ConnectionLocal ConnectionKind = "local"
	ConnectionSSH   ConnectionKind = "ssh"
)

// HostSpec is a single automation target, loaded from the inventory or
// added dynamically via Orchestrator.AddHost.
//
// A HostSpec is immutable once published into the inventory except by
// explicit replacement (AddHost with the same name overwrites it).
type HostSpec struct {
	Name           string            `json:"name"`
	Address        string            `json:"address"`
	Port           int               `json:"port"`
	User           string            `json:"user"`
	Connection     ConnectionKind    `json:"connection"`
	Interpreter    string            `json:"interpreter,omitempty"` // remote gate binary path override
	PrivateKeyPath string            `json:"private_key_path,omitempty"`
	Password       string            `json:"password,omitempty"`
	Vars           map[string]string `json:"vars,omitempty"`
}

// IsLocal reports whether invocations against this host should bypass
// the transport/gate machinery entirely.
func (h HostSpec) IsLocal() bool {
	return h.Connection == ConnectionLocal || h.Connection == ""
}

// Group is a named set of hosts. Membership is resolved by name only;
// groups carry no behavior of their own.
type Group struct {
	Name  string
	Hosts []string // host names
}

// ModuleRequest is a single planned invocation. It is ephemeral: it
// exists only for the duration of one Orchestrator pipeline run.
type ModuleRequest struct {
	Module    string         // short name or FQCN (namespace.collection.module)
	Params    map[string]any // caller-supplied parameters
	Target    string         // host name, group name, or empty for local
	CheckMode bool
	Retry     RetryPolicy // zero value disables retry
}

// RetryPolicy governs whether a transient connection failure during
// dispatch is retried before the pipeline gives up on an invocation.
// Only the dispatch step itself is retried; replay short-circuiting,
// policy evaluation, and audit recording each run exactly once.
type RetryPolicy struct {
	MaxAttempts   int           // 0 disables retry; N retries beyond the first attempt
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64 // e.g. 2.0 doubles the delay each attempt
}

// ModuleResult is the outcome of one invocation on one host.
type ModuleResult struct {
	Success   bool           `json:"success"`
	Changed   bool           `json:"changed"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Module    string         `json:"module"`
	Host      string         `json:"host"`
	Duration  time.Duration  `json:"-"`
	Timestamp time.Time      `json:"timestamp"`
	Params    map[string]any `json:"params,omitempty"` // redacted
	Replayed  bool           `json:"replayed,omitempty"`
}

// DurationSeconds renders Duration the way the audit journal wants it:
// seconds, three decimal places.
func (r ModuleResult) DurationSeconds() float64 {
	return float64(r.Duration.Milliseconds()) / 1e3
}

// ModulePayload is the JSON object carried on the wire inside a Module
// or FTLModule request's ANSIBLE_MODULE_ARGS-equivalent envelope.
type ModulePayload struct {
	Args      map[string]any `json:"args"`
	CheckMode bool           `json:"check_mode,omitempty"`
}

// RawModuleReply is what a non-async module prints to stdout: either a
// plain result object or a {failed: true, msg: "..."} error object.
type RawModuleReply struct {
	Failed    bool           `json:"failed,omitempty"`
	Msg       string         `json:"msg,omitempty"`
	Exception string         `json:"exception,omitempty"`
	Changed   bool           `json:"changed,omitempty"`
	Rest      map[string]any `json:"-"`
}

// UnmarshalJSON captures both the well-known failure fields and
// whatever else the module printed, since modules are free to add
// arbitrary output keys.
func (r *RawModuleReply) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if v, ok := m["failed"].(bool); ok {
		r.Failed = v
		delete(m, "failed")
	}
	if v, ok := m["msg"].(string); ok {
		r.Msg = v
		delete(m, "msg")
	}
	if v, ok := m["exception"].(string); ok {
		r.Exception = v
		delete(m, "exception")
	}
	if v, ok := m["changed"].(bool); ok {
		r.Changed = v
	}
	r.Rest = m
	return nil
}

// BundleRef identifies a built bundle or gate by its content hash (the
// first 12 hex characters of a SHA-256 digest, per spec.md §3).
type BundleRef struct {
	Hash string
}

// PolicyDecision is the outcome of evaluating the policy engine against
// one invocation.
type PolicyDecision string

const (
	PolicyAllow PolicyDecision = "allow"
	PolicyDeny  PolicyDecision = "deny"
)

// AuditAction is one journal entry, matching spec.md §4.10's journal
// format.
type AuditAction struct {
	Module    string         `json:"module"`
	Host      string         `json:"host"`
	Params    map[string]any `json:"params"`
	Success   bool           `json:"success"`
	Changed   bool           `json:"changed"`
	Duration  float64        `json:"duration"`
	Timestamp string         `json:"timestamp"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Replayed  bool           `json:"replayed,omitempty"`
}

// AuditErrorEntry is one entry of the journal's top-level errors array.
type AuditErrorEntry struct {
	Module string `json:"module"`
	Host   string `json:"host"`
	Error  string `json:"error"`
}

// Journal is the full audit-journal document, written on context close
// and loadable as a replay source on context entry.
type Journal struct {
	Started   string            `json:"started"`
	Completed string            `json:"completed"`
	CheckMode bool              `json:"check_mode"`
	Success   bool              `json:"success"`
	Actions   []AuditAction     `json:"actions"`
	Errors    []AuditErrorEntry `json:"errors"`
}

const (
	ISO8601 = "2006-01-02T15:04:05.000Z07:00"
)
