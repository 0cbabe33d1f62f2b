// Package audit records the per-invocation journal spec.md §4.10
// describes and replays it on a subsequent run of the same context,
// short-circuiting invocations that already succeeded.
//
// A journal is a single JSON document per orchestrator context,
// written once on Close. Replay is positional: the Nth invocation of
// a new run is compared against the Nth action of the prior journal
// (same module, same host, same params); as long as entries keep
// matching and were successful, the recorded result is returned
// instead of re-executing. The first mismatch invalidates replay for
// every subsequent invocation in the run, since the two action
// sequences have diverged and position no longer means the same
// thing.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/forgewire/ftl/internal/domain"
)

// Recorder accumulates actions for one orchestrator context and writes
// the completed journal to path on Close.
type Recorder struct {
	mu        sync.Mutex
	path      string
	checkMode bool
	redact    bool
	secretOf  func(module string) map[string]bool // which param names to redact, per module

	started string
	actions []domain.AuditAction
	errs    []domain.AuditErrorEntry
}

// NewRecorder starts a new recording. secretOf may be nil, in which
// case no redaction is applied beyond what the caller already removed.
func NewRecorder(path string, checkMode, redact bool, secretOf func(string) map[string]bool) *Recorder {
	if secretOf == nil {
		secretOf = func(string) map[string]bool { return nil }
	}
	return &Recorder{
		path:      path,
		checkMode: checkMode,
		redact:    redact,
		secretOf:  secretOf,
		started:   time.Now().UTC().Format(domain.ISO8601),
	}
}

// Record appends one invocation's result to the journal, redacting
// secret-bound parameters first.
func (r *Recorder) Record(result domain.ModuleResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	params := result.Params
	if r.redact {
		params = redactParams(params, r.secretOf(result.Module))
	}

	r.actions = append(r.actions, domain.AuditAction{
		Module:    result.Module,
		Host:      result.Host,
		Params:    params,
		Success:   result.Success,
		Changed:   result.Changed,
		Duration:  result.DurationSeconds(),
		Timestamp: result.Timestamp.UTC().Format(domain.ISO8601),
		Output:    result.Output,
		Error:     result.Error,
		Replayed:  result.Replayed,
	})
	if !result.Success {
		r.errs = append(r.errs, domain.AuditErrorEntry{
			Module: result.Module,
			Host:   result.Host,
			Error:  result.Error,
		})
	}
}

func redactParams(params map[string]any, secret map[string]bool) map[string]any {
	if len(params) == 0 {
		return params
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if secret[k] {
			out[k] = "***REDACTED***"
			continue
		}
		out[k] = v
	}
	return out
}

// Close writes the completed journal to disk. success is the overall
// context outcome (no action failed, or FailFast never tripped).
func (r *Recorder) Close(success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j := domain.Journal{
		Started:   r.started,
		Completed: time.Now().UTC().Format(domain.ISO8601),
		CheckMode: r.checkMode,
		Success:   success,
		Actions:   r.actions,
		Errors:    r.errs,
	}
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal journal: %w", err)
	}
	if r.path == "" {
		return nil
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return nil
}

// Replayer answers, in positional order, whether the next invocation
// in a run can be short-circuited from a prior journal.
type Replayer struct {
	mu       sync.Mutex
	actions  []domain.AuditAction
	cursor   int
	diverged bool
}

// LoadReplayer loads a journal from path for replay. A missing file
// yields a Replayer with nothing to replay, not an error.
func LoadReplayer(path string) (*Replayer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Replayer{}, nil
		}
		return nil, fmt.Errorf("read journal: %w", err)
	}
	var j domain.Journal
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse journal: %w", err)
	}
	return &Replayer{actions: j.Actions}, nil
}

// Next checks the next positional action against (module, host,
// params). If it matches a recorded, successful action, that result
// is returned with Replayed set and ok is true; the cursor advances
// regardless of match, since a mismatch also invalidates all
// subsequent positions.
func (r *Replayer) Next(module, host string, params map[string]any) (domain.ModuleResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.diverged || r.cursor >= len(r.actions) {
		r.diverged = true
		return domain.ModuleResult{}, false
	}

	a := r.actions[r.cursor]
	r.cursor++

	if a.Module != module || a.Host != host || !paramsEqual(a.Params, params) || !a.Success {
		r.diverged = true
		return domain.ModuleResult{}, false
	}

	// Note: a recorded action whose params were redacted compares
	// equal as long as the key is still present with any value, since
	// the stored sentinel can't be compared against the real secret.

	return domain.ModuleResult{
		Success:  true,
		Changed:  a.Changed,
		Output:   a.Output,
		Module:   a.Module,
		Host:     a.Host,
		Params:   a.Params,
		Replayed: true,
	}, true
}

const redactedSentinel = "***REDACTED***"

// paramsEqual compares a recorded action's params against a new
// invocation's params, treating a redacted key as matching so long as
// the same key is present on both sides; its real value was never
// stored so it can never be compared.
func paramsEqual(recorded, fresh map[string]any) bool {
	if len(recorded) != len(fresh) {
		return false
	}
	for k, rv := range recorded {
		fv, ok := fresh[k]
		if !ok {
			return false
		}
		if rv == redactedSentinel {
			continue
		}
		if !reflect.DeepEqual(rv, fv) {
			return false
		}
	}
	return true
}
