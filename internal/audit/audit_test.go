package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forgewire/ftl/internal/domain"
)

func TestRecorderWritesJournalOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.json")
	r := NewRecorder(path, false, true, nil)
	r.Record(domain.ModuleResult{
		Module:    "ping",
		Host:      "web1",
		Success:   true,
		Changed:   false,
		Timestamp: time.Now(),
	})
	if err := r.Close(true); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	var j domain.Journal
	if err := json.Unmarshal(data, &j); err != nil {
		t.Fatalf("parse journal: %v", err)
	}
	if len(j.Actions) != 1 || j.Actions[0].Module != "ping" {
		t.Fatalf("unexpected journal contents: %#v", j)
	}
	if !j.Success {
		t.Fatal("expected journal success flag to be true")
	}
}

func TestRecorderRedactsSecretParams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.json")
	r := NewRecorder(path, false, true, func(module string) map[string]bool {
		return map[string]bool{"token": true}
	})
	r.Record(domain.ModuleResult{
		Module:  "http",
		Host:    "web1",
		Success: true,
		Params:  map[string]any{"token": "super-secret", "url": "https://x"},
	})
	r.Close(true)

	data, _ := os.ReadFile(path)
	var j domain.Journal
	json.Unmarshal(data, &j)
	if j.Actions[0].Params["token"] != redactedSentinel {
		t.Fatalf("expected token to be redacted, got %v", j.Actions[0].Params["token"])
	}
	if j.Actions[0].Params["url"] != "https://x" {
		t.Fatal("expected non-secret params to pass through")
	}
}

func TestReplayerReplaysMatchingSuccessfulAction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.json")
	r := NewRecorder(path, false, false, nil)
	r.Record(domain.ModuleResult{
		Module: "ping", Host: "web1", Success: true, Changed: false,
		Params: map[string]any{"a": float64(1)},
	})
	r.Close(true)

	rep, err := LoadReplayer(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	result, ok := rep.Next("ping", "web1", map[string]any{"a": float64(1)})
	if !ok {
		t.Fatal("expected replay to match")
	}
	if !result.Replayed || !result.Success {
		t.Fatalf("unexpected replayed result: %#v", result)
	}
}

func TestReplayerDivergesOnMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.json")
	r := NewRecorder(path, false, false, nil)
	r.Record(domain.ModuleResult{Module: "ping", Host: "web1", Success: true})
	r.Record(domain.ModuleResult{Module: "file", Host: "web1", Success: true})
	r.Close(true)

	rep, err := LoadReplayer(path)
	if err != nil {
		t.Fatal(err)
	}
	// First invocation doesn't match recorded module -> diverge.
	_, ok := rep.Next("different-module", "web1", nil)
	if ok {
		t.Fatal("expected mismatch to not replay")
	}
	// Subsequent invocation, even if it would have matched position 2,
	// must not replay since the sequence has diverged.
	_, ok = rep.Next("file", "web1", nil)
	if ok {
		t.Fatal("expected divergence to persist for the rest of the run")
	}
}

func TestReplayerWithNoJournalNeverReplays(t *testing.T) {
	rep, err := LoadReplayer(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("expected missing journal to not error: %v", err)
	}
	_, ok := rep.Next("ping", "web1", nil)
	if ok {
		t.Fatal("expected no replay with empty journal")
	}
}

func TestReplayerDoesNotReplayFailedAction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.json")
	r := NewRecorder(path, false, false, nil)
	r.Record(domain.ModuleResult{Module: "ping", Host: "web1", Success: false, Error: "timeout"})
	r.Close(false)

	rep, err := LoadReplayer(path)
	if err != nil {
		t.Fatal(err)
	}
	_, ok := rep.Next("ping", "web1", nil)
	if ok {
		t.Fatal("expected a previously failed action to never replay")
	}
}
