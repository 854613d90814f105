package engine

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
)

type mockEngine struct {
	isRunning bool
	models    map[string]bool
	pulled    []string
}

func (m *mockEngine) Chat(_ context.Context, _ string, _ []Message) (string, error) {
	return "", nil
}
func (m *mockEngine) Embed(_ context.Context, _ string, _ []string) ([][]float32, error) {
	return nil, nil
}
func (m *mockEngine) IsRunning(_ context.Context) bool { return m.isRunning }
func (m *mockEngine) ListModels(_ context.Context) ([]string, error) {
	var names []string
	for n := range m.models {
		names = append(names, n)
	}
	return names, nil
}
func (m *mockEngine) HasModel(_ context.Context, name string) bool { return m.models[name] }
func (m *mockEngine) PullModel(_ context.Context, name string, cb func(PullProgress)) error {
	m.pulled = append(m.pulled, name)
	if cb != nil {
		cb(PullProgress{Status: "downloading", Total: 10, Completed: 5})
		cb(PullProgress{Status: "success"})
	}
	return nil
}

func TestEnsureReady_AllModelsPresent(t *testing.T) {
	m := &mockEngine{
		isRunning: true,
		models:    map[string]bool{"llama3.2": true, "nomic-embed-text": true},
	}
	if err := EnsureReady(context.Background(), m, io.Discard, "llama3.2", "nomic-embed-text"); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 0 {
		t.Errorf("expected no pulls, got %v", m.pulled)
	}
}

func TestEnsureReady_PullsMissingOnce(t *testing.T) {
	m := &mockEngine{
		isRunning: true,
		models:    map[string]bool{"llama3.2": true},
	}
	var out bytes.Buffer
	err := EnsureReady(context.Background(), m, &out, "llama3.2", "nomic-embed-text", "nomic-embed-text", "")
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 1 || m.pulled[0] != "nomic-embed-text" {
		t.Errorf("expected one pull of nomic-embed-text, got %v", m.pulled)
	}
	if !strings.Contains(out.String(), "downloading 50%") {
		t.Errorf("progress output missing percentage: %q", out.String())
	}
}

func TestEnsureReady_EngineDown(t *testing.T) {
	m := &mockEngine{isRunning: false, models: map[string]bool{}}
	if err := EnsureReady(context.Background(), m, io.Discard, "llama3.2"); err == nil {
		t.Fatal("expected error when engine is down")
	}
}

func TestEnsureReady_MatchesTaggedNames(t *testing.T) {
	m := &mockEngine{isRunning: true, models: map[string]bool{"nomic-embed-text:latest": true}}
	if err := EnsureReady(context.Background(), m, io.Discard, "nomic-embed-text"); err != nil {
		t.Fatal(err)
	}
	if len(m.pulled) != 0 {
		t.Errorf("pulled %v, want none", m.pulled)
	}
}

func TestProgressPrinterThrottles(t *testing.T) {
	var out bytes.Buffer
	p := progressPrinter(&out)
	p(PullProgress{Status: "pulling manifest"})
	p(PullProgress{Status: "pulling manifest"})
	for done := int64(0); done <= 100; done += 5 {
		p(PullProgress{Status: "downloading", Total: 100, Completed: done})
	}
	p(PullProgress{Status: "success"})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	// manifest once, 0..100% in eleven steps, success once
	if len(lines) != 13 {
		t.Fatalf("got %d lines:\n%s", len(lines), out.String())
	}
	if strings.TrimSpace(lines[len(lines)-2]) != "downloading 100%" {
		t.Errorf("last progress line = %q", lines[len(lines)-2])
	}
}
