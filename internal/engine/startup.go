package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
)

// EnsureReady fails fast when the model backend is down and pulls any of
// models that are not available locally, reporting progress to w. Blank and
// repeated names are ignored.
func EnsureReady(ctx context.Context, e Engine, w io.Writer, models ...string) error {
	if !e.IsRunning(ctx) {
		return errors.New("model backend is not running; start it with: ollama serve")
	}
	local, err := e.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("listing models: %w", err)
	}

	var checked []string
	for _, model := range models {
		if model == "" || slices.Contains(checked, model) {
			continue
		}
		checked = append(checked, model)

		if !available(local, model) {
			fmt.Fprintf(w, "model %s: pulling...\n", model)
			if err := e.PullModel(ctx, model, progressPrinter(w)); err != nil {
				return fmt.Errorf("pulling model %s: %w", model, err)
			}
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}
	return nil
}

// available matches a bare model name against any of its local tags.
func available(local []string, model string) bool {
	return slices.ContainsFunc(local, func(m string) bool {
		return m == model || strings.HasPrefix(m, model+":")
	})
}

// progressPrinter writes a line when the pull status changes and then at
// most once per ten percent of a download.
func progressPrinter(w io.Writer) func(PullProgress) {
	lastStatus, lastStep := "", -1
	return func(p PullProgress) {
		step := -1
		if p.Total > 0 {
			step = int(p.Completed * 10 / p.Total)
		}
		if p.Status == lastStatus && step == lastStep {
			return
		}
		lastStatus, lastStep = p.Status, step
		if step < 0 {
			fmt.Fprintf(w, "  %s\n", p.Status)
			return
		}
		fmt.Fprintf(w, "  %s %d%%\n", p.Status, p.Completed*100/p.Total)
	}
}
