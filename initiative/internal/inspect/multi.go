package inspect

import (
	"context"
	"errors"
	"log/slog"
)

// MultiInspector merges the reports of several inspectors. An inspector
// that fails is logged and skipped; Inspect fails only when all of them do.
type MultiInspector struct {
	Inspectors []CodeInspector
	Logger     *slog.Logger
}

// Inspect runs every inspector in order over dir.
func (m *MultiInspector) Inspect(ctx context.Context, dir string) (*Report, error) {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var functions, deps []string
	var errs []error
	for _, in := range m.Inspectors {
		r, err := in.Inspect(ctx, dir)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("inspect: inspector failed", "dir", dir, "error", err)
			errs = append(errs, err)
			continue
		}
		functions = append(functions, r.Functions...)
		deps = append(deps, r.Dependencies...)
	}
	if len(m.Inspectors) > 0 && len(errs) == len(m.Inspectors) {
		return nil, errors.Join(errs...)
	}
	return &Report{Functions: unique(functions), Dependencies: unique(deps)}, nil
}
