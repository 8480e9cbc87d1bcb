package pipeline

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/fgeck/kmscheck/internal/models"
	"github.com/rs/zerolog"
)

// Stage is one step of the pipeline.
type Stage struct {
	Name string
	// DependsOn names stages that must have succeeded earlier in the same
	// run. A dependency outside the selected stages is assumed to be done.
	DependsOn []string
	Run       func(ctx context.Context) error
}

// Select returns the stages named in names, keeping the order of stages.
// An empty selection means all stages.
func Select(stages []Stage, names []string) ([]Stage, error) {
	if len(names) == 0 {
		return stages, nil
	}

	known := make([]string, 0, len(stages))
	for _, st := range stages {
		known = append(known, st.Name)
	}
	for _, n := range names {
		if !slices.Contains(known, n) {
			return nil, fmt.Errorf("unknown stage %q (valid: %s)", n, strings.Join(known, ", "))
		}
	}

	selected := make([]Stage, 0, len(names))
	for _, st := range stages {
		if slices.Contains(names, st.Name) {
			selected = append(selected, st)
		}
	}
	return selected, nil
}

// Runner executes stages in order and stops at the first failure.
type Runner struct {
	logger zerolog.Logger
}

// NewRunner creates a stage runner.
func NewRunner(logger zerolog.Logger) *Runner {
	return &Runner{logger: logger}
}

// Run executes stages sequentially. The returned results cover every stage
// that was started; the error is a *StageError for the first failure.
func (r *Runner) Run(ctx context.Context, stages []Stage) ([]models.StageResult, error) {
	selected := make(map[string]bool, len(stages))
	for _, st := range stages {
		selected[st.Name] = true
	}
	succeeded := make(map[string]bool, len(stages))
	results := make([]models.StageResult, 0, len(stages))

	for i, st := range stages {
		if err := ctx.Err(); err != nil {
			return results, &StageError{Stage: st.Name, Err: err}
		}

		for _, dep := range st.DependsOn {
			if selected[dep] && !succeeded[dep] {
				err := &StageError{Stage: st.Name, Err: fmt.Errorf("dependency %q did not succeed", dep)}
				results = append(results, models.StageResult{Name: st.Name, Error: err.Err})
				return results, err
			}
		}

		r.logger.Info().
			Str("stage", st.Name).
			Int("step", i+1).
			Int("of", len(stages)).
			Msg("starting stage")

		start := time.Now()
		err := st.Run(ctx)
		res := models.StageResult{Name: st.Name, Duration: time.Since(start), Error: err}
		results = append(results, res)

		if err != nil {
			r.logger.Error().Err(err).Str("stage", st.Name).Dur("duration", res.Duration).Msg("stage failed")
			return results, &StageError{Stage: st.Name, Err: err}
		}

		succeeded[st.Name] = true
		r.logger.Info().Str("stage", st.Name).Dur("duration", res.Duration).Msg("stage passed")
	}

	return results, nil
}
