package validation

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/songzhibin97/perf-pipeline/types"
)

// reportTimeLayout is the timestamp embedded in report file names.
const reportTimeLayout = "20060102_150405"

// Aggregator validates every script of a run and tallies the results.
type Aggregator struct {
	validator Validator
	reportDir string
	now       func() time.Time
	logger    *slog.Logger
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithReportDir sets where per-script reports are written.
func WithReportDir(dir string) AggregatorOption {
	return func(a *Aggregator) {
		a.reportDir = dir
	}
}

// WithClock overrides the clock used for report names.
func WithClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) {
		a.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) AggregatorOption {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// NewAggregator returns an Aggregator over v. A nil v behaves as Unavailable.
func NewAggregator(v Validator, options ...AggregatorOption) *Aggregator {
	if v == nil {
		v = Unavailable{Reason: "no validator configured"}
	}
	a := &Aggregator{
		validator: v,
		reportDir: ".",
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, option := range options {
		option(a)
	}
	return a
}

// Check reports whether the underlying validator is usable.
func (a *Aggregator) Check() error {
	if c, ok := a.validator.(Checker); ok {
		return c.Check()
	}
	return nil
}

// Validate runs the validator over paths in order, writes one report per
// script and returns the tally. The first error aborts the aggregation.
// Statuses other than pass, warning and fail are kept in the details but
// not counted.
func (a *Aggregator) Validate(ctx context.Context, paths []string) (types.ValidationSummary, error) {
	summary := types.ValidationSummary{Details: make([]types.ValidationDetail, 0, len(paths))}
	if err := a.Check(); err != nil {
		return summary, err
	}

	used := make(map[string]int, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		report, err := a.validator.Validate(ctx, p)
		if err != nil {
			return summary, fmt.Errorf("validate %s: %w", p, err)
		}

		reportPath := a.reportPath(p, used)
		if err := a.validator.WriteReport(ctx, report, reportPath); err != nil {
			return summary, fmt.Errorf("write report for %s: %w", p, err)
		}

		switch report.OverallStatus {
		case types.ValidationPass:
			summary.Passed++
		case types.ValidationWarning:
			summary.Warning++
		case types.ValidationFail:
			summary.Failed++
		default:
			a.logger.Warn("validator returned unknown status",
				slog.String("file", p),
				slog.String("status", string(report.OverallStatus)),
			)
		}
		summary.Details = append(summary.Details, types.ValidationDetail{
			File:       p,
			Result:     report,
			ReportPath: reportPath,
		})
	}
	return summary, nil
}

// reportPath names a report after the script stem and the current time.
// Names already handed out in this run get a numeric suffix.
func (a *Aggregator) reportPath(script string, used map[string]int) string {
	stem := strings.TrimSuffix(filepath.Base(script), filepath.Ext(script))
	name := fmt.Sprintf("validation_report_%s_%s", stem, a.now().Format(reportTimeLayout))
	used[name]++
	if n := used[name]; n > 1 {
		name = fmt.Sprintf("%s_%d", name, n)
	}
	return filepath.Join(a.reportDir, name+".json")
}
