package validation

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/songzhibin97/perf-pipeline/types"
)

// Check names reported by JMXValidator.
const (
	CheckWellFormed  = "well_formed"
	CheckRoot        = "root_element"
	CheckTestPlan    = "test_plan"
	CheckThreadGroup = "thread_group"
	CheckSampler     = "http_sampler"
	CheckAssertion   = "assertion"
	CheckTimer       = "timer"
	CheckCorrelation = "correlation"
)

var extractors = []string{
	"RegexExtractor",
	"JSONPostProcessor",
	"BoundaryExtractor",
	"XPathExtractor",
	"XPath2Extractor",
}

// JMXValidator performs structural checks on JMeter test plans.
// Missing structure fails a script; missing best practices only warn.
type JMXValidator struct {
	fs  afero.Fs
	now func() time.Time
}

// NewJMXValidator returns a validator reading scripts from fs.
func NewJMXValidator(fs afero.Fs) *JMXValidator {
	return &JMXValidator{fs: fs, now: time.Now}
}

// Check implements Checker.
func (v *JMXValidator) Check() error {
	if v.fs == nil {
		return fmt.Errorf("%w: no filesystem", ErrUnavailable)
	}
	return nil
}

// Validate implements Validator. A script that cannot be parsed yields a
// failing report, not an error; only I/O problems are returned as errors.
func (v *JMXValidator) Validate(ctx context.Context, path string) (types.ValidationReport, error) {
	if err := ctx.Err(); err != nil {
		return types.ValidationReport{}, err
	}
	f, err := v.fs.Open(path)
	if err != nil {
		return types.ValidationReport{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	report := types.ValidationReport{File: path, ValidatedAt: v.now()}
	root, seen, perr := scanElements(f)
	if perr != nil {
		report.Checks = []types.ValidationCheck{{
			Name:    CheckWellFormed,
			Status:  types.ValidationFail,
			Message: perr.Error(),
		}}
		report.OverallStatus = types.ValidationFail
		return report, nil
	}

	report.Checks = []types.ValidationCheck{
		{Name: CheckWellFormed, Status: types.ValidationPass},
		required(CheckRoot, root == "jmeterTestPlan", fmt.Sprintf("root element is %q, want jmeterTestPlan", root)),
		required(CheckTestPlan, seen.has("TestPlan"), "no TestPlan element"),
		required(CheckThreadGroup, seen.hasSuffix("ThreadGroup"), "no thread group defined"),
		advisory(CheckSampler, seen.has("HTTPSamplerProxy"), "no HTTP samplers"),
		advisory(CheckAssertion, seen.hasSuffix("Assertion"), "no assertions, responses are not verified"),
		advisory(CheckTimer, seen.hasSuffix("Timer"), "no timers, requests will fire without think time"),
		advisory(CheckCorrelation, seen.hasAny(extractors...), "no extractors, dynamic values are not correlated"),
	}
	report.OverallStatus = overall(report.Checks)
	return report, nil
}

// WriteReport implements Validator.
func (v *JMXValidator) WriteReport(ctx context.Context, report types.ValidationReport, path string) error {
	return writeReport(ctx, v.fs, report, path)
}

type elementSet map[string]bool

func (s elementSet) has(name string) bool { return s[name] }

func (s elementSet) hasSuffix(suffix string) bool {
	for name := range s {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func (s elementSet) hasAny(names ...string) bool {
	for _, name := range names {
		if s[name] {
			return true
		}
	}
	return false
}

// scanElements reads the whole document and returns the root element name
// and the set of element names seen.
func scanElements(r io.Reader) (string, elementSet, error) {
	dec := xml.NewDecoder(r)
	seen := elementSet{}
	root := ""
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, fmt.Errorf("malformed XML: %w", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			if root == "" {
				root = start.Name.Local
			}
			seen[start.Name.Local] = true
		}
	}
	if root == "" {
		return "", nil, errors.New("malformed XML: no root element")
	}
	return root, seen, nil
}

func required(name string, ok bool, msg string) types.ValidationCheck {
	if ok {
		return types.ValidationCheck{Name: name, Status: types.ValidationPass}
	}
	return types.ValidationCheck{Name: name, Status: types.ValidationFail, Message: msg}
}

func advisory(name string, ok bool, msg string) types.ValidationCheck {
	if ok {
		return types.ValidationCheck{Name: name, Status: types.ValidationPass}
	}
	return types.ValidationCheck{Name: name, Status: types.ValidationWarning, Message: msg}
}

// overall is fail if any check failed, else warning if any warned, else pass.
func overall(checks []types.ValidationCheck) types.ValidationStatus {
	status := types.ValidationPass
	for _, c := range checks {
		switch c.Status {
		case types.ValidationFail:
			return types.ValidationFail
		case types.ValidationWarning:
			status = types.ValidationWarning
		}
	}
	return status
}
