package workflow

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/songzhibin97/perf-pipeline/runner"
)

// Capability is the checked availability of one pipeline collaborator.
type Capability struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// Capabilities is the outcome of the startup check.
type Capabilities []Capability

// Available reports whether every collaborator is usable.
func (c Capabilities) Available() bool {
	return c.Err() == nil
}

// Err joins the reasons of every unavailable collaborator under
// ErrModuleUnavailable, or returns nil.
func (c Capabilities) Err() error {
	var errs []error
	for _, capability := range c {
		if !capability.Available {
			errs = append(errs, fmt.Errorf("%s: %s", capability.Name, capability.Reason))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrModuleUnavailable, errors.Join(errs...))
}

// checker is implemented by collaborators that can vouch for themselves.
type checker interface {
	Check() error
}

func checkCollaborator(name string, v interface{}) (c Capability) {
	if isNil(v) {
		return Capability{Name: name, Reason: "not configured"}
	}
	if ch, ok := v.(checker); ok {
		defer func() {
			if r := recover(); r != nil {
				c = Capability{Name: name, Reason: fmt.Sprintf("check panicked: %v", r)}
			}
		}()
		if err := ch.Check(); err != nil {
			return Capability{Name: name, Reason: err.Error()}
		}
	}
	return Capability{Name: name, Available: true}
}

// isNil also catches a nil pointer stored in a non-nil interface.
func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func checkCommand(name string, cmd runner.Command, dir string) Capability {
	if err := cmd.Check(dir); err != nil {
		return Capability{Name: name, Reason: err.Error()}
	}
	return Capability{Name: name, Available: true}
}

// inspect checks every collaborator once.
func inspect(deps Dependencies, p Pipeline) Capabilities {
	return Capabilities{
		checkCollaborator("task_writer", deps.Tasks),
		checkCommand("capture", p.Capture.Command, p.WorkDir),
		checkCommand("steps", p.Steps.Command, p.WorkDir),
		checkCommand("scripts", p.Scripts.Command, p.WorkDir),
		checkCollaborator("validator", deps.Validator),
	}
}
