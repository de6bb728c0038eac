package inject

import "fmt"

// Outcome of an injection attempt. Either it succeeded, or it failed with a non-nil error.
type Outcome struct {
	Succeeded bool
	// Strategy that was attempted. Empty if the failure occurred before selecting any.
	Strategy string
	// PID of the target process, or zero if it could not be created
	PID int
	Err error
	// Exited is closed once a launched process, whose output is forwarded by endoscope,
	// has exited. Nil when there is nothing to wait for.
	Exited <-chan struct{}
}

func Succeeded(strategy string, pid int) Outcome {
	return Outcome{Succeeded: true, Strategy: strategy, PID: pid}
}

// Failed returns a failed outcome. A nil error is recorded as ErrInjectionMechanismFailed.
func Failed(strategy string, pid int, err error) Outcome {
	if err == nil {
		err = ErrInjectionMechanismFailed
	}
	return Outcome{Strategy: strategy, PID: pid, Err: err}
}

// Message returns the one-line diagnostic of a failure, or an empty string on success
func (o Outcome) Message() string {
	if o.Succeeded {
		return ""
	}
	err := o.Err
	if err == nil {
		err = ErrInjectionMechanismFailed
	}
	if o.Strategy == "" {
		return err.Error()
	}
	return fmt.Sprintf("injector %q: %v", o.Strategy, err)
}
