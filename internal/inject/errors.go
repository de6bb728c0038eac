package inject

import "errors"

var (
	ErrInvalidTarget       = errors.New("exactly one of a process ID or a command to launch is required")
	ErrUnknownStrategy     = errors.New("unknown injector")
	ErrNoStrategyAvailable = errors.New("no injector available")
	ErrUnsupportedMode     = errors.New("unsupported mode")
	ErrArtifactUnusable    = errors.New("probe artifact unusable")
	// ErrTargetProcessUnavailable means the process does not exist or can't be accessed
	ErrTargetProcessUnavailable = errors.New("target process unavailable")
	// ErrInjectionMechanismFailed means the OS-level manipulation of the target failed
	ErrInjectionMechanismFailed = errors.New("injection mechanism failed")
	// ErrTargetDidNotLoadProbe means the injection ran but the probe isn't resident in the target
	ErrTargetDidNotLoadProbe = errors.New("target did not load the probe")
)

var causes = []struct {
	err   error
	label string
}{
	{ErrInvalidTarget, "invalid_target"},
	{ErrUnknownStrategy, "unknown_strategy"},
	{ErrNoStrategyAvailable, "no_strategy_available"},
	{ErrUnsupportedMode, "unsupported_mode"},
	{ErrArtifactUnusable, "artifact_unusable"},
	{ErrTargetProcessUnavailable, "target_process_unavailable"},
	{ErrInjectionMechanismFailed, "injection_mechanism_failed"},
	{ErrTargetDidNotLoadProbe, "target_did_not_load_probe"},
}

// Cause returns a short label for the error category, as used in metrics:
// "success" for a nil error, "other" for errors out of this package's taxonomy.
func Cause(err error) string {
	if err == nil {
		return "success"
	}
	for _, c := range causes {
		if errors.Is(err, c.err) {
			return c.label
		}
	}
	return "other"
}
