package probe

import "fmt"

// DefaultName of the probe artifact when none is configured
const DefaultName = "endoscope_probe"

type BuildType string

const (
	BuildRelease = BuildType("release")
	BuildDebug   = BuildType("debug")
)

func (b BuildType) Valid() bool {
	return b == "" || b == BuildRelease || b == BuildDebug
}

// Config of the probe artifact lookup
type Config struct {
	// Name is the logical name of the probe, without path, prefix nor extension
	Name string `yaml:"name" env:"ENDOSCOPE_PROBE_NAME"`
	// Path is a directory searched before any other. Usually used during development
	// to override a shipped probe.
	Path string `yaml:"path" env:"ENDOSCOPE_PROBE_PATH"`
	// SystemDirs replaces the platform default installation directories
	SystemDirs []string `yaml:"system_dirs" env:"ENDOSCOPE_PROBE_SYSTEM_DIRS" envSeparator:":"`
	// EntrySymbol run once the probe is loaded. Defaults to <name>_inject
	EntrySymbol string `yaml:"entry_symbol" env:"ENDOSCOPE_PROBE_ENTRY_SYMBOL"`
	// BuildType "debug" makes the lookup prefer the debug builds of the probe
	BuildType BuildType `yaml:"build_type" env:"ENDOSCOPE_PROBE_BUILD_TYPE"`
}

func (c *Config) Validate() error {
	if !c.BuildType.Valid() {
		return fmt.Errorf("invalid probe build type %q. Accepted values: %s, %s", c.BuildType, BuildRelease, BuildDebug)
	}
	return nil
}
