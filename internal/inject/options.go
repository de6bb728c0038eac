package inject

import "time"

// Options shared by all the strategies. Each strategy reads only its own section.
type Options struct {
	Launch LaunchConfig `yaml:"launch"`
	GDB    GDBConfig    `yaml:"gdb"`
	Node   NodeConfig   `yaml:"node"`
}

type LaunchConfig struct {
	// ConfirmTimeout is the maximum time to wait for a launched process to map the probe
	ConfirmTimeout time.Duration `yaml:"confirm_timeout" env:"ENDOSCOPE_LAUNCH_CONFIRM_TIMEOUT"`
	// PollInterval between two inspections of the launched process
	PollInterval time.Duration `yaml:"poll_interval" env:"ENDOSCOPE_LAUNCH_POLL_INTERVAL"`
}

type GDBConfig struct {
	// Path to the gdb executable. Looked up in the PATH if empty.
	Path    string        `yaml:"path" env:"ENDOSCOPE_GDB_PATH"`
	Timeout time.Duration `yaml:"timeout" env:"ENDOSCOPE_GDB_TIMEOUT"`
}

type NodeConfig struct {
	// InspectorAddr is the host:port where the inspector of the target listens once enabled
	InspectorAddr string        `yaml:"inspector_addr" env:"ENDOSCOPE_NODE_INSPECTOR_ADDR"`
	Timeout       time.Duration `yaml:"timeout" env:"ENDOSCOPE_NODE_TIMEOUT"`
}

var DefaultOptions = Options{
	Launch: LaunchConfig{
		ConfirmTimeout: 5 * time.Second,
		PollInterval:   20 * time.Millisecond,
	},
	GDB: GDBConfig{
		Timeout: 30 * time.Second,
	},
	Node: NodeConfig{
		InspectorAddr: "127.0.0.1:9229",
		Timeout:       5 * time.Second,
	},
}
