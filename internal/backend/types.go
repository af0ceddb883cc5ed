package backend

// Request is one unit of work handed to an agent.
type Request struct {
	AgentID     string
	AgentType   string
	TaskID      string // scheduler task id, or "<execution>/<step>" for workflow steps
	Description string
	Context     map[string]any
}

// CommandConfig describes how to invoke the CLI behind one agent type.
type CommandConfig struct {
	Command string            `mapstructure:"command" yaml:"command"`
	Args    []string          `mapstructure:"args" yaml:"args,omitempty"`
	WorkDir string            `mapstructure:"work_dir" yaml:"work_dir,omitempty"`
	Env     map[string]string `mapstructure:"env" yaml:"env,omitempty"`
}
