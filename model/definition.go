package model

// WorkflowDefinition is the file form of a workflow, as authored in YAML or
// posted as JSON.
type WorkflowDefinition struct {
	ID          string                 `yaml:"id" json:"id"`
	Name        string                 `yaml:"name" json:"name"`
	Description string                 `yaml:"description" json:"description,omitempty"`
	Status      string                 `yaml:"status" json:"status,omitempty"`
	UserID      string                 `yaml:"user_id" json:"user_id,omitempty"`
	Trigger     TriggerDefinition      `yaml:"trigger" json:"trigger"`
	IsTemplate  bool                   `yaml:"is_template" json:"is_template,omitempty"`
	Metadata    map[string]any         `yaml:"metadata" json:"metadata,omitempty"`
	States      []StateDefinition      `yaml:"states" json:"states"`
	Transitions []TransitionDefinition `yaml:"transitions" json:"transitions"`
	Schedules   []ScheduleDefinition   `yaml:"schedules" json:"schedules,omitempty"`

	// Set by the loader.
	SourceFile string `yaml:"-" json:"-"`
	Checksum   string `yaml:"-" json:"-"`
}

// TriggerDefinition describes how the workflow is started.
type TriggerDefinition struct {
	Type   string         `yaml:"type" json:"type"`
	Config map[string]any `yaml:"config" json:"config,omitempty"`
}

// StateDefinition is one node of a workflow definition.
type StateDefinition struct {
	ID             string          `yaml:"id" json:"id"`
	Name           string          `yaml:"name" json:"name,omitempty"`
	Type           string          `yaml:"type" json:"type"`
	Action         string          `yaml:"action" json:"action,omitempty"`
	Config         map[string]any  `yaml:"config" json:"config,omitempty"`
	Position       Position        `yaml:"position" json:"position"`
	TimeoutSeconds int             `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Retry          RetryDefinition `yaml:"retry" json:"retry"`
}

// RetryDefinition is the per-state retry policy.
type RetryDefinition struct {
	Count        int `yaml:"count" json:"count,omitempty"`
	DelaySeconds int `yaml:"delay_seconds" json:"delay_seconds,omitempty"`
}

// TransitionDefinition is one edge of a workflow definition.
type TransitionDefinition struct {
	From       string         `yaml:"from" json:"from"`
	To         string         `yaml:"to" json:"to"`
	Priority   int            `yaml:"priority" json:"priority,omitempty"`
	Condition  map[string]any `yaml:"condition" json:"condition,omitempty"`
	Expression string         `yaml:"expression" json:"expression,omitempty"`
	Routing    map[string]any `yaml:"routing" json:"routing,omitempty"`
}

// ScheduleDefinition starts the workflow on a fixed interval.
type ScheduleDefinition struct {
	IntervalSeconds int            `yaml:"interval_seconds" json:"interval_seconds"`
	Input           map[string]any `yaml:"input" json:"input,omitempty"`
	Disabled        bool           `yaml:"disabled" json:"disabled,omitempty"`
}
