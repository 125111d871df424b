package schema

import "encoding/json"

// WorkflowDefinition is the JSON-serializable workflow graph.
type WorkflowDefinition struct {
	Name         string            `json:"name"`
	InitialState string            `json:"initial_state"`
	States       []StateDefinition `json:"states"`
	Transitions  []Transition      `json:"transitions,omitempty"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
}

// StateDefinition describes a single node in a workflow graph.
type StateDefinition struct {
	Name       string          `json:"name"`
	Type       StateType       `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"` // variant-specific configuration
}

// TransitionType selects which terminal outcome of the source state follows the edge.
type TransitionType string

const (
	TransitionSuccess TransitionType = "SUCCESS"
	TransitionFailure TransitionType = "FAILURE"
)

// Transition is a directed edge between two states.
type Transition struct {
	From string         `json:"from"`
	To   string         `json:"to"`
	Type TransitionType `json:"type"`
}

// StateType is the stable type tag of a state variant.
type StateType string

const (
	StateTypeFork                          StateType = "FORK"
	StateTypeRepeat                        StateType = "REPEAT"
	StateTypeEnvLoop                       StateType = "ENV_LOOP"
	StateTypeEnvState                      StateType = "ENV_STATE"
	StateTypeEnvResumeState                StateType = "ENV_RESUME_STATE"
	StateTypeEnvLoopResumeState            StateType = "ENV_LOOP_RESUME_STATE"
	StateTypeEnvRollbackState              StateType = "ENV_ROLLBACK_STATE"
	StateTypeArtifactCollectLoop           StateType = "ARTIFACT_COLLECT_LOOP_STATE"
	StateTypeArtifactCollection            StateType = "ARTIFACT_COLLECTION"
	StateTypeResourceConstraint            StateType = "RESOURCE_CONSTRAINT"
	StateTypeAwsAmiRollbackSwitchRoutes    StateType = "AWS_AMI_ROLLBACK_SWITCH_ROUTES"
	StateTypeEcsBGRollbackRoute53DNSWeight StateType = "ECS_BG_ROLLBACK_ROUTE53_DNS_WEIGHT"
	StateTypeK8sSwapServiceSelectors       StateType = "K8S_SWAP_SERVICE_SELECTORS"
	StateTypeHelmRollback                  StateType = "HELM_ROLLBACK"
	StateTypePause                         StateType = "PAUSE"
	StateTypeVerification                  StateType = "VERIFICATION"
)

// AllStateTypes lists every supported state type tag.
var AllStateTypes = []StateType{
	StateTypeFork, StateTypeRepeat, StateTypeEnvLoop, StateTypeEnvState,
	StateTypeEnvResumeState, StateTypeEnvLoopResumeState, StateTypeEnvRollbackState,
	StateTypeArtifactCollectLoop, StateTypeArtifactCollection, StateTypeResourceConstraint,
	StateTypeAwsAmiRollbackSwitchRoutes, StateTypeEcsBGRollbackRoute53DNSWeight,
	StateTypeK8sSwapServiceSelectors, StateTypeHelmRollback, StateTypePause, StateTypeVerification,
}

// ExecutionStrategy controls how a repeat state dispatches its elements.
type ExecutionStrategy string

const (
	StrategySerial   ExecutionStrategy = "SERIAL"
	StrategyParallel ExecutionStrategy = "PARALLEL"
)

// HoldingScope is the granularity at which resource-constraint permits are tracked.
type HoldingScope string

const (
	ScopeWorkflow HoldingScope = "WORKFLOW"
	ScopePhase    HoldingScope = "PHASE"
	ScopePipeline HoldingScope = "PIPELINE"
)

// AcquireMode controls how requested permits relate to permits already held.
type AcquireMode string

const (
	// AcquireAccumulate requests the configured permits on top of those already held.
	AcquireAccumulate AcquireMode = "ACCUMULATE"
	// AcquireEnsure tops up the holder so it owns exactly the configured permits.
	AcquireEnsure AcquireMode = "ENSURE"
)

// Callback delivers the result of an awaited unit of work to the executor.
type Callback struct {
	CorrelationID string          `json:"correlation_id"`
	Status        ExecutionStatus `json:"status"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	Data          map[string]any  `json:"data,omitempty"`
}
