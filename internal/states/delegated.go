package states

import (
	"context"
	"maps"

	"github.com/rendis/cdflow/internal/delegate"
	"github.com/rendis/cdflow/internal/execution"
	"github.com/rendis/cdflow/internal/timeout"
	"github.com/rendis/cdflow/pkg/schema"
)

// Delegate task types.
const (
	TaskTriggerWorkflow         = "trigger-workflow"
	TaskArtifactCollection      = "artifact-collection"
	TaskVerification            = "verification"
	TaskK8sSwapServiceSelectors = "k8s-swap-service-selectors"
	TaskAwsAmiSwitchRoutes      = "aws-ami-switch-routes-rollback"
	TaskEcsBGRoute53DNSWeight   = "ecs-bg-route53-dns-weight-rollback"
	TaskEnvRollback             = "env-rollback"
	TaskHelmRollback            = "helm-rollback"
)

// DefaultDelegateTimeoutMinutes applies when a delegate state sets no timeout.
const DefaultDelegateTimeoutMinutes = 30

// delegated is the shared shape of states that hand one task to a delegate
// and wait for its callback.
type delegated struct {
	base
	deps     *Deps
	taskType string
	params   func() map[string]any
	config   any
}

func newDelegated(name string, stateType schema.StateType, taskType string, minutes *int, deps *Deps, cfg any, params func() map[string]any) delegated {
	return delegated{
		base:     base{name: name, stateType: stateType, timeout: timeout.ResolveMillis(minutes)},
		deps:     deps,
		taskType: taskType,
		params:   params,
		config:   cfg,
	}
}

func (s *delegated) ValidateFields() error { return validateConfig(s.name, s.config) }

// submit renders the task parameters and dispatches the task.
func (s *delegated) submit(ctx context.Context, ec execution.Context, dedupKey string) (string, error) {
	if s.deps.Dispatcher == nil {
		return "", missingDep(s.name, "delegate dispatcher")
	}
	params, err := s.deps.render(ctx, ec, s.params())
	if err != nil {
		return "", err
	}
	taskTimeout := s.timeout
	if taskTimeout == nil {
		taskTimeout = timeout.ResolveMillis(timeout.Minutes(DefaultDelegateTimeoutMinutes))
	}
	return s.deps.Dispatcher.Submit(ctx, &delegate.Task{
		Type:             s.taskType,
		AccountID:        ec.AccountID(),
		AppID:            ec.AppID(),
		StateExecutionID: ec.Instance().ID,
		DedupKey:         dedupKey,
		Parameters:       params,
		TimeoutMillis:    taskTimeout,
	})
}

func (s *delegated) Execute(ctx context.Context, ec execution.Context) (*execution.Response, error) {
	id, err := s.submit(ctx, ec, "")
	if err != nil {
		return nil, err
	}
	return execution.AwaitCallbacks(id).WithStateData(map[string]any{"taskId": id}), nil
}

func (s *delegated) HandleAsyncResponse(ctx context.Context, ec execution.Context, results map[string]execution.Result) (*execution.Response, error) {
	return s.deps.passThrough(ctx, ec, results), nil
}

// withoutEmpty drops nil and empty-string values so optional properties do not
// reach the delegate.
func withoutEmpty(m map[string]any) map[string]any {
	out := maps.Clone(m)
	for k, v := range out {
		if v == nil || v == "" {
			delete(out, k)
		}
	}
	return out
}
