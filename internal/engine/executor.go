package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/cdflow/internal/execution"
	"github.com/rendis/cdflow/internal/logging"
	"github.com/rendis/cdflow/internal/permits"
	"github.com/rendis/cdflow/internal/states"
	"github.com/rendis/cdflow/internal/store"
	"github.com/rendis/cdflow/internal/telemetry"
	"github.com/rendis/cdflow/pkg/schema"
)

// Executor drives workflow executions through their state graphs.
type Executor interface {
	// Start compiles the definition, records a new workflow execution and
	// schedules its initial state.
	Start(ctx context.Context, req StartRequest) (*store.WorkflowExecution, error)

	// Notify delivers the result for a correlation id: a child completion, a
	// delegate callback, an approval decision or a permit activation. The
	// first delivery per id wins; duplicates are ignored. When every awaited
	// id of an instance has arrived its state's HandleAsyncResponse runs once.
	Notify(ctx context.Context, correlationID string, result execution.Result) error

	// Expire finishes a waiting or paused instance as EXPIRED.
	Expire(ctx context.Context, instanceID string) error

	// Abort marks every unfinished instance of the execution ABORTED and
	// drops their wait sets without calling HandleAsyncResponse.
	Abort(ctx context.Context, workflowExecutionID, reason string) error

	// Status returns a snapshot of a workflow execution.
	Status(ctx context.Context, workflowExecutionID string) (*WorkflowStatus, error)

	// Recover rebuilds wait sets of running executions after a restart.
	Recover(ctx context.Context) error

	// Wait blocks until scheduled work has drained.
	Wait()

	// Shutdown stops accepting work and waits for running work.
	Shutdown()
}

// StartRequest describes a workflow execution to start.
type StartRequest struct {
	WorkflowID          string                    `json:"workflow_id"`
	AppID               string                    `json:"app_id"`
	AccountID           string                    `json:"account_id"`
	PipelineExecutionID string                    `json:"pipeline_execution_id,omitempty"`
	Definition          schema.WorkflowDefinition `json:"definition"`
	ContextParams       map[string]string         `json:"context_params,omitempty"`
}

// WorkflowStatus is a snapshot of a workflow execution for querying.
type WorkflowStatus struct {
	Execution *store.WorkflowExecution `json:"execution"`
	Instances []*execution.Instance    `json:"instances"`
	Events    []*store.Event           `json:"events,omitempty"`
}

// EventLogger abstracts the event log operations the executor needs.
// Satisfied by *store.EventLog and test mocks.
type EventLogger interface {
	EventAppender
	GetEvents(ctx context.Context, workflowExecutionID string, since int64) ([]*store.Event, error)
	ReplayStatuses(ctx context.Context, workflowExecutionID string) (map[string]schema.ExecutionStatus, error)
}

// ApprovalExpirer closes approval requests of paused instances that expire.
type ApprovalExpirer interface {
	Expire(ctx context.Context, id string) error
}

// DefaultPoolSize is the default worker pool concurrency.
const DefaultPoolSize = 10

// DefaultWaitTimeout bounds a waiting instance whose state sets no timeout.
const DefaultWaitTimeout = 24 * time.Hour

// ExecutorConfig holds configuration for the executor.
type ExecutorConfig struct {
	PoolSize           int                 // max concurrent state executions
	DefaultWaitTimeout time.Duration       // zero means DefaultWaitTimeout, negative disables
	Evaluator          execution.Evaluator // expression evaluator for execution contexts
	Approvals          ApprovalExpirer     // optional
	Metrics            *telemetry.Metrics  // optional
	Logger             *slog.Logger        // optional
}

// executorImpl is the concrete Executor implementation.
type executorImpl struct {
	store   store.Store
	events  EventLogger
	fsm     *StatusFSM
	factory *states.Factory
	gate    *permits.Gate
	pool    *statePool
	config  ExecutorConfig
	metrics *telemetry.Metrics
	logger  *slog.Logger
	waits   *waitTable

	// wg counts scheduled work, including work not yet admitted by the pool.
	wg sync.WaitGroup

	// mu guards graphs.
	mu     sync.Mutex
	graphs map[string]*states.Graph
}

// NewExecutor creates an Executor. States are built through factory; the
// factory's permit gate, when set, also releases the WORKFLOW and PHASE permits of
// an execution when it ends.
func NewExecutor(s store.Store, el EventLogger, factory *states.Factory, cfg ExecutorConfig) Executor {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.DefaultWaitTimeout == 0 {
		cfg.DefaultWaitTimeout = DefaultWaitTimeout
	}
	deps := factory.Deps()
	if cfg.Metrics == nil {
		cfg.Metrics = deps.Metrics
	}
	logger := cfg.Logger
	if logger == nil {
		logger = deps.Logger
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &executorImpl{
		store:   s,
		events:  el,
		fsm:     NewStatusFSM(el),
		factory: factory,
		gate:    deps.Gate,
		pool:    newStatePool(cfg.PoolSize),
		config:  cfg,
		metrics: cfg.Metrics,
		logger:  logger,
		waits:   newWaitTable(),
		graphs:  make(map[string]*states.Graph),
	}
	e.pool.OnPanic(func(pe *PanicError) {
		e.logger.Error("state execution panicked",
			"state_execution_id", pe.InstanceID, "error", pe.Error(), "stack", string(pe.Stack))
	})
	return e
}

// Start starts a new workflow execution.
func (e *executorImpl) Start(ctx context.Context, req StartRequest) (*store.WorkflowExecution, error) {
	if req.AppID == "" || req.AccountID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "app_id and account_id are required")
	}
	g, err := states.Compile(&req.Definition, e.factory)
	if err != nil {
		return nil, err
	}

	workflowID := req.WorkflowID
	if workflowID == "" {
		workflowID = req.Definition.Name
	}
	wfe := &store.WorkflowExecution{
		ID:                  uuid.NewString(),
		WorkflowID:          workflowID,
		AppID:               req.AppID,
		AccountID:           req.AccountID,
		PipelineExecutionID: req.PipelineExecutionID,
		Definition:          req.Definition,
		Status:              schema.StatusRunning,
		ContextParams:       req.ContextParams,
	}
	if err := e.store.CreateWorkflowExecution(ctx, wfe); err != nil {
		return nil, err
	}
	ctx = logging.WithIDs(ctx, wfe.ID, "", wfe.AccountID)
	e.emit(ctx, wfe.ID, "", schema.EventWorkflowStarted, map[string]any{"workflow_id": workflowID})

	first := g.InitialState()
	inst := execution.NewInstance(first.Name(), first.Type())
	inst.AppID = wfe.AppID
	inst.AccountID = wfe.AccountID
	inst.WorkflowID = wfe.WorkflowID
	inst.WorkflowExecutionID = wfe.ID
	inst.PipelineExecutionID = wfe.PipelineExecutionID
	inst.ContextParams = maps.Clone(wfe.ContextParams)
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return nil, err
	}
	if err := e.store.UpdateWorkflowExecution(ctx, wfe.ID, store.WorkflowExecutionUpdate{CurrentInstanceID: &inst.ID}); err != nil {
		return nil, err
	}
	wfe.CurrentInstanceID = inst.ID

	e.cacheGraph(wfe.ID, g)
	logging.LogWith(ctx, e.logger).InfoContext(ctx, "workflow execution started",
		"workflow_id", workflowID, "initial_state", first.Name())

	e.submit(ctx, e.runJob(g, inst))
	return wfe, nil
}

// Notify delivers one awaited result.
func (e *executorImpl) Notify(ctx context.Context, correlationID string, result execution.Result) error {
	if correlationID == "" {
		return schema.NewError(schema.ErrCodeValidation, "correlation id is required")
	}
	if !result.Status.IsFinal() {
		return schema.NewErrorf(schema.ErrCodeValidation, "callback status %q is not terminal", result.Status)
	}
	owner, routed := e.waits.route(correlationID, result)
	switch routed {
	case routeOwned:
		return e.deliver(ctx, owner, correlationID, result)
	case routeParked:
		// The owner may still be between Execute and registering its wait set.
		e.metrics.RecordCallback("parked")
		return nil
	case routeClosed:
		e.metrics.RecordCallback("late")
		logging.LogWith(ctx, e.logger).DebugContext(ctx, "callback for a closed wait set ignored",
			"correlation_id", correlationID)
		return nil
	default:
		e.metrics.RecordCallback("unknown")
		return schema.NewErrorf(schema.ErrCodeNotFound, "no instance awaits correlation id %s", correlationID)
	}
}

// deliver persists a result and resumes the owner when its set completes.
func (e *executorImpl) deliver(ctx context.Context, instanceID, correlationID string, result execution.Result) error {
	inserted, err := e.store.SaveAwaitedResult(ctx, instanceID, correlationID, result)
	if err != nil {
		return err
	}
	if !inserted {
		e.metrics.RecordCallback("duplicate")
		return nil
	}
	if !e.waits.waiting(instanceID) {
		// Expired or aborted after the owner lookup; its cleanup may already
		// have run, so this row would be orphaned.
		e.deleteAwaitedResults(ctx, instanceID)
		e.metrics.RecordCallback("late")
		return nil
	}
	e.metrics.RecordCallback("accepted")

	wfeID := e.waits.workflowExecutionOf(instanceID)
	e.emit(ctx, wfeID, instanceID, schema.EventCallbackReceived, map[string]any{
		"correlation_id": correlationID,
		"status":         string(result.Status),
		"error_message":  result.ErrorMessage,
	})

	if !e.waits.arrive(instanceID, correlationID) {
		return nil
	}
	return e.resume(ctx, instanceID)
}

// resume hands the collected results to the waiting state.
func (e *executorImpl) resume(ctx context.Context, instanceID string) error {
	e.metrics.AddWaiting(-1)

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	ctx = logging.WithIDs(ctx, inst.WorkflowExecutionID, inst.ID, inst.AccountID)
	g, err := e.graph(ctx, inst.WorkflowExecutionID)
	if err != nil {
		return err
	}
	results, err := e.store.AwaitedResults(ctx, inst.ID)
	if err != nil {
		return err
	}

	if err := e.transition(ctx, inst, schema.StatusRunning, ""); err != nil {
		return e.ignoreCancelled(err)
	}

	var resp *execution.Response
	st, err := e.stateFor(ctx, g, inst)
	if err == nil {
		async, ok := st.(states.AsyncState)
		if !ok {
			err = schema.InvalidRequest("state %s cannot handle asynchronous results", st.Name())
		} else {
			resp, err = async.HandleAsyncResponse(ctx, e.contextFor(inst), results)
		}
	}
	e.deleteAwaitedResults(ctx, inst.ID)
	if len(results) > 1 && resp != nil {
		e.emit(ctx, inst.WorkflowExecutionID, inst.ID, schema.EventResponseAggregated, map[string]any{
			"results": len(results),
			"status":  string(resp.Status),
		})
	}

	if next := e.apply(ctx, g, inst, resp, err); next != nil {
		e.submit(ctx, e.runJob(g, next))
	}
	return nil
}

// run executes inst and follows transitions for as long as states complete
// synchronously.
func (e *executorImpl) run(ctx context.Context, g *states.Graph, inst *execution.Instance) {
	for inst != nil {
		inst = e.step(ctx, g, inst)
	}
}

// step executes one instance and returns the next top-level instance to run.
func (e *executorImpl) step(ctx context.Context, g *states.Graph, inst *execution.Instance) *execution.Instance {
	ctx = logging.WithIDs(ctx, inst.WorkflowExecutionID, inst.ID, inst.AccountID)

	st, err := e.stateFor(ctx, g, inst)
	if err != nil {
		return e.apply(ctx, g, inst, nil, err)
	}
	if inst.TimeoutMillis == nil {
		inst.TimeoutMillis = st.TimeoutMillis()
	}
	if err := e.transition(ctx, inst, schema.StatusRunning, ""); err != nil {
		e.logTransitionError(ctx, inst, err)
		return nil
	}
	now := time.Now().UTC()
	inst.StartedAt = &now
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return e.apply(ctx, g, inst, nil, err)
	}

	resp, err := st.Execute(ctx, e.contextFor(inst))
	return e.apply(ctx, g, inst, resp, err)
}

// apply records a response (or error) on inst.
func (e *executorImpl) apply(ctx context.Context, g *states.Graph, inst *execution.Instance, resp *execution.Response, err error) *execution.Instance {
	if err != nil {
		out := HandleStateError(ctx, e.events, logging.LogWith(ctx, e.logger), inst, err)
		return e.finish(ctx, g, inst, out.Status, out.Message)
	}
	if verr := resp.Validate(); verr != nil {
		return e.finish(ctx, g, inst, schema.StatusError, verr.Error())
	}
	inst.SetStateData(inst.StateName, resp.StateData)
	if resp.Async {
		e.wait(ctx, g, inst, resp)
		return nil
	}
	if !resp.Status.IsFinal() {
		return e.finish(ctx, g, inst, schema.StatusError, "state completed with non-terminal status "+string(resp.Status))
	}
	return e.finish(ctx, g, inst, resp.Status, resp.ErrorMessage)
}

// wait parks inst on the response's correlation ids and schedules children.
func (e *executorImpl) wait(ctx context.Context, g *states.Graph, inst *execution.Instance, resp *execution.Response) {
	status := schema.StatusWaiting
	if resp.Status == schema.StatusPaused {
		status = schema.StatusPaused
	}
	if err := e.transition(ctx, inst, status, ""); err != nil {
		e.logTransitionError(ctx, inst, err)
		return
	}
	inst.CorrelationIDs = resp.CorrelationIDs
	inst.ExpiresAt = e.expiry(inst)
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		logging.LogWith(ctx, e.logger).ErrorContext(ctx, "persist waiting instance", "error", err)
		return
	}

	for _, child := range resp.Children {
		if err := e.store.SaveInstance(ctx, child); err != nil {
			logging.LogWith(ctx, e.logger).ErrorContext(ctx, "persist child instance", "child", child.ID, "error", err)
		}
	}
	if len(resp.Children) > 0 {
		e.emit(ctx, inst.WorkflowExecutionID, inst.ID, schema.EventChildrenScheduled, map[string]any{
			"count":           len(resp.Children),
			"correlation_ids": resp.CorrelationIDs,
		})
	}

	e.metrics.AddWaiting(1)
	e.await(ctx, inst, nil)

	if len(resp.Children) > 0 {
		jobs := make([]job, len(resp.Children))
		for i, child := range resp.Children {
			jobs[i] = e.runJob(g, child)
		}
		e.submit(ctx, jobs...)
	}
}

// await registers the wait set of inst and delivers results that arrived
// before it was registered.
func (e *executorImpl) await(ctx context.Context, inst *execution.Instance, arrived map[string]execution.Result) {
	early := e.waits.register(inst.ID, inst.WorkflowExecutionID, inst.CorrelationIDs, arrived)
	for id, r := range early {
		if err := e.deliver(ctx, inst.ID, id, r); err != nil {
			logging.LogWith(ctx, e.logger).WarnContext(ctx, "deliver parked result", "correlation_id", id, "error", err)
		}
	}
}

// finish moves inst to a terminal status. A child reports to its parent; a
// top-level instance follows its transition or ends the workflow.
func (e *executorImpl) finish(ctx context.Context, g *states.Graph, inst *execution.Instance, status schema.ExecutionStatus, msg string) *execution.Instance {
	if err := e.transition(ctx, inst, status, msg); err != nil {
		e.logTransitionError(ctx, inst, err)
		return nil
	}
	now := time.Now().UTC()
	inst.EndedAt = &now
	inst.ErrorMessage = msg
	inst.CorrelationIDs = nil
	inst.ExpiresAt = nil
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		logging.LogWith(ctx, e.logger).ErrorContext(ctx, "persist finished instance", "error", err)
	}

	started := inst.CreatedAt
	if inst.StartedAt != nil {
		started = *inst.StartedAt
	}
	e.metrics.RecordStateCompleted(string(inst.StateType), string(status), now.Sub(started))
	logging.LogWith(ctx, e.logger).InfoContext(ctx, "state finished",
		"state", inst.DisplayName, "status", string(status), "error_message", msg)

	if inst.ParentInstanceID != "" {
		e.reportToParent(ctx, inst)
		return nil
	}

	next, ok := g.Next(inst.StateName, status)
	if !ok {
		e.complete(ctx, inst, status, msg)
		return nil
	}
	succ := successor(inst, next)
	if err := e.store.SaveInstance(ctx, succ); err != nil {
		logging.LogWith(ctx, e.logger).ErrorContext(ctx, "persist successor instance", "error", err)
		return nil
	}
	if err := e.store.UpdateWorkflowExecution(ctx, inst.WorkflowExecutionID, store.WorkflowExecutionUpdate{CurrentInstanceID: &succ.ID}); err != nil {
		logging.LogWith(ctx, e.logger).WarnContext(ctx, "update current instance", "error", err)
	}
	e.emit(ctx, inst.WorkflowExecutionID, inst.ID, schema.EventTransitionFollowed, map[string]any{
		"from":   inst.StateName,
		"to":     next.Name(),
		"status": string(status),
	})
	return succ
}

func (e *executorImpl) reportToParent(ctx context.Context, child *execution.Instance) {
	if !e.waits.waiting(child.ParentInstanceID) {
		logging.LogWith(ctx, e.logger).DebugContext(ctx, "parent no longer waiting", "parent", child.ParentInstanceID)
		return
	}
	err := e.deliver(ctx, child.ParentInstanceID, child.ID, execution.Result{
		Status:       child.Status,
		ErrorMessage: child.ErrorMessage,
		Data:         child.ExecutionData[child.StateName],
	})
	if err != nil {
		logging.LogWith(ctx, e.logger).ErrorContext(ctx, "report child result", "parent", child.ParentInstanceID, "error", err)
	}
}

// complete ends the workflow execution after its last state.
func (e *executorImpl) complete(ctx context.Context, last *execution.Instance, status schema.ExecutionStatus, msg string) {
	final := status
	if status.IsPositive() {
		final = schema.StatusSuccess
	}
	e.endWorkflow(ctx, last.WorkflowExecutionID, last.AppID, final, msg)
}

func (e *executorImpl) endWorkflow(ctx context.Context, wfeID, appID string, status schema.ExecutionStatus, msg string) {
	now := time.Now().UTC()
	update := store.WorkflowExecutionUpdate{Status: &status, EndedAt: &now}
	if msg != "" {
		update.ErrorMessage = &msg
	}
	if err := e.store.UpdateWorkflowExecution(ctx, wfeID, update); err != nil {
		logging.LogWith(ctx, e.logger).ErrorContext(ctx, "persist workflow end", "error", err)
	}
	payload := store.StatusPayload{From: schema.StatusRunning, To: status, ErrorMessage: msg}
	e.emit(ctx, wfeID, "", schema.EventWorkflowFinished, payload)
	logging.LogWith(ctx, e.logger).InfoContext(ctx, "workflow execution finished", "status", string(status))

	if e.gate != nil {
		activated, err := e.gate.ReleaseExecution(ctx, wfeID, appID)
		if err != nil {
			logging.LogWith(ctx, e.logger).ErrorContext(ctx, "release workflow permits", "error", err)
		}
		if len(activated) > 0 {
			e.emit(ctx, wfeID, "", schema.EventPermitsRelease, map[string]any{"activated": activated})
		}
		e.notifyPermits(ctx, activated)
	}
	e.forgetGraph(wfeID)
}

// notifyPermits wakes resource constraint states whose queued permits were
// activated.
func (e *executorImpl) notifyPermits(ctx context.Context, permitIDs []string) {
	for _, id := range permitIDs {
		err := e.Notify(ctx, id, execution.Result{
			Status: schema.StatusSuccess,
			Data:   map[string]any{"permitId": id, "decision": string(permits.DecisionProceed)},
		})
		if err != nil {
			logging.LogWith(ctx, e.logger).WarnContext(ctx, "notify activated permit", "permit_id", id, "error", err)
		}
	}
}

// Expire finishes a waiting instance as EXPIRED.
func (e *executorImpl) Expire(ctx context.Context, instanceID string) error {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != schema.StatusWaiting && inst.Status != schema.StatusPaused {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %s is %s, not waiting", instanceID, inst.Status)
	}
	if !e.waits.drop(instanceID) {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %s is already being resumed", instanceID)
	}
	ctx = logging.WithIDs(ctx, inst.WorkflowExecutionID, inst.ID, inst.AccountID)
	e.metrics.AddWaiting(-1)
	e.metrics.RecordExpired()

	if inst.Status == schema.StatusPaused && e.config.Approvals != nil {
		for _, id := range inst.CorrelationIDs {
			if err := e.config.Approvals.Expire(ctx, id); err != nil && !schema.HasCode(err, schema.ErrCodeNotFound) {
				logging.LogWith(ctx, e.logger).WarnContext(ctx, "expire approval", "approval_id", id, "error", err)
			}
		}
	}
	e.abortChildren(ctx, inst.ID, "parent expired")
	e.deleteAwaitedResults(ctx, inst.ID)

	g, err := e.graph(ctx, inst.WorkflowExecutionID)
	if err != nil {
		return err
	}
	msg := "timed out waiting for " + inst.DisplayName
	if next := e.finish(ctx, g, inst, schema.StatusExpired, msg); next != nil {
		e.submit(ctx, e.runJob(g, next))
	}
	return nil
}

// Abort terminates a workflow execution.
func (e *executorImpl) Abort(ctx context.Context, workflowExecutionID, reason string) error {
	wfe, err := e.store.GetWorkflowExecution(ctx, workflowExecutionID)
	if err != nil {
		return err
	}
	if wfe.Status.IsFinal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow execution %s already %s", wfe.ID, wfe.Status)
	}
	ctx = logging.WithIDs(ctx, wfe.ID, "", wfe.AccountID)

	instances, err := e.store.ListInstances(ctx, store.InstanceFilter{WorkflowExecutionID: wfe.ID})
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if !inst.Status.IsFinal() {
			e.abortInstance(ctx, inst, reason)
		}
	}
	if reason == "" {
		reason = "aborted"
	}
	e.endWorkflow(ctx, wfe.ID, wfe.AppID, schema.StatusAborted, reason)
	return nil
}

func (e *executorImpl) abortChildren(ctx context.Context, parentID, reason string) {
	children, err := e.store.ListInstances(ctx, store.InstanceFilter{ParentInstanceID: parentID})
	if err != nil {
		logging.LogWith(ctx, e.logger).WarnContext(ctx, "list children to abort", "parent", parentID, "error", err)
		return
	}
	for _, child := range children {
		if !child.Status.IsFinal() {
			e.abortInstance(ctx, child, reason)
			e.abortChildren(ctx, child.ID, reason)
		}
	}
}

func (e *executorImpl) abortInstance(ctx context.Context, inst *execution.Instance, reason string) {
	if e.waits.drop(inst.ID) {
		e.metrics.AddWaiting(-1)
		e.deleteAwaitedResults(ctx, inst.ID)
	} else {
		// An in-flight execution must not overwrite the abort.
		e.waits.cancel(inst.ID)
	}
	if err := e.fsm.Transition(ctx, inst.WorkflowExecutionID, inst.ID, inst.Status, schema.StatusAborted, reason); err != nil {
		e.logTransitionError(ctx, inst, err)
		return
	}
	now := time.Now().UTC()
	inst.Status = schema.StatusAborted
	inst.ErrorMessage = reason
	inst.EndedAt = &now
	inst.CorrelationIDs = nil
	inst.ExpiresAt = nil
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		logging.LogWith(ctx, e.logger).ErrorContext(ctx, "persist aborted instance", "error", err)
	}
}

// Status returns a snapshot of a workflow execution.
func (e *executorImpl) Status(ctx context.Context, workflowExecutionID string) (*WorkflowStatus, error) {
	wfe, err := e.store.GetWorkflowExecution(ctx, workflowExecutionID)
	if err != nil {
		return nil, err
	}
	instances, err := e.store.ListInstances(ctx, store.InstanceFilter{WorkflowExecutionID: workflowExecutionID})
	if err != nil {
		return nil, err
	}
	events, err := e.events.GetEvents(ctx, workflowExecutionID, 0)
	if err != nil {
		return nil, err
	}
	return &WorkflowStatus{Execution: wfe, Instances: instances, Events: events}, nil
}

// Recover re-registers wait sets of running executions and reschedules
// instances that were interrupted.
func (e *executorImpl) Recover(ctx context.Context) error {
	wfes, err := e.store.ListWorkflowExecutions(ctx, store.WorkflowExecutionFilter{
		Statuses: []schema.ExecutionStatus{schema.StatusRunning},
	})
	if err != nil {
		return err
	}
	for _, wfe := range wfes {
		if err := e.recoverExecution(ctx, wfe); err != nil {
			logging.LogWith(ctx, e.logger).ErrorContext(ctx, "recover workflow execution",
				"workflow_execution_id", wfe.ID, "error", err)
		}
	}
	return nil
}

func (e *executorImpl) recoverExecution(ctx context.Context, wfe *store.WorkflowExecution) error {
	ctx = logging.WithIDs(ctx, wfe.ID, "", wfe.AccountID)
	g, err := e.graph(ctx, wfe.ID)
	if err != nil {
		return err
	}
	instances, err := e.store.ListInstances(ctx, store.InstanceFilter{WorkflowExecutionID: wfe.ID})
	if err != nil {
		return err
	}
	replayed, err := e.events.ReplayStatuses(ctx, wfe.ID)
	if err != nil {
		logging.LogWith(ctx, e.logger).WarnContext(ctx, "replay event log", "error", err)
	}

	for _, inst := range instances {
		if logged, ok := replayed[inst.ID]; ok && logged != inst.Status {
			logging.LogWith(ctx, e.logger).WarnContext(ctx, "instance status differs from event log",
				"state_execution_id", inst.ID, "stored", string(inst.Status), "logged", string(logged))
		}

		switch inst.Status {
		case schema.StatusWaiting, schema.StatusPaused:
			arrived, err := e.store.AwaitedResults(ctx, inst.ID)
			if err != nil {
				return err
			}
			e.metrics.AddWaiting(1)
			e.await(ctx, inst, arrived)
			if e.waits.complete(inst.ID) {
				id := inst.ID
				e.submit(ctx, job{instanceID: id, run: func(ctx context.Context) {
					if err := e.resume(ctx, id); err != nil {
						logging.LogWith(ctx, e.logger).ErrorContext(ctx, "resume recovered instance", "error", err)
					}
				}})
			}
		case schema.StatusNew:
			e.submit(ctx, e.runJob(g, inst))
		case schema.StatusRunning, schema.StatusQueued:
			interrupted := inst
			e.submit(ctx, job{instanceID: inst.ID, run: func(ctx context.Context) {
				if next := e.finish(ctx, g, interrupted, schema.StatusError, "interrupted by executor restart"); next != nil {
					e.run(ctx, g, next)
				}
			}})
		}
	}
	return nil
}

// Wait blocks until scheduled work has drained.
func (e *executorImpl) Wait() {
	e.wg.Wait()
}

// Shutdown stops the worker pool.
func (e *executorImpl) Shutdown() {
	e.pool.Shutdown()
}

// --- helpers ---

// job is one unit of pool work on behalf of a state execution.
type job struct {
	instanceID string
	run        func(context.Context)
}

func (e *executorImpl) runJob(g *states.Graph, inst *execution.Instance) job {
	return job{instanceID: inst.ID, run: func(ctx context.Context) { e.run(ctx, g, inst) }}
}

// submit schedules jobs on the pool without blocking the caller, which may
// itself be a pool worker.
func (e *executorImpl) submit(ctx context.Context, jobs ...job) {
	if len(jobs) == 0 {
		return
	}
	bg := context.WithoutCancel(ctx)
	e.wg.Add(len(jobs) + 1)
	go func() {
		defer e.wg.Done()
		for _, j := range jobs {
			run := j.run
			err := e.pool.Run(bg, j.instanceID, func(ctx context.Context) {
				defer e.wg.Done()
				run(ctx)
			})
			if err != nil {
				e.wg.Done()
				// Left for Recover to pick up after a restart.
				logging.LogWith(bg, e.logger).WarnContext(bg, "state execution not scheduled",
					"state_execution_id", j.instanceID, "error", err)
			}
		}
	}()
}

func (e *executorImpl) deleteAwaitedResults(ctx context.Context, instanceID string) {
	if err := e.store.DeleteAwaitedResults(ctx, instanceID); err != nil {
		logging.LogWith(ctx, e.logger).WarnContext(ctx, "delete awaited results",
			"state_execution_id", instanceID, "error", err)
	}
}

// transition moves inst to status through the FSM.
func (e *executorImpl) transition(ctx context.Context, inst *execution.Instance, to schema.ExecutionStatus, msg string) error {
	if e.waits.isCancelled(inst.ID) {
		e.waits.forgetCancelled(inst.ID)
		return errCancelled
	}
	if err := e.fsm.Transition(ctx, inst.WorkflowExecutionID, inst.ID, inst.Status, to, msg); err != nil {
		return err
	}
	inst.Status = to
	return nil
}

var errCancelled = errors.New("instance was aborted")

func (e *executorImpl) ignoreCancelled(err error) error {
	if errors.Is(err, errCancelled) {
		return nil
	}
	return err
}

func (e *executorImpl) logTransitionError(ctx context.Context, inst *execution.Instance, err error) {
	if errors.Is(err, errCancelled) {
		logging.LogWith(ctx, e.logger).DebugContext(ctx, "skipping aborted instance", "state", inst.DisplayName)
		return
	}
	logging.LogWith(ctx, e.logger).ErrorContext(ctx, "status transition", "state", inst.DisplayName, "error", err)
}

func (e *executorImpl) emit(ctx context.Context, wfeID, instanceID, eventType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	event := &store.Event{
		WorkflowExecutionID: wfeID,
		StateExecutionID:    instanceID,
		Type:                eventType,
		Payload:             raw,
	}
	if err := e.events.AppendEvent(ctx, event); err != nil {
		logging.LogWith(ctx, e.logger).WarnContext(ctx, "append event", "event_type", eventType, "error", err)
	}
}

func (e *executorImpl) contextFor(inst *execution.Instance) execution.Context {
	return execution.NewContext(inst, e.config.Evaluator)
}

func (e *executorImpl) expiry(inst *execution.Instance) *time.Time {
	var d time.Duration
	switch {
	case inst.TimeoutMillis != nil:
		d = time.Duration(*inst.TimeoutMillis) * time.Millisecond
	case e.config.DefaultWaitTimeout > 0:
		d = e.config.DefaultWaitTimeout
	default:
		return nil
	}
	at := time.Now().UTC().Add(d)
	return &at
}

// stateFor resolves the state an instance runs. Children of a fan-out whose
// state is not declared in the graph are resolved through their parent.
func (e *executorImpl) stateFor(ctx context.Context, g *states.Graph, inst *execution.Instance) (states.State, error) {
	if inst.ParentInstanceID != "" {
		parent, err := e.store.GetInstance(ctx, inst.ParentInstanceID)
		if err != nil {
			return nil, err
		}
		if ps, ok := g.State(parent.StateName); ok {
			if r, ok := ps.(states.ChildResolver); ok {
				if st, ok := r.ChildState(inst); ok {
					return st, nil
				}
			}
		}
	}
	st, ok := g.State(inst.StateName)
	if !ok {
		return nil, schema.InvalidRequest("state %q is not part of workflow %s", inst.StateName, g.Name())
	}
	return st, nil
}

// graph returns the compiled graph of a workflow execution, compiling the
// stored definition when it is not cached.
func (e *executorImpl) graph(ctx context.Context, wfeID string) (*states.Graph, error) {
	e.mu.Lock()
	g, ok := e.graphs[wfeID]
	e.mu.Unlock()
	if ok {
		return g, nil
	}

	wfe, err := e.store.GetWorkflowExecution(ctx, wfeID)
	if err != nil {
		return nil, err
	}
	g, err = states.Compile(&wfe.Definition, e.factory)
	if err != nil {
		return nil, err
	}
	return e.cacheGraph(wfeID, g), nil
}

func (e *executorImpl) cacheGraph(wfeID string, g *states.Graph) *states.Graph {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.graphs[wfeID]; ok {
		return existing
	}
	for _, st := range g.States() {
		if rc, ok := st.(*states.ResourceConstraint); ok {
			rc.Notify = e.notifyPermits
		}
	}
	e.graphs[wfeID] = g
	return g
}

func (e *executorImpl) forgetGraph(wfeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.graphs, wfeID)
}

// successor creates the top-level instance for the next state, carrying the
// recorded outputs and context params forward.
func successor(prev *execution.Instance, next states.State) *execution.Instance {
	inst := execution.NewInstance(next.Name(), next.Type())
	inst.AppID = prev.AppID
	inst.AccountID = prev.AccountID
	inst.WorkflowID = prev.WorkflowID
	inst.WorkflowExecutionID = prev.WorkflowExecutionID
	inst.PipelineExecutionID = prev.PipelineExecutionID
	inst.ContextParams = maps.Clone(prev.ContextParams)
	if prev.ExecutionData != nil {
		inst.ExecutionData = make(map[string]map[string]any, len(prev.ExecutionData))
		for k, v := range prev.ExecutionData {
			inst.ExecutionData[k] = maps.Clone(v)
		}
	}
	return inst
}

var _ Executor = (*executorImpl)(nil)
