// Package approval records manual approval requests raised by pause states
// and turns a reviewer's decision into the callback the waiting state awaits.
package approval

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/cdflow/internal/execution"
	"github.com/rendis/cdflow/pkg/schema"
)

// Status of an approval request.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
)

// Approval is a pending or decided request.
type Approval struct {
	ID                  string     `json:"id"`
	StateExecutionID    string     `json:"state_execution_id"`
	WorkflowExecutionID string     `json:"workflow_execution_id"`
	AccountID           string     `json:"account_id"`
	Message             string     `json:"message,omitempty"`
	Approvers           []string   `json:"approvers,omitempty"`
	Status              Status     `json:"status"`
	DecidedBy           string     `json:"decided_by,omitempty"`
	Comments            string     `json:"comments,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	DecidedAt           *time.Time `json:"decided_at,omitempty"`
}

// Filter narrows ListApprovals.
type Filter struct {
	WorkflowExecutionID string
	Status              Status
	Limit               int
}

// Store persists approvals.
type Store interface {
	CreateApproval(ctx context.Context, a *Approval) error
	GetApproval(ctx context.Context, id string) (*Approval, error)
	// ResolveApproval moves a PENDING approval to status. It fails with
	// ErrCodeConflict when the approval is no longer pending.
	ResolveApproval(ctx context.Context, id string, status Status, decidedBy, comments string, at time.Time) error
	ListApprovals(ctx context.Context, filter Filter) ([]*Approval, error)
}

// Service raises and decides approvals.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a Service over store.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Request records a PENDING approval for the state execution behind ec. The
// approval id is the correlation id the pause state waits on.
func (s *Service) Request(ctx context.Context, ec execution.Context, message string, approvers []string) (*Approval, error) {
	a := &Approval{
		ID:                  uuid.NewString(),
		StateExecutionID:    ec.Instance().ID,
		WorkflowExecutionID: ec.WorkflowExecutionID(),
		AccountID:           ec.AccountID(),
		Message:             message,
		Approvers:           approvers,
		Status:              StatusPending,
		CreatedAt:           s.now().UTC(),
	}
	if err := s.store.CreateApproval(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Decide resolves approval id and returns the callback to deliver to the
// executor. Approved maps to SUCCESS, rejected to REJECTED.
func (s *Service) Decide(ctx context.Context, id string, approve bool, decidedBy, comments string) (*schema.Callback, error) {
	a, err := s.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(a.Approvers) > 0 && !slices.Contains(a.Approvers, decidedBy) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%q is not an approver of %s", decidedBy, id)
	}

	status, execStatus := StatusRejected, schema.StatusRejected
	if approve {
		status, execStatus = StatusApproved, schema.StatusSuccess
	}
	if err := s.store.ResolveApproval(ctx, id, status, decidedBy, comments, s.now().UTC()); err != nil {
		return nil, err
	}

	cb := &schema.Callback{
		CorrelationID: id,
		Status:        execStatus,
		Data: map[string]any{
			"approval_status": string(status),
			"decided_by":      decidedBy,
			"comments":        comments,
		},
	}
	if !approve {
		cb.ErrorMessage = "rejected by " + decidedBy
	}
	return cb, nil
}

// Expire marks a pending approval EXPIRED. Already decided approvals are
// left alone.
func (s *Service) Expire(ctx context.Context, id string) error {
	err := s.store.ResolveApproval(ctx, id, StatusExpired, "", "", s.now().UTC())
	if schema.HasCode(err, schema.ErrCodeConflict) {
		return nil
	}
	return err
}

// List returns approvals matching filter.
func (s *Service) List(ctx context.Context, filter Filter) ([]*Approval, error) {
	return s.store.ListApprovals(ctx, filter)
}

