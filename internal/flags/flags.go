// Package flags answers per-account feature-flag queries.
package flags

import (
	"context"
	"log/slog"
	"sync"
)

// PrioritizeRejectedStatus makes REJECTED win response aggregation.
const PrioritizeRejectedStatus = "PRIORITIZE_REJECTED_STATUS"

// Service reports whether a flag is enabled for an account.
type Service interface {
	IsEnabled(ctx context.Context, flag, accountID string) bool
}

// Source looks up a flag for an account. Store-backed implementations return
// (false, nil) for flags that were never set.
type Source interface {
	FeatureFlagEnabled(ctx context.Context, flag, accountID string) (bool, error)
}

// StoreService answers flag queries from a Source. Lookup errors are logged
// and treated as disabled.
type StoreService struct {
	source Source
	logger *slog.Logger
}

// NewStoreService creates a Service backed by source.
func NewStoreService(source Source, logger *slog.Logger) *StoreService {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreService{source: source, logger: logger}
}

func (s *StoreService) IsEnabled(ctx context.Context, flag, accountID string) bool {
	on, err := s.source.FeatureFlagEnabled(ctx, flag, accountID)
	if err != nil {
		s.logger.WarnContext(ctx, "feature flag lookup failed, treating as disabled",
			slog.String("flag", flag), slog.String("account_id", accountID), slog.Any("error", err))
		return false
	}
	return on
}

// Static is an in-memory Service. The zero value has every flag disabled.
type Static struct {
	mu sync.RWMutex
	// flag -> account id -> enabled; account "*" applies to every account.
	flags map[string]map[string]bool
}

// AllAccounts enables a flag globally when passed as account id to Set.
const AllAccounts = "*"

// NewStatic creates an empty Static service.
func NewStatic() *Static {
	return &Static{flags: make(map[string]map[string]bool)}
}

// Set enables or disables flag for accountID.
func (s *Static) Set(flag, accountID string, enabled bool) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flags == nil {
		s.flags = make(map[string]map[string]bool)
	}
	if s.flags[flag] == nil {
		s.flags[flag] = make(map[string]bool)
	}
	s.flags[flag][accountID] = enabled
	return s
}

func (s *Static) IsEnabled(_ context.Context, flag, accountID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	accounts := s.flags[flag]
	if on, ok := accounts[accountID]; ok {
		return on
	}
	return accounts[AllAccounts]
}

var (
	_ Service = (*StoreService)(nil)
	_ Service = (*Static)(nil)
)
