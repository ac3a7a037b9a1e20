// Package admin is the privileged path that forces an in-flight trade to
// a terminal outcome, leaving an audit trail.
package admin

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bitvelo/tradesync/internal/settlement"
	"github.com/bitvelo/tradesync/pkg/metrics"
	"github.com/bitvelo/tradesync/pkg/models"
)

// ErrUnauthorized is returned when the acting user fails the capability
// check. Nothing is mutated and nothing is audited.
var ErrUnauthorized = errors.New("not authorized for admin override")

// Authorizer is the external capability check for override callers.
type Authorizer interface {
	IsAdmin(adminID string) bool
}

// AuditLog receives one record per applied override.
type AuditLog interface {
	Write(rec models.AuditRecord) error
}

// Engine is the slice of the settlement engine the override path drives.
type Engine interface {
	ForceResolve(id uuid.UUID, res models.TradeResult) (models.TradeResult, models.TradeState, error)
}

// StaticAuthorizer authorizes a fixed set of admin IDs.
type StaticAuthorizer map[string]bool

// IsAdmin implements Authorizer.
func (a StaticAuthorizer) IsAdmin(adminID string) bool { return a[adminID] }

// Service applies admin overrides. Downstream subscribers see the same
// settlement event as a natural resolution; only the audit log tells the
// two apart.
type Service struct {
	logger *zap.Logger
	engine Engine
	auth   Authorizer
	audit  AuditLog
}

// NewService creates the override service.
func NewService(engine Engine, auth Authorizer, audit AuditLog, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{logger: logger, engine: engine, auth: auth, audit: audit}
}

// Override forces a Pending or Running trade to Completed with the given
// outcome. It rejects with ErrUnauthorized before touching the trade, and
// with *settlement.InvalidStateError for trades already terminal; neither
// rejection mutates anything or writes an audit record.
func (s *Service) Override(tradeID uuid.UUID, outcome models.TradeResult, actingAdminID string) (models.TradeResult, error) {
	if s.auth == nil || !s.auth.IsAdmin(actingAdminID) {
		metrics.AdminOverrides.WithLabelValues("unauthorized").Inc()
		s.logger.Warn("override rejected: unauthorized",
			zap.String("trade_id", tradeID.String()),
			zap.String("acting_admin_id", actingAdminID))
		return models.TradeResult{}, ErrUnauthorized
	}

	res, prev, err := s.engine.ForceResolve(tradeID, outcome)
	if err != nil {
		var stErr *settlement.InvalidStateError
		if errors.As(err, &stErr) {
			metrics.AdminOverrides.WithLabelValues("invalid_state").Inc()
		} else {
			metrics.AdminOverrides.WithLabelValues("error").Inc()
		}
		return models.TradeResult{}, err
	}

	rec := models.AuditRecord{
		ID:            uuid.New(),
		TradeID:       tradeID,
		PreviousState: string(prev),
		NewState:      string(models.TradeCompleted),
		ActingAdminID: actingAdminID,
		CreatedAt:     time.Now(),
	}
	if err := s.audit.Write(rec); err != nil {
		metrics.AdminOverrides.WithLabelValues("audit_failed").Inc()
		// The settlement already applied; surface the broken trail.
		return res, fmt.Errorf("override applied but audit write failed: %w", err)
	}

	metrics.AdminOverrides.WithLabelValues("applied").Inc()
	s.logger.Info("trade outcome overridden",
		zap.String("trade_id", tradeID.String()),
		zap.String("previous_state", string(prev)),
		zap.String("acting_admin_id", actingAdminID))
	return res, nil
}
