package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"kitchenstock/backend/internal/cache"
	"kitchenstock/backend/internal/dispatch"
	"kitchenstock/backend/internal/domain"
	"kitchenstock/backend/internal/events"
	"kitchenstock/backend/internal/store"
	"kitchenstock/backend/internal/xid"
)

const (
	defaultHistoryLimit = 200
	maxHistoryLimit     = 1000
	defaultCacheTTL     = 60 * time.Second
	kitchenBusyAt       = 10
)

type Config struct {
	CentralHolderID string
	Policy          domain.AssignmentPolicy
	CacheTTL        time.Duration
}

type Service struct {
	repo       store.Repository
	cache      cache.InventoryCache
	publisher  events.Publisher
	logger     *zap.Logger
	tracer     trace.Tracer
	dispatcher *dispatch.Engine

	centralID string
	policy    domain.AssignmentPolicy
	cacheTTL  time.Duration
}

func New(repo store.Repository, inventoryCache cache.InventoryCache, publisher events.Publisher, logger *zap.Logger, cfg Config) *Service {
	if inventoryCache == nil {
		inventoryCache = cache.NoopInventoryCache{}
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CentralHolderID == "" {
		cfg.CentralHolderID = "central"
	}
	if cfg.Policy != domain.AssignmentStrict {
		cfg.Policy = domain.AssignmentAdvisory
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}

	return &Service{
		repo:       repo,
		cache:      inventoryCache,
		publisher:  publisher,
		logger:     logger.Named("service"),
		tracer:     otel.Tracer("kitchenstock/service"),
		dispatcher: dispatch.NewEngine(kitchenBusyAt),
		centralID:  cfg.CentralHolderID,
		policy:     cfg.Policy,
		cacheTTL:   cfg.CacheTTL,
	}
}

func (s *Service) CentralHolderID() string {
	return s.centralID
}

func (s *Service) Policy() domain.AssignmentPolicy {
	return s.policy
}

func (s *Service) ListAuditLogs(ctx context.Context, principal domain.Principal, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if err := requireRole(principal, domain.RoleAdmin); err != nil {
		return nil, err
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return nil, fmt.Errorf("%w: audit range start must be before end", store.ErrValidation)
	}
	return s.repo.ListAuditLogs(ctx, from, to, clampLimit(limit))
}

// RecordAudit writes an audit entry for mutations handled outside the service,
// such as account creation.
func (s *Service) RecordAudit(ctx context.Context, principal domain.Principal, action string, entityType string, entityID string, detail string) {
	s.logAudit(ctx, principal, action, entityType, entityID, detail)
}

func (s *Service) logAudit(ctx context.Context, principal domain.Principal, action string, entityType string, entityID string, detail string) {
	err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: principal.UserID,
		ActorRole:     principal.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
	}
}

// publish runs after the store has committed; a broker outage never undoes a
// committed change.
func (s *Service) publish(ctx context.Context, eventType string, aggregateID string, payload any) {
	if err := s.publisher.Publish(ctx, events.New(eventType, aggregateID, payload)); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("type", eventType),
			zap.String("aggregate_id", aggregateID),
			zap.Error(err),
		)
	}
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "service."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// reportFault logs consistency faults at error level; the ledger should never
// fold negative, so one showing up needs an operator.
func (s *Service) reportFault(err error, fields ...zap.Field) {
	if errors.Is(err, store.ErrConsistencyFault) {
		s.logger.Error("ledger consistency fault", append(fields, zap.Error(err))...)
	}
}

func requireRole(principal domain.Principal, roles ...string) error {
	if strings.TrimSpace(principal.UserID) == "" {
		return fmt.Errorf("%w: missing principal", store.ErrForbidden)
	}
	if !slices.Contains(roles, principal.Role) {
		return fmt.Errorf("%w: role %s may not perform this operation", store.ErrForbidden, principal.Role)
	}
	return nil
}

func requireHolderAccess(principal domain.Principal, holderID string) error {
	if strings.TrimSpace(principal.UserID) == "" {
		return fmt.Errorf("%w: missing principal", store.ErrForbidden)
	}
	if principal.IsAdmin() || principal.HolderID == holderID {
		return nil
	}
	return fmt.Errorf("%w: holder %s is not visible to %s", store.ErrForbidden, holderID, principal.UserID)
}

// validateQuantity enforces a positive quantity and whole numbers for counted
// units.
func validateQuantity(product domain.Product, quantity decimal.Decimal) error {
	if !quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be greater than zero", store.ErrInvalidQuantity)
	}
	if product.RequiresWholeQuantity() && !quantity.IsInteger() {
		return fmt.Errorf("%w: %s is counted in whole %s", store.ErrInvalidQuantity, product.Name, product.Unit)
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

func (s *Service) lookupProduct(ctx context.Context, productID string) (*domain.Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, fmt.Errorf("%w: product id is required", store.ErrUnknownProduct)
	}
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", store.ErrUnknownProduct, productID)
		}
		return nil, err
	}
	return product, nil
}

func (s *Service) lookupHolder(ctx context.Context, holderID string) (*domain.Holder, error) {
	holderID = strings.TrimSpace(holderID)
	if holderID == "" {
		return nil, fmt.Errorf("%w: holder id is required", store.ErrUnknownHolder)
	}
	holder, err := s.repo.GetHolder(ctx, holderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", store.ErrUnknownHolder, holderID)
		}
		return nil, err
	}
	return holder, nil
}
