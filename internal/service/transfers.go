package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"kitchenstock/backend/internal/domain"
	"kitchenstock/backend/internal/store"
)

// RecordTransfer moves stock between two holders. The source defaults to the
// principal's own holder; only admins may move stock out of another holder.
func (s *Service) RecordTransfer(ctx context.Context, principal domain.Principal, req domain.TransferRequest) (rec domain.TransferRecord, err error) {
	ctx, span := s.startSpan(ctx, "RecordTransfer",
		attribute.String("product.id", req.ProductID),
		attribute.String("holder.to", req.ToHolderID),
	)
	defer func() { endSpan(span, err) }()

	if err := requireRole(principal, domain.RoleAdmin, domain.RoleKitchen, domain.RoleCounter); err != nil {
		return domain.TransferRecord{}, err
	}

	from := strings.TrimSpace(req.FromHolderID)
	if from == "" {
		from = principal.HolderID
	}
	if from == "" {
		return domain.TransferRecord{}, fmt.Errorf("%w: no source holder for this user", store.ErrForbidden)
	}
	if from != principal.HolderID && !principal.IsAdmin() {
		return domain.TransferRecord{}, fmt.Errorf("%w: only admins may transfer out of another holder", store.ErrForbidden)
	}
	to := strings.TrimSpace(req.ToHolderID)
	if to == "" {
		return domain.TransferRecord{}, fmt.Errorf("%w: destination holder is required", store.ErrUnknownHolder)
	}
	if from == to {
		return domain.TransferRecord{}, fmt.Errorf("%w: source and destination holder must differ", store.ErrValidation)
	}
	span.SetAttributes(attribute.String("holder.from", from))

	product, err := s.lookupProduct(ctx, req.ProductID)
	if err != nil {
		return domain.TransferRecord{}, err
	}
	if err := validateQuantity(*product, req.Quantity); err != nil {
		return domain.TransferRecord{}, err
	}

	saved, err := s.repo.AppendTransfer(ctx, domain.TransferRecord{
		Kind:            domain.TransferKindTransfer,
		ProductID:       product.ID,
		FromHolderID:    from,
		ToHolderID:      to,
		Quantity:        req.Quantity,
		Timestamp:       time.Now().UTC(),
		InitiatorUserID: principal.UserID,
		Notes:           strings.TrimSpace(req.Notes),
	})
	if err != nil {
		s.reportFault(err, zap.String("holder_id", from), zap.String("product_id", product.ID))
		return domain.TransferRecord{}, err
	}

	s.logAudit(ctx, principal, "stock_transfer", "transfer", saved.ID, fmt.Sprintf("product=%s,from=%s,to=%s,qty=%s", saved.ProductID, saved.FromHolderID, saved.ToHolderID, saved.Quantity))
	s.publish(ctx, domain.EventStockTransferred, saved.ProductID, saved)
	return *saved, nil
}

// ProvisionStock is the only way stock enters the system: a ledger entry from
// outside into the central holder.
func (s *Service) ProvisionStock(ctx context.Context, principal domain.Principal, productID string, req domain.ProvisionRequest) (rec domain.TransferRecord, err error) {
	ctx, span := s.startSpan(ctx, "ProvisionStock", attribute.String("product.id", productID))
	defer func() { endSpan(span, err) }()

	if err := requireRole(principal, domain.RoleAdmin); err != nil {
		return domain.TransferRecord{}, err
	}
	product, err := s.lookupProduct(ctx, productID)
	if err != nil {
		return domain.TransferRecord{}, err
	}
	if err := validateQuantity(*product, req.Quantity); err != nil {
		return domain.TransferRecord{}, err
	}

	saved, err := s.repo.AppendTransfer(ctx, domain.TransferRecord{
		Kind:            domain.TransferKindProvision,
		ProductID:       product.ID,
		ToHolderID:      s.centralID,
		Quantity:        req.Quantity,
		Timestamp:       time.Now().UTC(),
		InitiatorUserID: principal.UserID,
		Notes:           strings.TrimSpace(req.Notes),
	})
	if err != nil {
		return domain.TransferRecord{}, err
	}

	s.logAudit(ctx, principal, "stock_provision", "transfer", saved.ID, fmt.Sprintf("product=%s,qty=%s", saved.ProductID, saved.Quantity))
	s.publish(ctx, domain.EventStockProvisioned, saved.ProductID, saved)
	return *saved, nil
}

// TransferHistory lists ledger entries newest first. Non-admins only see
// entries touching their own holder.
func (s *Service) TransferHistory(ctx context.Context, principal domain.Principal, filter domain.TransferFilter) ([]domain.TransferRecord, error) {
	filter.HolderID = strings.TrimSpace(filter.HolderID)
	filter.ProductID = strings.TrimSpace(filter.ProductID)
	if !principal.IsAdmin() {
		if filter.HolderID == "" {
			filter.HolderID = principal.HolderID
		}
		if err := requireHolderAccess(principal, filter.HolderID); err != nil {
			return nil, err
		}
	}
	if filter.From != nil && filter.To != nil && !filter.From.Before(*filter.To) {
		return nil, fmt.Errorf("%w: history range start must be before end", store.ErrValidation)
	}
	filter.Limit = clampLimit(filter.Limit)
	return s.repo.ListTransfers(ctx, filter)
}
