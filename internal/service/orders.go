package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"kitchenstock/backend/internal/dispatch"
	"kitchenstock/backend/internal/domain"
	"kitchenstock/backend/internal/pricing"
	"kitchenstock/backend/internal/store"
)

var supportedPaymentMethods = map[string]struct{}{
	"cash":   {},
	"card":   {},
	"upi":    {},
	"online": {},
}

func (s *Service) CreateOrder(ctx context.Context, principal domain.Principal, req domain.OrderCreateRequest) (order domain.Order, err error) {
	ctx, span := s.startSpan(ctx, "CreateOrder", attribute.Int("order.lines", len(req.Lines)))
	defer func() { endSpan(span, err) }()

	if err := requireRole(principal, domain.RoleAdmin, domain.RoleCounter); err != nil {
		return domain.Order{}, err
	}

	customer := domain.Customer{
		Name:  strings.TrimSpace(req.Customer.Name),
		Phone: strings.TrimSpace(req.Customer.Phone),
	}
	if customer.Name == "" {
		return domain.Order{}, fmt.Errorf("%w: customer name is required", store.ErrValidation)
	}
	method := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if method == "" {
		method = "cash"
	}
	if _, ok := supportedPaymentMethods[method]; !ok {
		return domain.Order{}, fmt.Errorf("%w: unsupported payment method %s", store.ErrValidation, req.PaymentMethod)
	}

	merged := mergeOrderLines(req.Lines)
	if len(merged) == 0 {
		return domain.Order{}, fmt.Errorf("%w: order has no lines", store.ErrValidation)
	}
	ids := make([]string, 0, len(merged))
	for _, line := range merged {
		ids = append(ids, line.ProductID)
	}
	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return domain.Order{}, err
	}

	lines := make([]domain.OrderLine, 0, len(merged))
	total := decimal.Zero
	savings := decimal.Zero
	for _, line := range merged {
		product, ok := products[line.ProductID]
		if !ok {
			return domain.Order{}, fmt.Errorf("%w: %s", store.ErrUnknownProduct, line.ProductID)
		}
		if err := validateQuantity(product, line.Quantity); err != nil {
			return domain.Order{}, err
		}
		inv := pricing.Compute(product, line.Quantity, pricing.Options{})
		total = total.Add(inv.Total)
		savings = savings.Add(inv.Savings)
		lines = append(lines, domain.OrderLine{
			ProductID:            product.ID,
			ProductName:          product.Name,
			Quantity:             line.Quantity,
			UnitPriceAtOrderTime: inv.UnitPrice,
			BasePrice:            inv.BasePrice,
			GSTAmount:            inv.GSTAmount,
			ServiceCharge:        inv.ServiceCharge,
			Packaging:            inv.Packaging,
			LineTotal:            inv.Total.Round(2),
		})
	}

	now := time.Now().UTC()
	created, err := s.repo.CreateOrder(ctx, domain.Order{
		Customer:      customer,
		Lines:         lines,
		PaymentMethod: method,
		Status:        domain.OrderStatusPending,
		TotalAmount:   total.Round(2),
		Savings:       savings.Round(2),
		CreatedBy:     principal.UserID,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return domain.Order{}, err
	}
	span.SetAttributes(attribute.String("order.id", created.ID), attribute.String("order.bill", created.BillNumber))

	s.logAudit(ctx, principal, "order_create", "order", created.ID, fmt.Sprintf("bill=%s,total=%s,lines=%d", created.BillNumber, created.TotalAmount, len(created.Lines)))
	s.publish(ctx, domain.EventOrderCreated, created.ID, created)
	return *created, nil
}

// mergeOrderLines folds repeated products into one line, keeping first-seen
// order. Zero and negative quantities pass through so validation rejects them.
func mergeOrderLines(lines []domain.OrderLineRequest) []domain.OrderLineRequest {
	merged := make([]domain.OrderLineRequest, 0, len(lines))
	index := make(map[string]int, len(lines))
	for _, line := range lines {
		line.ProductID = strings.TrimSpace(line.ProductID)
		if i, ok := index[line.ProductID]; ok {
			merged[i].Quantity = merged[i].Quantity.Add(line.Quantity)
			continue
		}
		index[line.ProductID] = len(merged)
		merged = append(merged, line)
	}
	return merged
}

func (s *Service) GetOrder(ctx context.Context, principal domain.Principal, id string) (domain.Order, error) {
	if err := requireRole(principal, domain.RoleAdmin, domain.RoleKitchen, domain.RoleCounter); err != nil {
		return domain.Order{}, err
	}
	order, err := s.repo.GetOrder(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Order{}, err
	}
	if principal.Role == domain.RoleKitchen && order.KitchenID != principal.HolderID {
		return domain.Order{}, fmt.Errorf("%w: order %s is not assigned to %s", store.ErrForbidden, order.BillNumber, principal.HolderID)
	}
	return *order, nil
}

// ListOrders returns orders newest first. Kitchen principals only see their
// own kitchen's orders.
func (s *Service) ListOrders(ctx context.Context, principal domain.Principal, filter domain.OrderFilter) ([]domain.Order, error) {
	if err := requireRole(principal, domain.RoleAdmin, domain.RoleKitchen, domain.RoleCounter); err != nil {
		return nil, err
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown order status %s", store.ErrValidation, filter.Status)
	}
	if principal.Role == domain.RoleKitchen {
		filter.KitchenID = principal.HolderID
	}
	filter.Limit = clampLimit(filter.Limit)
	return s.repo.ListOrders(ctx, filter)
}

// AssignToKitchen hands a Pending order to a kitchen. In advisory mode the
// order always moves and shortfalls come back as warnings; in strict mode a
// shortfall rejects the assignment and success reserves the stock.
func (s *Service) AssignToKitchen(ctx context.Context, principal domain.Principal, orderID string, kitchenID string) (resp domain.AssignResponse, err error) {
	ctx, span := s.startSpan(ctx, "AssignToKitchen",
		attribute.String("order.id", orderID),
		attribute.String("kitchen.id", kitchenID),
		attribute.String("assignment.policy", string(s.policy)),
	)
	defer func() { endSpan(span, err) }()

	if err := requireRole(principal, domain.RoleAdmin, domain.RoleCounter); err != nil {
		return domain.AssignResponse{}, err
	}
	kitchenID = strings.TrimSpace(kitchenID)
	if kitchenID == "" {
		return domain.AssignResponse{}, fmt.Errorf("%w: kitchen id is required", store.ErrUnknownHolder)
	}

	order, warnings, err := s.repo.AssignOrder(ctx, store.AssignCommand{
		OrderID:   strings.TrimSpace(orderID),
		KitchenID: kitchenID,
		Reserve:   s.policy == domain.AssignmentStrict,
		ActorID:   principal.UserID,
		At:        time.Now().UTC(),
	})
	if err != nil {
		s.reportFault(err, zap.String("order_id", orderID), zap.String("kitchen_id", kitchenID))
		return domain.AssignResponse{}, err
	}

	if len(warnings) > 0 {
		s.logger.Warn("order assigned with stock shortfall",
			zap.String("bill", order.BillNumber),
			zap.String("kitchen_id", kitchenID),
			zap.Int("short_lines", len(warnings)),
		)
	}
	s.logAudit(ctx, principal, "order_assign", "order", order.ID, fmt.Sprintf("kitchen=%s,reserved=%t,warnings=%d", kitchenID, order.StockReserved, len(warnings)))
	s.publish(ctx, domain.EventOrderStatusChanged, order.ID, statusChangePayload(order, warnings))
	return domain.AssignResponse{Order: *order, StockWarning: warnings}, nil
}

// SuggestKitchens ranks online kitchens for a pending order by how much of it
// they can cover from stock and how busy they are.
func (s *Service) SuggestKitchens(ctx context.Context, principal domain.Principal, orderID string) ([]domain.KitchenSuggestion, error) {
	if err := requireRole(principal, domain.RoleAdmin, domain.RoleCounter); err != nil {
		return nil, err
	}
	order, err := s.repo.GetOrder(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderStatusPending {
		return nil, fmt.Errorf("%w: order %s is %s and already routed", store.ErrInvalidTransition, order.BillNumber, order.Status)
	}

	productIDs := make([]string, 0, len(order.Lines))
	for _, line := range order.Lines {
		productIDs = append(productIDs, line.ProductID)
	}
	kitchens, err := s.repo.ListHolders(ctx, domain.HolderKindKitchen)
	if err != nil {
		return nil, err
	}

	candidates := make([]dispatch.Candidate, 0, len(kitchens))
	for _, k := range kitchens {
		if !k.Online() {
			continue
		}
		balances, err := s.repo.GetBalances(ctx, k.ID, productIDs)
		if err != nil {
			return nil, err
		}
		available := make(map[string]decimal.Decimal, len(balances))
		for productID, bal := range balances {
			available[productID] = bal.Available()
		}
		open, err := s.repo.ListOrders(ctx, domain.OrderFilter{KitchenID: k.ID, Limit: maxHistoryLimit})
		if err != nil {
			return nil, err
		}
		busy := 0
		for _, o := range open {
			if !o.Status.Terminal() {
				busy++
			}
		}
		candidates = append(candidates, dispatch.Candidate{Kitchen: k, Available: available, OpenOrders: busy})
	}

	return s.dispatcher.Rank(order.Lines, candidates), nil
}

// Advance moves an order one legal step forward. Completing it consumes the
// lines from the assigned kitchen; a kitchen that no longer has the stock
// keeps the order in Ready.
func (s *Service) Advance(ctx context.Context, principal domain.Principal, orderID string, target domain.OrderStatus) (order domain.Order, err error) {
	if target == domain.OrderStatusCancelled {
		return s.Cancel(ctx, principal, orderID)
	}

	ctx, span := s.startSpan(ctx, "Advance",
		attribute.String("order.id", orderID),
		attribute.String("order.target", string(target)),
	)
	defer func() { endSpan(span, err) }()

	if err := requireRole(principal, domain.RoleAdmin, domain.RoleKitchen, domain.RoleCounter); err != nil {
		return domain.Order{}, err
	}
	if !target.Valid() {
		return domain.Order{}, fmt.Errorf("%w: unknown order status %s", store.ErrValidation, target)
	}
	current, err := s.repo.GetOrder(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	if principal.Role == domain.RoleKitchen && current.KitchenID != principal.HolderID {
		return domain.Order{}, fmt.Errorf("%w: order %s is not assigned to %s", store.ErrForbidden, current.BillNumber, principal.HolderID)
	}
	if target == domain.OrderStatusAssignedToKitchen {
		return domain.Order{}, fmt.Errorf("%w: use kitchen assignment to move order %s to %s", store.ErrInvalidTransition, current.BillNumber, target)
	}
	if !current.Status.CanTransitionTo(target) {
		return domain.Order{}, fmt.Errorf("%w: order %s cannot move from %s to %s", store.ErrInvalidTransition, current.BillNumber, current.Status, target)
	}

	updated, err := s.repo.TransitionOrder(ctx, store.TransitionCommand{
		OrderID: current.ID,
		From:    current.Status,
		To:      target,
		ActorID: principal.UserID,
		At:      time.Now().UTC(),
	})
	if err != nil {
		var shortfall *store.ShortfallError
		if errors.As(err, &shortfall) {
			s.logger.Warn("order completion blocked by stock shortfall",
				zap.String("bill", current.BillNumber),
				zap.String("kitchen_id", shortfall.HolderID),
				zap.Int("short_lines", len(shortfall.Lines)),
			)
		}
		s.reportFault(err, zap.String("order_id", current.ID), zap.String("kitchen_id", current.KitchenID))
		return domain.Order{}, err
	}

	s.logAudit(ctx, principal, "order_status", "order", updated.ID, fmt.Sprintf("from=%s,to=%s", current.Status, updated.Status))
	s.publish(ctx, domain.EventOrderStatusChanged, updated.ID, statusChangePayload(updated, nil))
	return *updated, nil
}

// Cancel is only legal while the order is still Pending.
func (s *Service) Cancel(ctx context.Context, principal domain.Principal, orderID string) (domain.Order, error) {
	if err := requireRole(principal, domain.RoleAdmin, domain.RoleCounter); err != nil {
		return domain.Order{}, err
	}
	current, err := s.repo.GetOrder(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	if !current.Status.CanTransitionTo(domain.OrderStatusCancelled) {
		return domain.Order{}, fmt.Errorf("%w: order %s is %s and can no longer be cancelled", store.ErrInvalidTransition, current.BillNumber, current.Status)
	}

	updated, err := s.repo.TransitionOrder(ctx, store.TransitionCommand{
		OrderID: current.ID,
		From:    current.Status,
		To:      domain.OrderStatusCancelled,
		ActorID: principal.UserID,
		At:      time.Now().UTC(),
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, principal, "order_cancel", "order", updated.ID, "bill="+updated.BillNumber)
	s.publish(ctx, domain.EventOrderStatusChanged, updated.ID, statusChangePayload(updated, nil))
	return *updated, nil
}

type statusChangedPayload struct {
	OrderID      string                `json:"order_id"`
	BillNumber   string                `json:"bill_number"`
	Status       domain.OrderStatus    `json:"status"`
	KitchenID    string                `json:"kitchen_id,omitempty"`
	StockWarning []domain.StockWarning `json:"stock_warning,omitempty"`
}

func statusChangePayload(order *domain.Order, warnings []domain.StockWarning) statusChangedPayload {
	return statusChangedPayload{
		OrderID:      order.ID,
		BillNumber:   order.BillNumber,
		Status:       order.Status,
		KitchenID:    order.KitchenID,
		StockWarning: warnings,
	}
}

// Quote prices a quantity of one product without recording anything.
func (s *Service) Quote(ctx context.Context, req domain.QuoteRequest) (domain.Invoice, error) {
	product, err := s.lookupProduct(ctx, req.ProductID)
	if err != nil {
		return domain.Invoice{}, err
	}
	if err := validateQuantity(*product, req.Quantity); err != nil {
		return domain.Invoice{}, err
	}
	if req.GSTPercentOverride != nil && (req.GSTPercentOverride.IsNegative() || req.GSTPercentOverride.GreaterThan(hundred)) {
		return domain.Invoice{}, fmt.Errorf("%w: gst percent must be within 0-100", store.ErrValidation)
	}
	if req.PackagingCharge != nil && req.PackagingCharge.IsNegative() {
		return domain.Invoice{}, fmt.Errorf("%w: packaging charge must not be negative", store.ErrValidation)
	}
	return pricing.ComputeInvoice(*product, req.Quantity, pricing.Options{
		GSTPercentOverride:      req.GSTPercentOverride,
		PackagingCharge:         req.PackagingCharge,
		ServiceChargeApplicable: req.ServiceChargeApplicable,
	}), nil
}
