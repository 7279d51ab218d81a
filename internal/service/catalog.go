package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kitchenstock/backend/internal/domain"
	"kitchenstock/backend/internal/store"
)

var hundred = decimal.NewFromInt(100)

// ListProducts returns the catalog with each product's current central
// quantity folded from the ledger at read time.
func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	balances, err := s.repo.GetBalances(ctx, s.centralID, nil)
	if err != nil {
		return nil, err
	}
	for i := range products {
		products[i].CurrentGlobalQuantity = balances[products[i].ID].Quantity()
	}
	return products, nil
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Product{}, err
	}
	balances, err := s.repo.GetBalances(ctx, s.centralID, []string{product.ID})
	if err != nil {
		return domain.Product{}, err
	}
	product.CurrentGlobalQuantity = balances[product.ID].Quantity()
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, principal domain.Principal, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := requireRole(principal, domain.RoleAdmin); err != nil {
		return domain.Product{}, err
	}

	product := domain.Product{
		Name:                    strings.TrimSpace(req.Name),
		Unit:                    strings.ToLower(strings.TrimSpace(req.Unit)),
		Price:                   req.Price,
		DiscountPrice:           req.DiscountPrice,
		GSTPercent:              req.GSTPercent,
		PackagingCharge:         req.PackagingCharge,
		ServiceChargeApplicable: req.ServiceChargeApplicable,
		MinStock:                req.MinStock,
	}
	if err := validateProduct(product); err != nil {
		return domain.Product{}, err
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, principal, "product_create", "product", created.ID, fmt.Sprintf("name=%s,unit=%s,price=%s", created.Name, created.Unit, created.Price))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, principal domain.Principal, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	if err := requireRole(principal, domain.RoleAdmin); err != nil {
		return domain.Product{}, err
	}

	existing, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	changed := make([]string, 0, 8)
	if req.Name != nil {
		updated.Name = strings.TrimSpace(*req.Name)
		changed = append(changed, "name")
	}
	if req.Unit != nil {
		updated.Unit = strings.ToLower(strings.TrimSpace(*req.Unit))
		changed = append(changed, "unit")
	}
	if req.Price != nil {
		updated.Price = *req.Price
		changed = append(changed, "price")
	}
	if req.ClearDiscount {
		updated.DiscountPrice = nil
		changed = append(changed, "discount_price")
	} else if req.DiscountPrice != nil {
		discount := *req.DiscountPrice
		updated.DiscountPrice = &discount
		changed = append(changed, "discount_price")
	}
	if req.GSTPercent != nil {
		updated.GSTPercent = *req.GSTPercent
		changed = append(changed, "gst_percent")
	}
	if req.PackagingCharge != nil {
		updated.PackagingCharge = *req.PackagingCharge
		changed = append(changed, "packaging_charge")
	}
	if req.ServiceChargeApplicable != nil {
		updated.ServiceChargeApplicable = *req.ServiceChargeApplicable
		changed = append(changed, "service_charge_applicable")
	}
	if req.MinStock != nil {
		updated.MinStock = *req.MinStock
		changed = append(changed, "min_stock")
	}
	if len(changed) == 0 {
		return domain.Product{}, fmt.Errorf("%w: no product fields to update", store.ErrValidation)
	}
	if err := validateProduct(updated); err != nil {
		return domain.Product{}, err
	}
	updated.UpdatedAt = time.Now().UTC()

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, principal, "product_update", "product", saved.ID, "fields="+strings.Join(changed, ","))
	return *saved, nil
}

// DeleteProduct removes a product nobody references: no open order line and
// no holder with a non-zero balance.
func (s *Service) DeleteProduct(ctx context.Context, principal domain.Principal, id string) error {
	if err := requireRole(principal, domain.RoleAdmin); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if err := s.repo.DeleteProduct(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, principal, "product_delete", "product", id, "")
	return nil
}

func validateProduct(p domain.Product) error {
	if p.Name == "" {
		return fmt.Errorf("%w: product name is required", store.ErrValidation)
	}
	if p.Unit == "" {
		return fmt.Errorf("%w: product unit is required", store.ErrValidation)
	}
	if !p.Price.IsPositive() {
		return fmt.Errorf("%w: price must be greater than zero", store.ErrValidation)
	}
	if p.DiscountPrice != nil && p.DiscountPrice.IsNegative() {
		return fmt.Errorf("%w: discount price must not be negative", store.ErrValidation)
	}
	if p.GSTPercent.IsNegative() || p.GSTPercent.GreaterThan(hundred) {
		return fmt.Errorf("%w: gst percent must be within 0-100", store.ErrValidation)
	}
	if p.PackagingCharge.IsNegative() {
		return fmt.Errorf("%w: packaging charge must not be negative", store.ErrValidation)
	}
	if p.MinStock.IsNegative() {
		return fmt.Errorf("%w: min stock must not be negative", store.ErrValidation)
	}
	return nil
}

func (s *Service) ListHolders(ctx context.Context, kind domain.HolderKind) ([]domain.Holder, error) {
	switch kind {
	case "", domain.HolderKindCatalog, domain.HolderKindKitchen, domain.HolderKindBillingCounter:
	default:
		return nil, fmt.Errorf("%w: unknown holder kind %s", store.ErrValidation, kind)
	}
	return s.repo.ListHolders(ctx, kind)
}

func (s *Service) GetHolder(ctx context.Context, id string) (domain.Holder, error) {
	holder, err := s.repo.GetHolder(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Holder{}, err
	}
	return *holder, nil
}

// CreateHolder registers a kitchen or billing counter. The central holder is
// created once at startup and never through here.
func (s *Service) CreateHolder(ctx context.Context, principal domain.Principal, req domain.HolderCreateRequest) (domain.Holder, error) {
	if err := requireRole(principal, domain.RoleAdmin); err != nil {
		return domain.Holder{}, err
	}

	holder := domain.Holder{
		Kind: req.Kind,
		Name: strings.TrimSpace(req.Name),
	}
	if holder.Name == "" {
		return domain.Holder{}, fmt.Errorf("%w: holder name is required", store.ErrValidation)
	}

	switch req.Kind {
	case domain.HolderKindKitchen:
		profile := domain.KitchenProfile{Status: domain.HolderStatusActive}
		if req.Kitchen != nil {
			profile = normalizeKitchenProfile(*req.Kitchen)
		}
		if profile.Status != domain.HolderStatusActive && profile.Status != domain.HolderStatusOffline {
			return domain.Holder{}, fmt.Errorf("%w: kitchen status must be Active or Offline", store.ErrValidation)
		}
		holder.Kitchen = &profile
	case domain.HolderKindBillingCounter:
		if req.Kitchen != nil {
			return domain.Holder{}, fmt.Errorf("%w: billing counters carry no kitchen details", store.ErrValidation)
		}
	case domain.HolderKindCatalog:
		return domain.Holder{}, fmt.Errorf("%w: the central holder already exists", store.ErrValidation)
	default:
		return domain.Holder{}, fmt.Errorf("%w: unknown holder kind %s", store.ErrValidation, req.Kind)
	}

	created, err := s.repo.CreateHolder(ctx, holder)
	if err != nil {
		return domain.Holder{}, err
	}

	s.logAudit(ctx, principal, "holder_create", "holder", created.ID, fmt.Sprintf("kind=%s,name=%s", created.Kind, created.Name))
	return *created, nil
}

func (s *Service) UpdateHolder(ctx context.Context, principal domain.Principal, id string, req domain.HolderUpdateRequest) (domain.Holder, error) {
	if err := requireRole(principal, domain.RoleAdmin); err != nil {
		return domain.Holder{}, err
	}

	existing, err := s.repo.GetHolder(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Holder{}, err
	}
	if existing.Kind == domain.HolderKindCatalog {
		return domain.Holder{}, fmt.Errorf("%w: the central holder cannot be edited", store.ErrForbidden)
	}

	updated := *existing
	if req.Name != nil {
		updated.Name = strings.TrimSpace(*req.Name)
		if updated.Name == "" {
			return domain.Holder{}, fmt.Errorf("%w: holder name is required", store.ErrValidation)
		}
	}

	kitchenFields := req.Location != nil || req.Manager != nil || req.Contact != nil ||
		req.OperatingHours != nil || req.CapacityTier != nil || req.Status != nil
	if kitchenFields {
		if !existing.IsKitchen() {
			return domain.Holder{}, fmt.Errorf("%w: only kitchens carry kitchen details", store.ErrValidation)
		}
		profile := domain.KitchenProfile{Status: domain.HolderStatusActive}
		if existing.Kitchen != nil {
			profile = *existing.Kitchen
		}
		if req.Location != nil {
			profile.Location = strings.TrimSpace(*req.Location)
		}
		if req.Manager != nil {
			profile.Manager = strings.TrimSpace(*req.Manager)
		}
		if req.Contact != nil {
			profile.Contact = strings.TrimSpace(*req.Contact)
		}
		if req.OperatingHours != nil {
			profile.OperatingHours = strings.TrimSpace(*req.OperatingHours)
		}
		if req.CapacityTier != nil {
			profile.CapacityTier = strings.TrimSpace(*req.CapacityTier)
		}
		if req.Status != nil {
			if *req.Status != domain.HolderStatusActive && *req.Status != domain.HolderStatusOffline {
				return domain.Holder{}, fmt.Errorf("%w: kitchen status must be Active or Offline", store.ErrValidation)
			}
			profile.Status = *req.Status
		}
		updated.Kitchen = &profile
	}

	saved, err := s.repo.UpdateHolder(ctx, updated)
	if err != nil {
		return domain.Holder{}, err
	}

	detail := "name=" + saved.Name
	if saved.Kitchen != nil {
		detail += ",status=" + string(saved.Kitchen.Status)
	}
	s.logAudit(ctx, principal, "holder_update", "holder", saved.ID, detail)
	return *saved, nil
}

func normalizeKitchenProfile(p domain.KitchenProfile) domain.KitchenProfile {
	p.Location = strings.TrimSpace(p.Location)
	p.Manager = strings.TrimSpace(p.Manager)
	p.Contact = strings.TrimSpace(p.Contact)
	p.OperatingHours = strings.TrimSpace(p.OperatingHours)
	p.CapacityTier = strings.TrimSpace(p.CapacityTier)
	if p.Status == "" {
		p.Status = domain.HolderStatusActive
	}
	return p
}

// ValidateUserBinding checks that a role is bound to a holder of the matching
// kind: admins to the central holder, kitchen users to a kitchen and counter
// users to a billing counter.
func (s *Service) ValidateUserBinding(ctx context.Context, role string, holderID string) error {
	holder, err := s.lookupHolder(ctx, holderID)
	if err != nil {
		return err
	}
	var want domain.HolderKind
	switch role {
	case domain.RoleAdmin:
		want = domain.HolderKindCatalog
	case domain.RoleKitchen:
		want = domain.HolderKindKitchen
	case domain.RoleCounter:
		want = domain.HolderKindBillingCounter
	default:
		return fmt.Errorf("%w: unknown role %s", store.ErrValidation, role)
	}
	if holder.Kind != want {
		return fmt.Errorf("%w: role %s must be bound to a %s holder, %s is %s", store.ErrValidation, role, want, holder.ID, holder.Kind)
	}
	return nil
}
