package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kitchenstock/backend/internal/domain"
	"kitchenstock/backend/internal/ledger"
	"kitchenstock/backend/internal/store"
)

func (s *Service) CurrentQuantity(ctx context.Context, principal domain.Principal, holderID string, productID string) (decimal.Decimal, error) {
	bal, _, err := s.balanceOf(ctx, principal, holderID, productID)
	if err != nil {
		return decimal.Zero, err
	}
	return bal.Quantity(), nil
}

func (s *Service) Classify(ctx context.Context, principal domain.Principal, holderID string, productID string) (domain.StockLevel, error) {
	bal, product, err := s.balanceOf(ctx, principal, holderID, productID)
	if err != nil {
		return "", err
	}
	return ledger.Classify(bal.Quantity(), product.MinStock), nil
}

// UsedSince estimates usage as stock received since the given time minus what
// the holder still has, floored at zero.
func (s *Service) UsedSince(ctx context.Context, principal domain.Principal, holderID string, productID string, since time.Time) (domain.UsageResponse, error) {
	bal, product, err := s.balanceOf(ctx, principal, holderID, productID)
	if err != nil {
		return domain.UsageResponse{}, err
	}
	if since.IsZero() {
		return domain.UsageResponse{}, fmt.Errorf("%w: since is required", store.ErrValidation)
	}
	since = since.UTC()

	transfers, err := s.repo.ListTransfers(ctx, domain.TransferFilter{HolderID: holderID, ProductID: product.ID, From: &since})
	if err != nil {
		return domain.UsageResponse{}, err
	}
	assigned := ledger.AssignedSince(holderID, product.ID, transfers, since)
	remaining := bal.Quantity()

	return domain.UsageResponse{
		HolderID:  holderID,
		ProductID: product.ID,
		Since:     since,
		Assigned:  assigned,
		Remaining: remaining,
		Used:      ledger.UsedSince(assigned, remaining),
	}, nil
}

// HolderInventory returns every product the holder has touched (the whole
// catalog for the central holder), sorted by product name. Snapshots are
// cached per holder version.
func (s *Service) HolderInventory(ctx context.Context, principal domain.Principal, holderID string) (domain.InventoryResponse, error) {
	holderID = strings.TrimSpace(holderID)
	if holderID == "" {
		holderID = principal.HolderID
	}
	if err := requireHolderAccess(principal, holderID); err != nil {
		return domain.InventoryResponse{}, err
	}

	version, err := s.repo.HolderVersion(ctx, holderID)
	if err != nil {
		return domain.InventoryResponse{}, err
	}
	if cached, ok, err := s.cache.Get(ctx, holderID, version); err != nil {
		s.logger.Warn("inventory cache read failed", zap.String("holder_id", holderID), zap.Error(err))
	} else if ok {
		return *cached, nil
	}

	balances, err := s.repo.GetBalances(ctx, holderID, nil)
	if err != nil {
		return domain.InventoryResponse{}, err
	}
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return domain.InventoryResponse{}, err
	}

	items := make([]domain.InventoryLine, 0, len(balances))
	for _, product := range products {
		bal, touched := balances[product.ID]
		if !touched && holderID != s.centralID {
			continue
		}
		if bal.Negative() {
			err := fmt.Errorf("%w: holder %s product %s folds to %s", store.ErrConsistencyFault, holderID, product.ID, bal.Quantity())
			s.reportFault(err, zap.String("holder_id", holderID), zap.String("product_id", product.ID))
			return domain.InventoryResponse{}, err
		}
		items = append(items, domain.InventoryLine{
			HolderID:       holderID,
			ProductID:      product.ID,
			ProductName:    product.Name,
			Unit:           product.Unit,
			Quantity:       bal.Quantity(),
			Reserved:       bal.Reserved,
			MinStock:       product.MinStock,
			Classification: ledger.Classify(bal.Quantity(), product.MinStock),
		})
	}
	slices.SortFunc(items, func(a, b domain.InventoryLine) int {
		if c := strings.Compare(a.ProductName, b.ProductName); c != 0 {
			return c
		}
		return strings.Compare(a.ProductID, b.ProductID)
	})

	resp := domain.InventoryResponse{
		HolderID:    holderID,
		GeneratedAt: time.Now().UTC(),
		Items:       items,
	}
	if err := s.cache.Set(ctx, holderID, version, &resp, s.cacheTTL); err != nil {
		s.logger.Warn("inventory cache write failed", zap.String("holder_id", holderID), zap.Error(err))
	}
	return resp, nil
}

// LowStockReport is the part of HolderInventory at or below min stock.
func (s *Service) LowStockReport(ctx context.Context, principal domain.Principal, holderID string) (domain.InventoryResponse, error) {
	inventory, err := s.HolderInventory(ctx, principal, holderID)
	if err != nil {
		return domain.InventoryResponse{}, err
	}
	low := make([]domain.InventoryLine, 0, len(inventory.Items))
	for _, item := range inventory.Items {
		if item.Classification != domain.StockLevelInStock {
			low = append(low, item)
		}
	}
	inventory.Items = low
	return inventory, nil
}

func (s *Service) balanceOf(ctx context.Context, principal domain.Principal, holderID string, productID string) (ledger.Balance, *domain.Product, error) {
	holderID = strings.TrimSpace(holderID)
	if err := requireHolderAccess(principal, holderID); err != nil {
		return ledger.Balance{}, nil, err
	}
	if _, err := s.lookupHolder(ctx, holderID); err != nil {
		return ledger.Balance{}, nil, err
	}
	product, err := s.lookupProduct(ctx, productID)
	if err != nil {
		return ledger.Balance{}, nil, err
	}

	balances, err := s.repo.GetBalances(ctx, holderID, []string{product.ID})
	if err != nil {
		return ledger.Balance{}, nil, err
	}
	bal := balances[product.ID]
	if bal.Negative() {
		err := fmt.Errorf("%w: holder %s product %s folds to %s", store.ErrConsistencyFault, holderID, product.ID, bal.Quantity())
		s.reportFault(err, zap.String("holder_id", holderID), zap.String("product_id", product.ID))
		return ledger.Balance{}, nil, err
	}
	return bal, product, nil
}
