package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"kitchenstock/backend/internal/domain"
	"kitchenstock/backend/internal/ledger"
	"kitchenstock/backend/internal/store"
	"kitchenstock/backend/internal/xid"
)

// Store keeps everything in process memory. Every write holds the single
// write lock for its whole check-then-append, which covers the per
// (holder, product) serialization the ledger needs; reads share the read lock.
type Store struct {
	mu              sync.RWMutex
	centralID       string
	products        map[string]domain.Product
	holders         map[string]domain.Holder
	transfers       []domain.TransferRecord
	consumptions    []domain.Consumption
	ordersByID      map[string]*domain.Order
	versions        map[string]int64
	transferSeq     int64
	billSeq         int64
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// New returns an empty store holding only the central catalog holder.
func New(centralID string) *Store {
	centralID = strings.TrimSpace(centralID)
	if centralID == "" {
		centralID = "central"
	}
	now := time.Now().UTC()
	return &Store{
		centralID: centralID,
		products:  make(map[string]domain.Product),
		holders: map[string]domain.Holder{
			centralID: {ID: centralID, Kind: domain.HolderKindCatalog, Name: "Central Store", CreatedAt: now},
		},
		transfers:       make([]domain.TransferRecord, 0, 256),
		consumptions:    make([]domain.Consumption, 0, 128),
		ordersByID:      make(map[string]*domain.Order),
		versions:        make(map[string]int64),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the demo accounts. Passwords come from SEED_ADMIN_PASSWORD,
// SEED_KITCHEN_PASSWORD and SEED_COUNTER_PASSWORD, with dev defaults when
// unset. The postgres store never uses these.
func seedUsers(centralID string) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	kitchenPwd := envOr("SEED_KITCHEN_PASSWORD", "kitchen123")
	counterPwd := envOr("SEED_COUNTER_PASSWORD", "counter123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_KITCHEN_PASSWORD") == "" || os.Getenv("SEED_COUNTER_PASSWORD") == "" {
		zap.L().Warn("memory store is using default dev credentials",
			zap.Strings("override_with", []string{"SEED_ADMIN_PASSWORD", "SEED_KITCHEN_PASSWORD", "SEED_COUNTER_PASSWORD"}))
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
		holderID string
	}{
		{"admin", adminPwd, domain.RoleAdmin, centralID},
		{"kitchen", kitchenPwd, domain.RoleKitchen, "kitchen-north"},
		{"counter", counterPwd, domain.RoleCounter, "counter-1"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			zap.L().Fatal("failed to hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			HolderID:  u.holderID,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a demo store: two kitchens, one billing counter, a small
// menu, provisioned central stock and an initial distribution to the kitchens.
func NewSeeded(centralID string) *Store {
	s := New(centralID)
	now := time.Now().UTC()
	start := now.Add(-6 * time.Hour)

	for _, h := range []domain.Holder{
		{ID: "kitchen-north", Kind: domain.HolderKindKitchen, Name: "North Kitchen", Kitchen: &domain.KitchenProfile{
			Location: "Sector 12", Manager: "R. Iyer", Contact: "+91-98450-11001", OperatingHours: "07:00-23:00", CapacityTier: "large", Status: domain.HolderStatusActive,
		}},
		{ID: "kitchen-south", Kind: domain.HolderKindKitchen, Name: "South Kitchen", Kitchen: &domain.KitchenProfile{
			Location: "MG Road", Manager: "S. Nair", Contact: "+91-98450-11002", OperatingHours: "10:00-22:00", CapacityTier: "medium", Status: domain.HolderStatusActive,
		}},
		{ID: "counter-1", Kind: domain.HolderKindBillingCounter, Name: "Front Counter"},
	} {
		h.CreatedAt = start
		s.holders[h.ID] = h
	}

	discount := func(v string) *decimal.Decimal {
		d := decimal.RequireFromString(v)
		return &d
	}
	products := []domain.Product{
		{ID: "prd-paneer", Name: "Paneer", Unit: "kg", Price: dec("320"), DiscountPrice: discount("300"), GSTPercent: dec("5"), ServiceChargeApplicable: true, MinStock: dec("5")},
		{ID: "prd-basmati", Name: "Basmati Rice", Unit: "kg", Price: dec("140"), GSTPercent: dec("5"), MinStock: dec("20")},
		{ID: "prd-naan", Name: "Butter Naan", Unit: "pcs", Price: dec("40"), GSTPercent: dec("5"), PackagingCharge: dec("2"), ServiceChargeApplicable: true, MinStock: dec("30")},
		{ID: "prd-lassi", Name: "Sweet Lassi", Unit: "bottle", Price: dec("60"), DiscountPrice: discount("50"), GSTPercent: dec("12"), PackagingCharge: dec("5"), MinStock: dec("12")},
		{ID: "prd-dal", Name: "Dal Makhani", Unit: "plate", Price: dec("180"), GSTPercent: dec("5"), ServiceChargeApplicable: true, MinStock: dec("10")},
	}
	for _, p := range products {
		p.CreatedAt = start
		p.UpdatedAt = start
		s.products[p.ID] = p
	}

	provision := map[string]string{
		"prd-paneer": "50", "prd-basmati": "200", "prd-naan": "400", "prd-lassi": "120", "prd-dal": "80",
	}
	for _, p := range products {
		s.appendLocked(domain.TransferRecord{
			Kind: domain.TransferKindProvision, ProductID: p.ID, ToHolderID: s.centralID, Quantity: dec(provision[p.ID]),
			Timestamp: start, InitiatorUserID: "admin", Notes: "opening stock",
		})
	}
	for i, t := range []struct {
		product string
		to      string
		qty     string
	}{
		{"prd-paneer", "kitchen-north", "12"},
		{"prd-basmati", "kitchen-north", "40"},
		{"prd-naan", "kitchen-north", "100"},
		{"prd-dal", "kitchen-north", "20"},
		{"prd-paneer", "kitchen-south", "4"},
		{"prd-naan", "kitchen-south", "60"},
		{"prd-lassi", "kitchen-south", "24"},
		{"prd-lassi", "counter-1", "12"},
	} {
		s.appendLocked(domain.TransferRecord{
			Kind: domain.TransferKindTransfer, ProductID: t.product, FromHolderID: s.centralID, ToHolderID: t.to, Quantity: dec(t.qty),
			Timestamp: start.Add(time.Duration(i+1) * time.Minute), InitiatorUserID: "admin",
		})
	}

	s.usersByUsername = seedUsers(s.centralID)
	return s
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, cloneProduct(p))
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Name == b.Name {
			return cmpString(a.ID, b.ID)
		}
		return cmpString(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyProduct := cloneProduct(p)
	return &copyProduct, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			result[id] = cloneProduct(p)
		}
	}
	return result, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product.Name = strings.TrimSpace(product.Name)
	if product.Name == "" {
		return nil, fmt.Errorf("%w: product name is required", store.ErrValidation)
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, fmt.Errorf("%w: product %s already exists", store.ErrValidation, product.ID)
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = product.CreatedAt
	product.CurrentGlobalQuantity = decimal.Zero
	s.products[product.ID] = cloneProduct(product)
	s.bumpAllLocked()
	saved := cloneProduct(product)
	return &saved, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[product.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	product.CreatedAt = existing.CreatedAt
	if product.UpdatedAt.IsZero() {
		product.UpdatedAt = time.Now().UTC()
	}
	s.products[product.ID] = cloneProduct(product)
	s.bumpAllLocked()
	saved := cloneProduct(product)
	return &saved, nil
}

func (s *Store) DeleteProduct(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[id]; !ok {
		return store.ErrNotFound
	}
	for _, order := range s.ordersByID {
		if order.Status.Terminal() {
			continue
		}
		for _, line := range order.Lines {
			if line.ProductID == id {
				return fmt.Errorf("%w: product %s is on open order %s", store.ErrReferenced, id, order.BillNumber)
			}
		}
	}
	for holderID, bal := range s.productPositionsLocked(id) {
		if !bal.Quantity().IsZero() {
			return fmt.Errorf("%w: holder %s still holds %s of product %s", store.ErrReferenced, holderID, bal.Quantity(), id)
		}
	}
	delete(s.products, id)
	s.bumpAllLocked()
	return nil
}

// bumpAllLocked invalidates every inventory snapshot; catalog changes show up
// in all of them.
func (s *Store) bumpAllLocked() {
	for id := range s.holders {
		s.versions[id]++
	}
}

func (s *Store) ListHolders(_ context.Context, kind domain.HolderKind) ([]domain.Holder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	holders := make([]domain.Holder, 0, len(s.holders))
	for _, h := range s.holders {
		if kind != "" && h.Kind != kind {
			continue
		}
		holders = append(holders, cloneHolder(h))
	}
	slices.SortFunc(holders, func(a, b domain.Holder) int {
		if a.Kind != b.Kind {
			return cmpString(string(a.Kind), string(b.Kind))
		}
		return cmpString(a.Name, b.Name)
	})
	return holders, nil
}

func (s *Store) GetHolder(_ context.Context, id string) (*domain.Holder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.holders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyHolder := cloneHolder(h)
	return &copyHolder, nil
}

func (s *Store) CreateHolder(_ context.Context, holder domain.Holder) (*domain.Holder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	holder.Name = strings.TrimSpace(holder.Name)
	if holder.Name == "" {
		return nil, fmt.Errorf("%w: holder name is required", store.ErrValidation)
	}
	if holder.Kind != domain.HolderKindKitchen && holder.Kind != domain.HolderKindBillingCounter {
		return nil, fmt.Errorf("%w: holder kind %q cannot be created", store.ErrValidation, holder.Kind)
	}
	if holder.ID == "" {
		holder.ID = xid.New("hld")
	}
	if _, exists := s.holders[holder.ID]; exists {
		return nil, fmt.Errorf("%w: holder %s already exists", store.ErrValidation, holder.ID)
	}
	if holder.CreatedAt.IsZero() {
		holder.CreatedAt = time.Now().UTC()
	}
	s.holders[holder.ID] = cloneHolder(holder)
	saved := cloneHolder(holder)
	return &saved, nil
}

func (s *Store) UpdateHolder(_ context.Context, holder domain.Holder) (*domain.Holder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.holders[holder.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if existing.Kind != holder.Kind {
		return nil, fmt.Errorf("%w: holder kind cannot change", store.ErrValidation)
	}
	holder.CreatedAt = existing.CreatedAt
	s.holders[holder.ID] = cloneHolder(holder)
	s.versions[holder.ID]++
	saved := cloneHolder(holder)
	return &saved, nil
}

func (s *Store) AppendTransfer(_ context.Context, rec domain.TransferRecord) (*domain.TransferRecord, error) {
	if !rec.Quantity.IsPositive() {
		return nil, store.ErrInvalidQuantity
	}

	kind, err := store.CheckTransferKind(rec)
	if err != nil {
		return nil, err
	}
	rec.Kind = kind

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[rec.ProductID]; !ok {
		return nil, store.ErrUnknownProduct
	}
	if _, ok := s.holders[rec.ToHolderID]; !ok {
		return nil, store.ErrUnknownHolder
	}
	if rec.FromHolderID == rec.ToHolderID {
		return nil, fmt.Errorf("%w: source and destination holder must differ", store.ErrValidation)
	}
	if kind == domain.TransferKindTransfer {
		if _, ok := s.holders[rec.FromHolderID]; !ok {
			return nil, store.ErrUnknownHolder
		}
		bal := s.balancesLocked(rec.FromHolderID, []string{rec.ProductID}, "")[rec.ProductID]
		if bal.Negative() {
			return nil, fmt.Errorf("%w: holder %s product %s folds to %s", store.ErrConsistencyFault, rec.FromHolderID, rec.ProductID, bal.Quantity())
		}
		if bal.Available().LessThan(rec.Quantity) {
			return nil, store.InsufficientStock(rec.FromHolderID, rec.ProductID, bal.Available(), rec.Quantity)
		}
	}

	saved := s.appendLocked(rec)
	return &saved, nil
}

// appendLocked assigns identity and sequence and bumps the holder versions.
// Caller holds the write lock and has validated rec, kind included.
func (s *Store) appendLocked(rec domain.TransferRecord) domain.TransferRecord {
	if rec.ID == "" {
		rec.ID = xid.New("tr")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	s.transferSeq++
	rec.Seq = s.transferSeq
	s.transfers = append(s.transfers, rec)
	s.versions[rec.ToHolderID]++
	if rec.FromHolderID != "" {
		s.versions[rec.FromHolderID]++
	}
	return rec
}

func (s *Store) ListTransfers(_ context.Context, filter domain.TransferFilter) ([]domain.TransferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.TransferRecord, 0, 64)
	for _, rec := range s.transfers {
		if filter.HolderID != "" && rec.FromHolderID != filter.HolderID && rec.ToHolderID != filter.HolderID {
			continue
		}
		if filter.ProductID != "" && rec.ProductID != filter.ProductID {
			continue
		}
		if filter.From != nil && rec.Timestamp.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !rec.Timestamp.Before(*filter.To) {
			continue
		}
		result = append(result, rec)
	}
	slices.SortFunc(result, func(a, b domain.TransferRecord) int {
		if a.Timestamp.Equal(b.Timestamp) {
			return cmpInt64(b.Seq, a.Seq)
		}
		if a.Timestamp.After(b.Timestamp) {
			return -1
		}
		return 1
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) GetBalances(_ context.Context, holderID string, productIDs []string) (map[string]ledger.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.holders[holderID]; !ok {
		return nil, store.ErrUnknownHolder
	}
	return s.balancesLocked(holderID, productIDs, ""), nil
}

func (s *Store) HolderVersion(_ context.Context, holderID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.holders[holderID]; !ok {
		return 0, store.ErrUnknownHolder
	}
	return s.versions[holderID], nil
}

// balancesLocked folds the ledger for holderID and adds strict reservations
// held by open orders other than excludeOrderID.
func (s *Store) balancesLocked(holderID string, productIDs []string, excludeOrderID string) map[string]ledger.Balance {
	folded := ledger.Fold(holderID, s.transfers, s.consumptions)
	for _, order := range s.ordersByID {
		if !holdsReservation(order) || order.KitchenID != holderID || order.ID == excludeOrderID {
			continue
		}
		for _, line := range order.Lines {
			bal := folded[line.ProductID]
			bal.Reserved = bal.Reserved.Add(line.Quantity)
			folded[line.ProductID] = bal
		}
	}
	if productIDs == nil {
		return folded
	}
	result := make(map[string]ledger.Balance, len(productIDs))
	for _, id := range productIDs {
		result[id] = folded[id]
	}
	return result
}

func (s *Store) productPositionsLocked(productID string) map[string]ledger.Balance {
	positions := make(map[string]ledger.Balance)
	for _, rec := range s.transfers {
		if rec.ProductID != productID {
			continue
		}
		positions[rec.ToHolderID] = positions[rec.ToHolderID].Apply(rec.ToHolderID, rec)
		if rec.FromHolderID != "" {
			positions[rec.FromHolderID] = positions[rec.FromHolderID].Apply(rec.FromHolderID, rec)
		}
	}
	for _, c := range s.consumptions {
		if c.ProductID != productID {
			continue
		}
		bal := positions[c.HolderID]
		bal.Consumed = bal.Consumed.Add(c.Quantity)
		positions[c.HolderID] = bal
	}
	return positions
}

func holdsReservation(order *domain.Order) bool {
	if !order.StockReserved {
		return false
	}
	switch order.Status {
	case domain.OrderStatusAssignedToKitchen, domain.OrderStatusProcessing, domain.OrderStatusReady:
		return true
	default:
		return false
	}
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	if len(order.Lines) == 0 {
		return nil, fmt.Errorf("%w: order has no lines", store.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, line := range order.Lines {
		if _, ok := s.products[line.ProductID]; !ok {
			return nil, store.ErrUnknownProduct
		}
	}
	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.UpdatedAt = order.CreatedAt
	order.Status = domain.OrderStatusPending
	order.KitchenID = ""
	order.StockReserved = false
	order.History = []domain.StatusChange{}
	s.billSeq++
	order.BillNumber = store.BillNumber(s.billSeq)

	saved := cloneOrder(&order)
	s.ordersByID[order.ID] = saved
	return cloneOrder(saved), nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.ordersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOrder(order), nil
}

func (s *Store) ListOrders(_ context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Order, 0, len(s.ordersByID))
	for _, order := range s.ordersByID {
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		if filter.KitchenID != "" && order.KitchenID != filter.KitchenID {
			continue
		}
		result = append(result, *cloneOrder(order))
	}
	slices.SortFunc(result, func(a, b domain.Order) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.BillNumber, a.BillNumber)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) AssignOrder(_ context.Context, cmd store.AssignCommand) (*domain.Order, []domain.StockWarning, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[cmd.OrderID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	if order.Status != domain.OrderStatusPending {
		return nil, nil, fmt.Errorf("%w: order %s is %s", store.ErrInvalidTransition, order.BillNumber, order.Status)
	}
	kitchen, ok := s.holders[cmd.KitchenID]
	if !ok {
		return nil, nil, store.ErrUnknownHolder
	}
	if !kitchen.IsKitchen() {
		return nil, nil, fmt.Errorf("%w: holder %s is not a kitchen", store.ErrValidation, kitchen.ID)
	}
	if !kitchen.Online() {
		return nil, nil, fmt.Errorf("%w: kitchen %s is offline", store.ErrValidation, kitchen.ID)
	}

	balances := s.balancesLocked(kitchen.ID, lineProductIDs(order.Lines), "")
	warnings := ledger.Shortfalls(order.Lines, balances, cmd.Reserve)
	if cmd.Reserve && len(warnings) > 0 {
		return nil, nil, &store.ShortfallError{HolderID: kitchen.ID, Lines: warnings}
	}

	at := stampOrDefault(cmd.At)
	order.History = append(order.History, domain.StatusChange{
		From: order.Status, To: domain.OrderStatusAssignedToKitchen, ActorID: cmd.ActorID, ChangedAt: at,
	})
	order.Status = domain.OrderStatusAssignedToKitchen
	order.KitchenID = kitchen.ID
	order.StockReserved = cmd.Reserve
	order.UpdatedAt = at
	if cmd.Reserve {
		s.versions[kitchen.ID]++
	}
	return cloneOrder(order), warnings, nil
}

func (s *Store) TransitionOrder(_ context.Context, cmd store.TransitionCommand) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[cmd.OrderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if order.Status != cmd.From {
		return nil, fmt.Errorf("%w: order %s is %s, not %s", store.ErrInvalidTransition, order.BillNumber, order.Status, cmd.From)
	}

	at := stampOrDefault(cmd.At)
	if cmd.To == domain.OrderStatusCompleted {
		if order.KitchenID == "" {
			return nil, fmt.Errorf("%w: order %s has no kitchen", store.ErrInvalidTransition, order.BillNumber)
		}
		balances := s.balancesLocked(order.KitchenID, lineProductIDs(order.Lines), order.ID)
		for productID, bal := range balances {
			if bal.Negative() {
				return nil, fmt.Errorf("%w: holder %s product %s folds to %s", store.ErrConsistencyFault, order.KitchenID, productID, bal.Quantity())
			}
		}
		if short := ledger.Shortfalls(order.Lines, balances, true); len(short) > 0 {
			return nil, &store.ShortfallError{HolderID: order.KitchenID, Lines: short}
		}
		for _, line := range order.Lines {
			s.consumptions = append(s.consumptions, domain.Consumption{
				OrderID: order.ID, HolderID: order.KitchenID, ProductID: line.ProductID, Quantity: line.Quantity, ConsumedAt: at,
			})
		}
		s.versions[order.KitchenID]++
	}

	order.History = append(order.History, domain.StatusChange{
		From: order.Status, To: cmd.To, ActorID: cmd.ActorID, ChangedAt: at,
	})
	order.Status = cmd.To
	order.UpdatedAt = at
	return cloneOrder(order), nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("aud")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, len(s.auditLogs))
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return fmt.Errorf("%w: username and password are required", store.ErrValidation)
	}
	if _, exists := s.usersByUsername[username]; exists {
		return fmt.Errorf("%w: username already exists", store.ErrValidation)
	}
	user.Username = username
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return fmt.Errorf("%w: username and password are required", store.ErrValidation)
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func lineProductIDs(lines []domain.OrderLine) []string {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	return ids
}

func stampOrDefault(at time.Time) time.Time {
	if at.IsZero() {
		return time.Now().UTC()
	}
	return at
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cmpInt64(a int64, b int64) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneProduct(src domain.Product) domain.Product {
	dup := src
	if src.DiscountPrice != nil {
		d := *src.DiscountPrice
		dup.DiscountPrice = &d
	}
	return dup
}

func cloneHolder(src domain.Holder) domain.Holder {
	dup := src
	if src.Kitchen != nil {
		k := *src.Kitchen
		dup.Kitchen = &k
	}
	return dup
}

func cloneOrder(src *domain.Order) *domain.Order {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Lines = make([]domain.OrderLine, len(src.Lines))
	copy(dup.Lines, src.Lines)
	dup.History = make([]domain.StatusChange, len(src.History))
	copy(dup.History, src.History)
	return &dup
}
