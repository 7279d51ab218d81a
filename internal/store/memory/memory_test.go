package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kitchenstock/backend/internal/domain"
	"kitchenstock/backend/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New("central")
	ctx := context.Background()
	if _, err := s.CreateProduct(ctx, domain.Product{ID: "p1", Name: "Tomato", Unit: "kg", Price: dec("40"), MinStock: dec("10")}); err != nil {
		t.Fatalf("create product: %v", err)
	}
	if _, err := s.CreateHolder(ctx, domain.Holder{ID: "k1", Kind: domain.HolderKindKitchen, Name: "K1", Kitchen: &domain.KitchenProfile{Status: domain.HolderStatusActive}}); err != nil {
		t.Fatalf("create kitchen: %v", err)
	}
	if _, err := s.CreateHolder(ctx, domain.Holder{ID: "k2", Kind: domain.HolderKindKitchen, Name: "K2", Kitchen: &domain.KitchenProfile{Status: domain.HolderStatusOffline}}); err != nil {
		t.Fatalf("create kitchen: %v", err)
	}
	if _, err := s.AppendTransfer(ctx, domain.TransferRecord{Kind: domain.TransferKindProvision, ProductID: "p1", ToHolderID: "central", Quantity: dec("100"), InitiatorUserID: "admin"}); err != nil {
		t.Fatalf("provision: %v", err)
	}
	return s
}

func transfer(t *testing.T, s *Store, from, to, qty string) {
	t.Helper()
	if _, err := s.AppendTransfer(context.Background(), domain.TransferRecord{ProductID: "p1", FromHolderID: from, ToHolderID: to, Quantity: dec(qty), InitiatorUserID: "admin"}); err != nil {
		t.Fatalf("transfer %s->%s %s: %v", from, to, qty, err)
	}
}

func quantityAt(t *testing.T, s *Store, holderID string) decimal.Decimal {
	t.Helper()
	balances, err := s.GetBalances(context.Background(), holderID, []string{"p1"})
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	return balances["p1"].Quantity()
}

func TestAppendTransferRejectsInvalidInput(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AppendTransfer(ctx, domain.TransferRecord{ProductID: "p1", FromHolderID: "central", ToHolderID: "k1", Quantity: dec("0")})
	if !errors.Is(err, store.ErrInvalidQuantity) || !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected invalid quantity validation error, got %v", err)
	}
	_, err = s.AppendTransfer(ctx, domain.TransferRecord{ProductID: "nope", FromHolderID: "central", ToHolderID: "k1", Quantity: dec("1")})
	if !errors.Is(err, store.ErrUnknownProduct) {
		t.Fatalf("expected unknown product, got %v", err)
	}
	_, err = s.AppendTransfer(ctx, domain.TransferRecord{ProductID: "p1", FromHolderID: "central", ToHolderID: "ghost", Quantity: dec("1")})
	if !errors.Is(err, store.ErrUnknownHolder) {
		t.Fatalf("expected unknown holder, got %v", err)
	}
	_, err = s.AppendTransfer(ctx, domain.TransferRecord{ProductID: "p1", FromHolderID: "k1", ToHolderID: "k1", Quantity: dec("1")})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected self transfer to be rejected, got %v", err)
	}
	_, err = s.AppendTransfer(ctx, domain.TransferRecord{ProductID: "p1", FromHolderID: "k1", ToHolderID: "central", Quantity: dec("1")})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
}

func TestAppendTransferRequiresSourceUnlessProvision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AppendTransfer(ctx, domain.TransferRecord{ProductID: "p1", ToHolderID: "k1", Quantity: dec("1000")})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected sourceless transfer to be rejected, got %v", err)
	}
	_, err = s.AppendTransfer(ctx, domain.TransferRecord{Kind: domain.TransferKindProvision, ProductID: "p1", FromHolderID: "central", ToHolderID: "k1", Quantity: dec("1")})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected provision with a source to be rejected, got %v", err)
	}
	_, err = s.AppendTransfer(ctx, domain.TransferRecord{Kind: "gift", ProductID: "p1", FromHolderID: "central", ToHolderID: "k1", Quantity: dec("1")})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected unknown kind to be rejected, got %v", err)
	}
	if got := quantityAt(t, s, "k1"); !got.IsZero() {
		t.Fatalf("expected k1 untouched, got %s", got)
	}
}

func TestFailedTransferLeavesLedgerUntouched(t *testing.T) {
	s := newTestStore(t)
	before, _ := s.ListTransfers(context.Background(), domain.TransferFilter{})
	_, err := s.AppendTransfer(context.Background(), domain.TransferRecord{ProductID: "p1", FromHolderID: "central", ToHolderID: "k1", Quantity: dec("100.5")})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	after, _ := s.ListTransfers(context.Background(), domain.TransferFilter{})
	if len(after) != len(before) {
		t.Fatalf("expected no partial write, got %d -> %d records", len(before), len(after))
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	s := newTestStore(t)
	transfer(t, s, "central", "k1", "10")

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendTransfer(context.Background(), domain.TransferRecord{ProductID: "p1", FromHolderID: "k1", ToHolderID: "central", Quantity: dec("1")})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, store.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Fatalf("expected exactly 10 debits to succeed, got %d", succeeded)
	}
	if got := quantityAt(t, s, "k1"); !got.IsZero() {
		t.Fatalf("expected kitchen to be drained to zero, got %s", got)
	}
}

func TestLedgerClosureAcrossHolders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateHolder(ctx, domain.Holder{ID: "c1", Kind: domain.HolderKindBillingCounter, Name: "Counter"}); err != nil {
		t.Fatalf("create counter: %v", err)
	}
	transfer(t, s, "central", "k1", "30")
	transfer(t, s, "k1", "c1", "7.5")
	transfer(t, s, "c1", "central", "2.5")
	if _, err := s.AppendTransfer(ctx, domain.TransferRecord{Kind: domain.TransferKindProvision, ProductID: "p1", ToHolderID: "central", Quantity: dec("20")}); err != nil {
		t.Fatalf("second provision: %v", err)
	}

	total := decimal.Zero
	for _, id := range []string{"central", "k1", "k2", "c1"} {
		q := quantityAt(t, s, id)
		if q.IsNegative() {
			t.Fatalf("expected non-negative quantity at %s, got %s", id, q)
		}
		total = total.Add(q)
	}
	if !total.Equal(dec("120")) {
		t.Fatalf("expected holdings to sum to provisioned 120, got %s", total)
	}
}

func TestListTransfersNewestFirstWithFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	for i, qty := range []string{"1", "2", "3"} {
		if _, err := s.AppendTransfer(ctx, domain.TransferRecord{ProductID: "p1", FromHolderID: "central", ToHolderID: "k1", Quantity: dec(qty), Timestamp: base.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatalf("transfer: %v", err)
		}
	}
	same := base.Add(2 * time.Hour)
	if _, err := s.AppendTransfer(ctx, domain.TransferRecord{ProductID: "p1", FromHolderID: "k1", ToHolderID: "central", Quantity: dec("1"), Timestamp: same}); err != nil {
		t.Fatalf("transfer back: %v", err)
	}

	history, err := s.ListTransfers(ctx, domain.TransferFilter{HolderID: "k1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("expected 4 records touching k1, got %d", len(history))
	}
	if history[0].FromHolderID != "k1" || history[1].Quantity.String() != "3" {
		t.Fatalf("expected sequence tie-break newest first, got %+v", history[:2])
	}

	from := base.Add(time.Hour)
	to := base.Add(2 * time.Hour)
	windowed, _ := s.ListTransfers(ctx, domain.TransferFilter{HolderID: "k1", From: &from, To: &to})
	if len(windowed) != 1 || windowed[0].Quantity.String() != "2" {
		t.Fatalf("expected half-open window to keep only the 2-unit transfer, got %+v", windowed)
	}

	limited, _ := s.ListTransfers(ctx, domain.TransferFilter{Limit: 2})
	if len(limited) != 2 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
}

func newPendingOrder(t *testing.T, s *Store, qty string) *domain.Order {
	t.Helper()
	order, err := s.CreateOrder(context.Background(), domain.Order{
		Customer: domain.Customer{Name: "Asha"},
		Lines:    []domain.OrderLine{{ProductID: "p1", Quantity: dec(qty)}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func TestCreateOrderAssignsSequentialBillNumbers(t *testing.T) {
	s := newTestStore(t)
	first := newPendingOrder(t, s, "1")
	second := newPendingOrder(t, s, "1")
	if first.BillNumber != "BILL-000001" || second.BillNumber != "BILL-000002" {
		t.Fatalf("unexpected bill numbers %s, %s", first.BillNumber, second.BillNumber)
	}
	if first.Status != domain.OrderStatusPending {
		t.Fatalf("expected Pending, got %s", first.Status)
	}
}

func TestAssignOrderAdvisoryReportsShortfall(t *testing.T) {
	s := newTestStore(t)
	transfer(t, s, "central", "k1", "5")
	order := newPendingOrder(t, s, "8")

	assigned, warnings, err := s.AssignOrder(context.Background(), store.AssignCommand{OrderID: order.ID, KitchenID: "k1", ActorID: "u1"})
	if err != nil {
		t.Fatalf("expected advisory assignment to succeed, got %v", err)
	}
	if assigned.Status != domain.OrderStatusAssignedToKitchen || assigned.KitchenID != "k1" {
		t.Fatalf("unexpected assigned order %+v", assigned)
	}
	if len(warnings) != 1 || !warnings[0].Available.Equal(dec("5")) || !warnings[0].Required.Equal(dec("8")) {
		t.Fatalf("expected one shortfall 5 < 8, got %+v", warnings)
	}
	if len(assigned.History) != 1 || assigned.History[0].From != domain.OrderStatusPending {
		t.Fatalf("expected history entry, got %+v", assigned.History)
	}
}

func TestAssignOrderStrictReservesAndBlocks(t *testing.T) {
	s := newTestStore(t)
	transfer(t, s, "central", "k1", "10")
	first := newPendingOrder(t, s, "6")
	second := newPendingOrder(t, s, "6")
	ctx := context.Background()

	if _, _, err := s.AssignOrder(ctx, store.AssignCommand{OrderID: first.ID, KitchenID: "k1", Reserve: true}); err != nil {
		t.Fatalf("expected first reservation to succeed, got %v", err)
	}
	_, _, err := s.AssignOrder(ctx, store.AssignCommand{OrderID: second.ID, KitchenID: "k1", Reserve: true})
	var shortfall *store.ShortfallError
	if !errors.As(err, &shortfall) || !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected shortfall error, got %v", err)
	}
	if !shortfall.Lines[0].Available.Equal(dec("4")) {
		t.Fatalf("expected 4 available after reservation, got %s", shortfall.Lines[0].Available)
	}
	still, _ := s.GetOrder(ctx, second.ID)
	if still.Status != domain.OrderStatusPending {
		t.Fatalf("expected rejected order to stay Pending, got %s", still.Status)
	}

	_, err = s.AppendTransfer(ctx, domain.TransferRecord{ProductID: "p1", FromHolderID: "k1", ToHolderID: "central", Quantity: dec("5")})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected reserved stock to block transfer, got %v", err)
	}
}

func TestAssignOrderRejectsOfflineAndNonKitchen(t *testing.T) {
	s := newTestStore(t)
	order := newPendingOrder(t, s, "1")
	ctx := context.Background()

	if _, _, err := s.AssignOrder(ctx, store.AssignCommand{OrderID: order.ID, KitchenID: "k2"}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected offline kitchen rejection, got %v", err)
	}
	if _, _, err := s.AssignOrder(ctx, store.AssignCommand{OrderID: order.ID, KitchenID: "central"}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected non-kitchen rejection, got %v", err)
	}
}

func advance(t *testing.T, s *Store, id string, from, to domain.OrderStatus) (*domain.Order, error) {
	t.Helper()
	return s.TransitionOrder(context.Background(), store.TransitionCommand{OrderID: id, From: from, To: to, ActorID: "u1"})
}

func TestCompletionConsumesKitchenStock(t *testing.T) {
	s := newTestStore(t)
	transfer(t, s, "central", "k1", "10")
	order := newPendingOrder(t, s, "4")
	if _, _, err := s.AssignOrder(context.Background(), store.AssignCommand{OrderID: order.ID, KitchenID: "k1"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	for _, step := range [][2]domain.OrderStatus{
		{domain.OrderStatusAssignedToKitchen, domain.OrderStatusProcessing},
		{domain.OrderStatusProcessing, domain.OrderStatusReady},
		{domain.OrderStatusReady, domain.OrderStatusCompleted},
	} {
		if _, err := advance(t, s, order.ID, step[0], step[1]); err != nil {
			t.Fatalf("advance %s->%s: %v", step[0], step[1], err)
		}
	}
	if got := quantityAt(t, s, "k1"); !got.Equal(dec("6")) {
		t.Fatalf("expected 6 left after consumption, got %s", got)
	}
	balances, _ := s.GetBalances(context.Background(), "k1", []string{"p1"})
	if !balances["p1"].Consumed.Equal(dec("4")) {
		t.Fatalf("expected 4 consumed, got %s", balances["p1"].Consumed)
	}
}

func TestCompletionShortfallLeavesOrderReady(t *testing.T) {
	s := newTestStore(t)
	transfer(t, s, "central", "k1", "5")
	order := newPendingOrder(t, s, "8")
	if _, _, err := s.AssignOrder(context.Background(), store.AssignCommand{OrderID: order.ID, KitchenID: "k1"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	_, _ = advance(t, s, order.ID, domain.OrderStatusAssignedToKitchen, domain.OrderStatusProcessing)
	_, _ = advance(t, s, order.ID, domain.OrderStatusProcessing, domain.OrderStatusReady)

	_, err := advance(t, s, order.ID, domain.OrderStatusReady, domain.OrderStatusCompleted)
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock at completion, got %v", err)
	}
	current, _ := s.GetOrder(context.Background(), order.ID)
	if current.Status != domain.OrderStatusReady {
		t.Fatalf("expected order to stay Ready, got %s", current.Status)
	}
	if got := quantityAt(t, s, "k1"); !got.Equal(dec("5")) {
		t.Fatalf("expected kitchen stock untouched, got %s", got)
	}
}

func TestTransitionRejectsStaleFromState(t *testing.T) {
	s := newTestStore(t)
	order := newPendingOrder(t, s, "1")
	_, err := advance(t, s, order.ID, domain.OrderStatusReady, domain.OrderStatusCompleted)
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestDeleteProductBlockedWhileReferenced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	order := newPendingOrder(t, s, "1")

	if err := s.DeleteProduct(ctx, "p1"); !errors.Is(err, store.ErrReferenced) {
		t.Fatalf("expected open order to block delete, got %v", err)
	}
	if _, err := advance(t, s, order.ID, domain.OrderStatusPending, domain.OrderStatusCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := s.DeleteProduct(ctx, "p1"); !errors.Is(err, store.ErrReferenced) {
		t.Fatalf("expected central holding to block delete, got %v", err)
	}

	if _, err := s.CreateProduct(ctx, domain.Product{ID: "p2", Name: "Unused", Unit: "kg", Price: dec("1")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.DeleteProduct(ctx, "p2"); err != nil {
		t.Fatalf("expected unreferenced product to delete, got %v", err)
	}
	if _, err := s.GetProduct(ctx, "p2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected deleted product to be gone, got %v", err)
	}
}

func TestHolderVersionBumpsOnMutation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	before, _ := s.HolderVersion(ctx, "k1")
	transfer(t, s, "central", "k1", "1")
	after, _ := s.HolderVersion(ctx, "k1")
	if after <= before {
		t.Fatalf("expected version to increase, got %d -> %d", before, after)
	}
}

func TestNewSeededHasConsistentStock(t *testing.T) {
	s := NewSeeded("central")
	ctx := context.Background()
	balances, err := s.GetBalances(ctx, "kitchen-north", nil)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if !balances["prd-paneer"].Quantity().Equal(dec("12")) {
		t.Fatalf("expected 12 paneer at north kitchen, got %s", balances["prd-paneer"].Quantity())
	}
	central, _ := s.GetBalances(ctx, "central", []string{"prd-lassi"})
	if !central["prd-lassi"].Quantity().Equal(dec("84")) {
		t.Fatalf("expected 84 lassi left centrally, got %s", central["prd-lassi"].Quantity())
	}
	users, _ := s.ListUsers(ctx)
	if len(users) != 3 {
		t.Fatalf("expected 3 seeded users, got %d", len(users))
	}
}
