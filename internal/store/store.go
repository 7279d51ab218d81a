package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"kitchenstock/backend/internal/domain"
	"kitchenstock/backend/internal/ledger"
)

var (
	ErrValidation      = errors.New("validation error")
	ErrInvalidQuantity = fmt.Errorf("%w: invalid quantity", ErrValidation)
	ErrUnknownProduct  = fmt.Errorf("%w: unknown product", ErrValidation)
	ErrUnknownHolder   = fmt.Errorf("%w: unknown holder", ErrValidation)

	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConsistencyFault  = errors.New("consistency fault")
	ErrReferenced        = errors.New("still referenced")
	ErrForbidden         = errors.New("forbidden")
)

// ShortfallError lists every line that could not be covered by a holder's
// stock. It matches ErrInsufficientStock.
type ShortfallError struct {
	HolderID string
	Lines    []domain.StockWarning
}

func (e *ShortfallError) Error() string {
	parts := make([]string, 0, len(e.Lines))
	for _, line := range e.Lines {
		parts = append(parts, fmt.Sprintf("product %s available %s requested %s", line.ProductID, line.Available, line.Required))
	}
	return fmt.Sprintf("%s at holder %s: %s", ErrInsufficientStock, e.HolderID, strings.Join(parts, "; "))
}

func (e *ShortfallError) Unwrap() error {
	return ErrInsufficientStock
}

// AssignCommand moves a Pending order to a kitchen. With Reserve set the
// assignment fails on any shortfall and otherwise holds the stock.
type AssignCommand struct {
	OrderID   string
	KitchenID string
	Reserve   bool
	ActorID   string
	At        time.Time
}

// TransitionCommand moves an order from From to To. The store rejects it with
// ErrInvalidTransition when the order is no longer in From. Reaching Completed
// consumes the order lines from the assigned kitchen.
type TransitionCommand struct {
	OrderID string
	From    domain.OrderStatus
	To      domain.OrderStatus
	ActorID string
	At      time.Time
}

type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeleteProduct(ctx context.Context, id string) error

	ListHolders(ctx context.Context, kind domain.HolderKind) ([]domain.Holder, error)
	GetHolder(ctx context.Context, id string) (*domain.Holder, error)
	CreateHolder(ctx context.Context, holder domain.Holder) (*domain.Holder, error)
	UpdateHolder(ctx context.Context, holder domain.Holder) (*domain.Holder, error)

	// AppendTransfer checks the source balance and appends the record as one
	// atomic unit. Provisions (empty FromHolderID) skip the balance check.
	AppendTransfer(ctx context.Context, rec domain.TransferRecord) (*domain.TransferRecord, error)
	ListTransfers(ctx context.Context, filter domain.TransferFilter) ([]domain.TransferRecord, error)
	// GetBalances folds the ledger for holderID. A nil productIDs returns
	// every product the holder has touched.
	GetBalances(ctx context.Context, holderID string, productIDs []string) (map[string]ledger.Balance, error)
	HolderVersion(ctx context.Context, holderID string) (int64, error)

	CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error)
	AssignOrder(ctx context.Context, cmd AssignCommand) (*domain.Order, []domain.StockWarning, error)
	TransitionOrder(ctx context.Context, cmd TransitionCommand) (*domain.Order, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// InsufficientStock builds the error returned when a single debit is short.
func InsufficientStock(holderID string, productID string, available fmt.Stringer, requested fmt.Stringer) error {
	return fmt.Errorf("%w: holder %s product %s available %s requested %s", ErrInsufficientStock, holderID, productID, available, requested)
}

// CheckTransferKind resolves the kind of a ledger entry about to be appended.
// An empty kind means a holder-to-holder transfer. Only provisions may omit
// the source holder.
func CheckTransferKind(rec domain.TransferRecord) (domain.TransferKind, error) {
	switch rec.Kind {
	case domain.TransferKindProvision:
		if rec.FromHolderID != "" {
			return "", fmt.Errorf("%w: provision cannot name a source holder", ErrValidation)
		}
		return domain.TransferKindProvision, nil
	case "", domain.TransferKindTransfer:
		if rec.FromHolderID == "" {
			return "", fmt.Errorf("%w: transfer requires a source holder", ErrValidation)
		}
		return domain.TransferKindTransfer, nil
	default:
		return "", fmt.Errorf("%w: unknown transfer kind %q", ErrValidation, rec.Kind)
	}
}

// BillNumber formats the n-th bill number.
func BillNumber(n int64) string {
	return fmt.Sprintf("BILL-%06d", n)
}
