package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID                      string           `json:"id"`
	Name                    string           `json:"name"`
	Unit                    string           `json:"unit"`
	Price                   decimal.Decimal  `json:"price"`
	DiscountPrice           *decimal.Decimal `json:"discount_price,omitempty"`
	GSTPercent              decimal.Decimal  `json:"gst_percent"`
	PackagingCharge         decimal.Decimal  `json:"packaging_charge"`
	ServiceChargeApplicable bool             `json:"service_charge_applicable"`
	MinStock                decimal.Decimal  `json:"min_stock"`
	CurrentGlobalQuantity   decimal.Decimal  `json:"current_global_quantity"`
	CreatedAt               time.Time        `json:"created_at"`
	UpdatedAt               time.Time        `json:"updated_at"`
}

// wholeUnits are counted units; quantities of products measured in them must be integral.
var wholeUnits = map[string]struct{}{
	"pcs": {}, "pc": {}, "unit": {}, "nos": {}, "box": {}, "pack": {}, "plate": {}, "bottle": {},
}

func (p Product) RequiresWholeQuantity() bool {
	_, ok := wholeUnits[strings.ToLower(strings.TrimSpace(p.Unit))]
	return ok
}

type ProductCreateRequest struct {
	Name                    string           `json:"name"`
	Unit                    string           `json:"unit"`
	Price                   decimal.Decimal  `json:"price"`
	DiscountPrice           *decimal.Decimal `json:"discount_price,omitempty"`
	GSTPercent              decimal.Decimal  `json:"gst_percent"`
	PackagingCharge         decimal.Decimal  `json:"packaging_charge"`
	ServiceChargeApplicable bool             `json:"service_charge_applicable"`
	MinStock                decimal.Decimal  `json:"min_stock"`
}

type ProductUpdateRequest struct {
	Name                    *string          `json:"name,omitempty"`
	Unit                    *string          `json:"unit,omitempty"`
	Price                   *decimal.Decimal `json:"price,omitempty"`
	DiscountPrice           *decimal.Decimal `json:"discount_price,omitempty"`
	ClearDiscount           bool             `json:"clear_discount,omitempty"`
	GSTPercent              *decimal.Decimal `json:"gst_percent,omitempty"`
	PackagingCharge         *decimal.Decimal `json:"packaging_charge,omitempty"`
	ServiceChargeApplicable *bool            `json:"service_charge_applicable,omitempty"`
	MinStock                *decimal.Decimal `json:"min_stock,omitempty"`
}

type ProductDeleteRequest struct {
	ManagerPIN string `json:"manager_pin"`
}

type ProvisionRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
	Notes    string          `json:"notes,omitempty"`
}

type HolderKind string

const (
	HolderKindCatalog        HolderKind = "catalog"
	HolderKindKitchen        HolderKind = "kitchen"
	HolderKindBillingCounter HolderKind = "billing_counter"
)

type HolderStatus string

const (
	HolderStatusActive  HolderStatus = "Active"
	HolderStatusOffline HolderStatus = "Offline"
)

// Holder is any party that can own stock. Kitchen is set only for kitchens.
type Holder struct {
	ID        string          `json:"id"`
	Kind      HolderKind      `json:"kind"`
	Name      string          `json:"name"`
	Kitchen   *KitchenProfile `json:"kitchen,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type KitchenProfile struct {
	Location       string       `json:"location"`
	Manager        string       `json:"manager"`
	Contact        string       `json:"contact"`
	OperatingHours string       `json:"operating_hours"`
	CapacityTier   string       `json:"capacity_tier"`
	Status         HolderStatus `json:"status"`
}

func (h Holder) IsKitchen() bool {
	return h.Kind == HolderKindKitchen
}

func (h Holder) Online() bool {
	if h.Kitchen == nil {
		return true
	}
	return h.Kitchen.Status != HolderStatusOffline
}

type HolderCreateRequest struct {
	Kind    HolderKind      `json:"kind"`
	Name    string          `json:"name"`
	Kitchen *KitchenProfile `json:"kitchen,omitempty"`
}

type HolderUpdateRequest struct {
	Name           *string       `json:"name,omitempty"`
	Location       *string       `json:"location,omitempty"`
	Manager        *string       `json:"manager,omitempty"`
	Contact        *string       `json:"contact,omitempty"`
	OperatingHours *string       `json:"operating_hours,omitempty"`
	CapacityTier   *string       `json:"capacity_tier,omitempty"`
	Status         *HolderStatus `json:"status,omitempty"`
}

type TransferKind string

const (
	TransferKindProvision TransferKind = "provision"
	TransferKindTransfer  TransferKind = "transfer"
)

// TransferRecord is an immutable ledger entry. Provisions have no source holder.
type TransferRecord struct {
	ID              string          `json:"id"`
	Seq             int64           `json:"seq"`
	Kind            TransferKind    `json:"kind"`
	ProductID       string          `json:"product_id"`
	FromHolderID    string          `json:"from_holder_id,omitempty"`
	ToHolderID      string          `json:"to_holder_id"`
	Quantity        decimal.Decimal `json:"quantity"`
	Timestamp       time.Time       `json:"timestamp"`
	InitiatorUserID string          `json:"initiator_user_id"`
	Notes           string          `json:"notes,omitempty"`
}

type TransferRequest struct {
	ProductID    string          `json:"product_id"`
	FromHolderID string          `json:"from_holder_id,omitempty"`
	ToHolderID   string          `json:"to_holder_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	Notes        string          `json:"notes,omitempty"`
}

// TransferFilter selects ledger entries. HolderID matches either side; the
// time range is half-open [From, To).
type TransferFilter struct {
	HolderID  string
	ProductID string
	From      *time.Time
	To        *time.Time
	Limit     int
}

type Consumption struct {
	OrderID    string          `json:"order_id"`
	HolderID   string          `json:"holder_id"`
	ProductID  string          `json:"product_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	ConsumedAt time.Time       `json:"consumed_at"`
}

type StockLevel string

const (
	StockLevelOutOfStock StockLevel = "OutOfStock"
	StockLevelLowStock   StockLevel = "LowStock"
	StockLevelInStock    StockLevel = "InStock"
)

type InventoryLine struct {
	HolderID       string          `json:"holder_id"`
	ProductID      string          `json:"product_id"`
	ProductName    string          `json:"product_name"`
	Unit           string          `json:"unit"`
	Quantity       decimal.Decimal `json:"quantity"`
	Reserved       decimal.Decimal `json:"reserved"`
	MinStock       decimal.Decimal `json:"min_stock"`
	Classification StockLevel      `json:"classification"`
}

type InventoryResponse struct {
	HolderID    string          `json:"holder_id"`
	GeneratedAt time.Time       `json:"generated_at"`
	Items       []InventoryLine `json:"items"`
}

type UsageResponse struct {
	HolderID  string          `json:"holder_id"`
	ProductID string          `json:"product_id"`
	Since     time.Time       `json:"since"`
	Assigned  decimal.Decimal `json:"assigned"`
	Remaining decimal.Decimal `json:"remaining"`
	Used      decimal.Decimal `json:"used"`
}

type OrderStatus string

const (
	OrderStatusPending           OrderStatus = "Pending"
	OrderStatusAssignedToKitchen OrderStatus = "Assigned_to_Kitchen"
	OrderStatusProcessing        OrderStatus = "Processing"
	OrderStatusReady             OrderStatus = "Ready"
	OrderStatusCompleted         OrderStatus = "Completed"
	OrderStatusCancelled         OrderStatus = "Cancelled"
)

func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:           {OrderStatusAssignedToKitchen, OrderStatusCancelled},
	OrderStatusAssignedToKitchen: {OrderStatusProcessing},
	OrderStatusProcessing:        {OrderStatusReady},
	OrderStatusReady:             {OrderStatusCompleted},
}

// CanTransitionTo reports whether next is a legal single step from s.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusAssignedToKitchen, OrderStatusProcessing,
		OrderStatusReady, OrderStatusCompleted, OrderStatusCancelled:
		return true
	}
	return false
}

type Customer struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type OrderLine struct {
	ProductID            string          `json:"product_id"`
	ProductName          string          `json:"product_name"`
	Quantity             decimal.Decimal `json:"quantity"`
	UnitPriceAtOrderTime decimal.Decimal `json:"unit_price_at_order_time"`
	BasePrice            decimal.Decimal `json:"base_price"`
	GSTAmount            decimal.Decimal `json:"gst_amount"`
	ServiceCharge        decimal.Decimal `json:"service_charge"`
	Packaging            decimal.Decimal `json:"packaging"`
	LineTotal            decimal.Decimal `json:"line_total"`
}

type StatusChange struct {
	From      OrderStatus `json:"from"`
	To        OrderStatus `json:"to"`
	ActorID   string      `json:"actor_id"`
	ChangedAt time.Time   `json:"changed_at"`
}

// Order is a customer bill. TotalAmount and Savings are frozen at creation.
type Order struct {
	ID            string          `json:"id"`
	BillNumber    string          `json:"bill_number"`
	Customer      Customer        `json:"customer"`
	Lines         []OrderLine     `json:"lines"`
	KitchenID     string          `json:"kitchen_id,omitempty"`
	PaymentMethod string          `json:"payment_method"`
	Status        OrderStatus     `json:"status"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Savings       decimal.Decimal `json:"savings"`
	StockReserved bool            `json:"stock_reserved"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	History       []StatusChange  `json:"history"`
}

type OrderLineRequest struct {
	ProductID string          `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type OrderCreateRequest struct {
	Customer      Customer           `json:"customer"`
	Lines         []OrderLineRequest `json:"lines"`
	PaymentMethod string             `json:"payment_method"`
}

type OrderFilter struct {
	Status    OrderStatus
	KitchenID string
	Limit     int
}

type AssignRequest struct {
	KitchenID string `json:"kitchen_id"`
}

type StatusRequest struct {
	Status OrderStatus `json:"status"`
}

type StockWarning struct {
	ProductID string          `json:"product_id"`
	Required  decimal.Decimal `json:"required"`
	Available decimal.Decimal `json:"available"`
}

type AssignResponse struct {
	Order        Order          `json:"order"`
	StockWarning []StockWarning `json:"stock_warning,omitempty"`
}

// KitchenSuggestion ranks one kitchen as a destination for a pending order.
type KitchenSuggestion struct {
	KitchenID    string         `json:"kitchen_id"`
	KitchenName  string         `json:"kitchen_name"`
	Score        float64        `json:"score"`
	ReasonCode   string         `json:"reason_code"`
	FullyCovered bool           `json:"fully_covered"`
	OpenOrders   int            `json:"open_orders"`
	Shortfall    []StockWarning `json:"shortfall,omitempty"`
}

type AssignmentPolicy string

const (
	AssignmentAdvisory AssignmentPolicy = "advisory"
	AssignmentStrict   AssignmentPolicy = "strict"
)

type QuoteRequest struct {
	ProductID               string           `json:"product_id"`
	Quantity                decimal.Decimal  `json:"quantity"`
	GSTPercentOverride      *decimal.Decimal `json:"gst_percent_override,omitempty"`
	PackagingCharge         *decimal.Decimal `json:"packaging_charge,omitempty"`
	ServiceChargeApplicable *bool            `json:"service_charge_applicable,omitempty"`
}

type Invoice struct {
	HasDiscount   bool            `json:"has_discount"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	BasePrice     decimal.Decimal `json:"base_price"`
	GSTAmount     decimal.Decimal `json:"gst_amount"`
	ServiceCharge decimal.Decimal `json:"service_charge"`
	Packaging     decimal.Decimal `json:"packaging"`
	Total         decimal.Decimal `json:"total"`
	Savings       decimal.Decimal `json:"savings"`
}

const (
	RoleAdmin   = "admin"
	RoleKitchen = "kitchen"
	RoleCounter = "counter"
)

// Principal identifies the caller of every core operation.
type Principal struct {
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	HolderID string `json:"holder_id"`
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	HolderID    string `json:"holder_id"`
	ExpiresAt   string `json:"expires_at"`
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
	HolderID string `json:"holder_id"`
}

type User struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	HolderID  string    `json:"holder_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	HolderID  string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

// Event is a committed domain fact published to downstream consumers.
type Event struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	AggregateID string    `json:"aggregate_id"`
	OccurredAt  time.Time `json:"occurred_at"`
	Payload     any       `json:"payload"`
}

const (
	EventStockProvisioned   = "stock.provisioned"
	EventStockTransferred   = "stock.transferred"
	EventOrderCreated       = "order.created"
	EventOrderStatusChanged = "order.status_changed"
)
