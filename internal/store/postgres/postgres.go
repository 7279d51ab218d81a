package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"kitchenstock/backend/internal/domain"
	"kitchenstock/backend/internal/ledger"
	"kitchenstock/backend/internal/store"
	"kitchenstock/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

var openStatuses = []string{
	string(domain.OrderStatusAssignedToKitchen),
	string(domain.OrderStatusProcessing),
	string(domain.OrderStatusReady),
}

type Store struct {
	db *sql.DB
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates missing tables and the central catalog holder.
func (s *Store) EnsureSchema(ctx context.Context, centralID string) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO holders (id, kind, name, created_at)
		VALUES ($1, 'catalog', 'Central Store', now())
		ON CONFLICT DO NOTHING
	`, centralID)
	if err != nil {
		return fmt.Errorf("ensure central holder: %w", err)
	}
	return nil
}

const productColumns = `id, name, unit, price, discount_price, gst_percent, packaging_charge,
	service_charge_applicable, min_stock, created_at, updated_at`

func scanProduct(row interface{ Scan(dest ...any) error }) (domain.Product, error) {
	var p domain.Product
	var discount decimal.NullDecimal
	err := row.Scan(&p.ID, &p.Name, &p.Unit, &p.Price, &discount, &p.GSTPercent, &p.PackagingCharge,
		&p.ServiceChargeApplicable, &p.MinStock, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.Product{}, err
	}
	if discount.Valid {
		d := discount.Decimal
		p.DiscountPrice = &d
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE deleted_at IS NULL
		ORDER BY name, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1 AND deleted_at IS NULL
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE deleted_at IS NULL AND id = ANY($1)
	`, uniqueStrings(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	product.Name = strings.TrimSpace(product.Name)
	if product.Name == "" {
		return nil, fmt.Errorf("%w: product name is required", store.ErrValidation)
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	product.UpdatedAt = product.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, unit, price, discount_price, gst_percent, packaging_charge,
			service_charge_applicable, min_stock, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
	`, product.ID, product.Name, product.Unit, product.Price, nullDecimal(product.DiscountPrice), product.GSTPercent,
		product.PackagingCharge, product.ServiceChargeApplicable, product.MinStock, product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: product %s already exists", store.ErrValidation, product.ID)
		}
		return nil, err
	}
	if err := bumpAllVersions(ctx, s.db); err != nil {
		return nil, err
	}
	product.CurrentGlobalQuantity = decimal.Zero
	return &product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.UpdatedAt.IsZero() {
		product.UpdatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $2, unit = $3, price = $4, discount_price = $5, gst_percent = $6,
			packaging_charge = $7, service_charge_applicable = $8, min_stock = $9, updated_at = $10
		WHERE id = $1 AND deleted_at IS NULL
	`, product.ID, product.Name, product.Unit, product.Price, nullDecimal(product.DiscountPrice), product.GSTPercent,
		product.PackagingCharge, product.ServiceChargeApplicable, product.MinStock, product.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := expectAffected(res); err != nil {
		return nil, err
	}
	if err := bumpAllVersions(ctx, s.db); err != nil {
		return nil, err
	}
	return s.GetProduct(ctx, product.ID)
}

// DeleteProduct archives the product. Ledger rows keep referencing it, so the
// row itself stays.
func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var found string
	err = tx.QueryRowContext(ctx, `SELECT id FROM products WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id).Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}

	var billNumber string
	err = tx.QueryRowContext(ctx, `
		SELECT o.bill_number
		FROM orders o
		JOIN order_lines l ON l.order_id = o.id
		WHERE l.product_id = $1 AND o.status NOT IN ('Completed', 'Cancelled')
		LIMIT 1
	`, id).Scan(&billNumber)
	if err == nil {
		return fmt.Errorf("%w: product %s is on open order %s", store.ErrReferenced, id, billNumber)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	var holderID string
	var held decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT holder_id, SUM(delta)
		FROM (
			SELECT to_holder_id AS holder_id, quantity AS delta FROM transfers WHERE product_id = $1
			UNION ALL
			SELECT from_holder_id, -quantity FROM transfers WHERE product_id = $1 AND from_holder_id IS NOT NULL
			UNION ALL
			SELECT holder_id, -quantity FROM consumptions WHERE product_id = $1
		) positions
		GROUP BY holder_id
		HAVING SUM(delta) <> 0
		LIMIT 1
	`, id).Scan(&holderID, &held)
	if err == nil {
		return fmt.Errorf("%w: holder %s still holds %s of product %s", store.ErrReferenced, holderID, held, id)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE products SET deleted_at = now(), updated_at = now() WHERE id = $1`, id); err != nil {
		return err
	}
	if err := bumpAllVersions(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

const holderColumns = `id, kind, name, location, manager, contact, operating_hours, capacity_tier, status, created_at`

func scanHolder(row interface{ Scan(dest ...any) error }) (domain.Holder, error) {
	var h domain.Holder
	var kind string
	var location, manager, contact, hours, tier, status sql.NullString
	if err := row.Scan(&h.ID, &kind, &h.Name, &location, &manager, &contact, &hours, &tier, &status, &h.CreatedAt); err != nil {
		return domain.Holder{}, err
	}
	h.Kind = domain.HolderKind(kind)
	h.CreatedAt = h.CreatedAt.UTC()
	if h.Kind == domain.HolderKindKitchen {
		h.Kitchen = &domain.KitchenProfile{
			Location:       location.String,
			Manager:        manager.String,
			Contact:        contact.String,
			OperatingHours: hours.String,
			CapacityTier:   tier.String,
			Status:         domain.HolderStatus(status.String),
		}
	}
	return h, nil
}

func (s *Store) ListHolders(ctx context.Context, kind domain.HolderKind) ([]domain.Holder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+holderColumns+`
		FROM holders
		WHERE ($1::text = '' OR kind = $1::text)
		ORDER BY kind, name
	`, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	holders := make([]domain.Holder, 0, 16)
	for rows.Next() {
		h, err := scanHolder(rows)
		if err != nil {
			return nil, err
		}
		holders = append(holders, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return holders, nil
}

func (s *Store) GetHolder(ctx context.Context, id string) (*domain.Holder, error) {
	h, err := scanHolder(s.db.QueryRowContext(ctx, `SELECT `+holderColumns+` FROM holders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &h, nil
}

func (s *Store) CreateHolder(ctx context.Context, holder domain.Holder) (*domain.Holder, error) {
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
	if holder.CreatedAt.IsZero() {
		holder.CreatedAt = time.Now().UTC()
	}
	profile := kitchenArgs(holder.Kitchen)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO holders (id, kind, name, location, manager, contact, operating_hours, capacity_tier, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, holder.ID, string(holder.Kind), holder.Name, profile[0], profile[1], profile[2], profile[3], profile[4], profile[5], holder.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: holder %s already exists", store.ErrValidation, holder.ID)
		}
		return nil, err
	}
	return &holder, nil
}

func (s *Store) UpdateHolder(ctx context.Context, holder domain.Holder) (*domain.Holder, error) {
	profile := kitchenArgs(holder.Kitchen)
	res, err := s.db.ExecContext(ctx, `
		UPDATE holders
		SET name = $3, location = $4, manager = $5, contact = $6, operating_hours = $7,
			capacity_tier = $8, status = $9, version = version + 1
		WHERE id = $1 AND kind = $2
	`, holder.ID, string(holder.Kind), holder.Name, profile[0], profile[1], profile[2], profile[3], profile[4], profile[5])
	if err != nil {
		return nil, err
	}
	if err := expectAffected(res); err != nil {
		return nil, err
	}
	return s.GetHolder(ctx, holder.ID)
}

func kitchenArgs(k *domain.KitchenProfile) [6]any {
	if k == nil {
		return [6]any{nil, nil, nil, nil, nil, nil}
	}
	return [6]any{nullIfEmpty(k.Location), nullIfEmpty(k.Manager), nullIfEmpty(k.Contact),
		nullIfEmpty(k.OperatingHours), nullIfEmpty(k.CapacityTier), nullIfEmpty(string(k.Status))}
}

func (s *Store) AppendTransfer(ctx context.Context, rec domain.TransferRecord) (*domain.TransferRecord, error) {
	if !rec.Quantity.IsPositive() {
		return nil, store.ErrInvalidQuantity
	}
	if rec.FromHolderID == rec.ToHolderID {
		return nil, fmt.Errorf("%w: source and destination holder must differ", store.ErrValidation)
	}
	kind, err := store.CheckTransferKind(rec)
	if err != nil {
		return nil, err
	}
	rec.Kind = kind

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := shareProducts(ctx, tx, []string{rec.ProductID}); err != nil {
		return nil, err
	}
	holderIDs := []string{rec.ToHolderID}
	if kind == domain.TransferKindTransfer {
		holderIDs = append(holderIDs, rec.FromHolderID)
	}
	if err := requireHolders(ctx, tx, holderIDs); err != nil {
		return nil, err
	}

	if kind == domain.TransferKindTransfer {
		if err := lockPairs(ctx, tx, rec.FromHolderID, []string{rec.ProductID}); err != nil {
			return nil, err
		}
		balances, err := foldBalances(ctx, tx, rec.FromHolderID, []string{rec.ProductID}, "")
		if err != nil {
			return nil, err
		}
		bal := balances[rec.ProductID]
		if bal.Negative() {
			return nil, fmt.Errorf("%w: holder %s product %s folds to %s", store.ErrConsistencyFault, rec.FromHolderID, rec.ProductID, bal.Quantity())
		}
		if bal.Available().LessThan(rec.Quantity) {
			return nil, store.InsufficientStock(rec.FromHolderID, rec.ProductID, bal.Available(), rec.Quantity)
		}
	}

	if rec.ID == "" {
		rec.ID = xid.New("tr")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO transfers (id, kind, product_id, from_holder_id, to_holder_id, quantity, ts, initiator_user_id, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING seq
	`, rec.ID, string(rec.Kind), rec.ProductID, nullIfEmpty(rec.FromHolderID), rec.ToHolderID, rec.Quantity,
		rec.Timestamp, rec.InitiatorUserID, nullIfEmpty(rec.Notes)).Scan(&rec.Seq)
	if err != nil {
		return nil, err
	}
	if err := bumpVersions(ctx, tx, holderIDs...); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) ListTransfers(ctx context.Context, filter domain.TransferFilter) ([]domain.TransferRecord, error) {
	query := `
		SELECT seq, id, kind, product_id, from_holder_id, to_holder_id, quantity, ts, initiator_user_id, notes
		FROM transfers
		WHERE 1=1`
	args := make([]any, 0, 5)
	if filter.HolderID != "" {
		args = append(args, filter.HolderID)
		query += fmt.Sprintf(" AND (from_holder_id = $%d OR to_holder_id = $%d)", len(args), len(args))
	}
	if filter.ProductID != "" {
		args = append(args, filter.ProductID)
		query += fmt.Sprintf(" AND product_id = $%d", len(args))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		query += fmt.Sprintf(" AND ts < $%d", len(args))
	}
	query += " ORDER BY ts DESC, seq DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.TransferRecord, 0, 64)
	for rows.Next() {
		var rec domain.TransferRecord
		var kind string
		var from, notes sql.NullString
		if err := rows.Scan(&rec.Seq, &rec.ID, &kind, &rec.ProductID, &from, &rec.ToHolderID, &rec.Quantity,
			&rec.Timestamp, &rec.InitiatorUserID, &notes); err != nil {
			return nil, err
		}
		rec.Kind = domain.TransferKind(kind)
		rec.FromHolderID = from.String
		rec.Notes = notes.String
		rec.Timestamp = rec.Timestamp.UTC()
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetBalances(ctx context.Context, holderID string, productIDs []string) (map[string]ledger.Balance, error) {
	if err := requireHolders(ctx, s.db, []string{holderID}); err != nil {
		return nil, err
	}
	if productIDs == nil {
		touched, err := touchedProducts(ctx, s.db, holderID)
		if err != nil {
			return nil, err
		}
		productIDs = touched
	}
	return foldBalances(ctx, s.db, holderID, productIDs, "")
}

func (s *Store) HolderVersion(ctx context.Context, holderID string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM holders WHERE id = $1`, holderID).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrUnknownHolder
		}
		return 0, err
	}
	return version, nil
}

// foldBalances sums the ledger, consumptions and strict reservations of open
// orders (other than excludeOrderID) for each requested product.
func foldBalances(ctx context.Context, q queryer, holderID string, productIDs []string, excludeOrderID string) (map[string]ledger.Balance, error) {
	result := make(map[string]ledger.Balance, len(productIDs))
	if len(productIDs) == 0 {
		return result, nil
	}
	rows, err := q.QueryContext(ctx, `
		SELECT p.pid,
			COALESCE((SELECT SUM(quantity) FROM transfers WHERE to_holder_id = $1 AND product_id = p.pid), 0),
			COALESCE((SELECT SUM(quantity) FROM transfers WHERE from_holder_id = $1 AND product_id = p.pid), 0),
			COALESCE((SELECT SUM(quantity) FROM consumptions WHERE holder_id = $1 AND product_id = p.pid), 0),
			COALESCE((
				SELECT SUM(l.quantity)
				FROM order_lines l
				JOIN orders o ON o.id = l.order_id
				WHERE o.kitchen_id = $1 AND o.stock_reserved AND o.status = ANY($3)
					AND o.id <> $4 AND l.product_id = p.pid
			), 0)
		FROM unnest($2::text[]) AS p(pid)
	`, holderID, uniqueStrings(productIDs), openStatuses, excludeOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var productID string
		var bal ledger.Balance
		if err := rows.Scan(&productID, &bal.In, &bal.Out, &bal.Consumed, &bal.Reserved); err != nil {
			return nil, err
		}
		result[productID] = bal
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func touchedProducts(ctx context.Context, q queryer, holderID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT product_id
		FROM transfers
		WHERE to_holder_id = $1 OR from_holder_id = $1
	`, holderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0, 32)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// lockPairs serializes debits of (holderID, product) pairs for the rest of the
// transaction. Keys are taken in sorted order so concurrent multi-line
// debits cannot deadlock.
func lockPairs(ctx context.Context, tx *sql.Tx, holderID string, productIDs []string) error {
	for _, productID := range uniqueStrings(productIDs) {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, holderID+"/"+productID); err != nil {
			return err
		}
	}
	return nil
}

func shareProducts(ctx context.Context, tx *sql.Tx, productIDs []string) error {
	ids := uniqueStrings(productIDs)
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM products
		WHERE id = ANY($1) AND deleted_at IS NULL
		ORDER BY id
		FOR SHARE
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	found := 0
	for rows.Next() {
		found++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if found != len(ids) {
		return store.ErrUnknownProduct
	}
	return nil
}

func requireHolders(ctx context.Context, q queryer, holderIDs []string) error {
	ids := uniqueStrings(holderIDs)
	var found int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM holders WHERE id = ANY($1)`, ids).Scan(&found); err != nil {
		return err
	}
	if found != len(ids) {
		return store.ErrUnknownHolder
	}
	return nil
}

// bumpVersions invalidates cached snapshots of the holders. Rows are updated
// in id order.
func bumpVersions(ctx context.Context, tx *sql.Tx, holderIDs ...string) error {
	for _, id := range uniqueStrings(holderIDs) {
		if _, err := tx.ExecContext(ctx, `UPDATE holders SET version = version + 1 WHERE id = $1`, id); err != nil {
			return err
		}
	}
	return nil
}

// bumpAllVersions invalidates every inventory snapshot after a catalog change.
// Rows are locked in id order like bumpVersions.
func bumpAllVersions(ctx context.Context, q queryer) error {
	_, err := q.ExecContext(ctx, `
		UPDATE holders SET version = version + 1
		WHERE id IN (SELECT id FROM holders ORDER BY id FOR UPDATE)
	`)
	return err
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if len(order.Lines) == 0 {
		return nil, fmt.Errorf("%w: order has no lines", store.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	productIDs := make([]string, 0, len(order.Lines))
	for _, line := range order.Lines {
		productIDs = append(productIDs, line.ProductID)
	}
	if err := shareProducts(ctx, tx, productIDs); err != nil {
		return nil, err
	}

	var billSeq int64
	if err := tx.QueryRowContext(ctx, `SELECT nextval('bill_number_seq')`).Scan(&billSeq); err != nil {
		return nil, err
	}
	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.UpdatedAt = order.CreatedAt
	order.BillNumber = store.BillNumber(billSeq)
	order.Status = domain.OrderStatusPending
	order.KitchenID = ""
	order.StockReserved = false
	order.History = []domain.StatusChange{}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, bill_number, customer_name, customer_phone, payment_method, status,
			total_amount, savings, stock_reserved, created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,false,$9,$10,$10)
	`, order.ID, order.BillNumber, order.Customer.Name, order.Customer.Phone, order.PaymentMethod, string(order.Status),
		order.TotalAmount, order.Savings, order.CreatedBy, order.CreatedAt)
	if err != nil {
		return nil, err
	}
	for i, line := range order.Lines {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_lines (order_id, line_no, product_id, product_name, quantity, unit_price,
				base_price, gst_amount, service_charge, packaging, line_total)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, order.ID, i+1, line.ProductID, line.ProductName, line.Quantity, line.UnitPriceAtOrderTime,
			line.BasePrice, line.GSTAmount, line.ServiceCharge, line.Packaging, line.LineTotal)
		if err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &order, nil
}

const orderColumns = `id, bill_number, customer_name, customer_phone, kitchen_id, payment_method, status,
	total_amount, savings, stock_reserved, created_by, created_at, updated_at`

func scanOrder(row interface{ Scan(dest ...any) error }) (domain.Order, error) {
	var o domain.Order
	var kitchen sql.NullString
	var status string
	err := row.Scan(&o.ID, &o.BillNumber, &o.Customer.Name, &o.Customer.Phone, &kitchen, &o.PaymentMethod, &status,
		&o.TotalAmount, &o.Savings, &o.StockReserved, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return domain.Order{}, err
	}
	o.KitchenID = kitchen.String
	o.Status = domain.OrderStatus(status)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	o.Lines = []domain.OrderLine{}
	o.History = []domain.StatusChange{}
	return o, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	orders := []domain.Order{order}
	if err := s.attachOrderDetails(ctx, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

func (s *Store) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE 1=1`
	args := make([]any, 0, 3)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.KitchenID != "" {
		args = append(args, filter.KitchenID)
		query += fmt.Sprintf(" AND kitchen_id = $%d", len(args))
	}
	query += " ORDER BY created_at DESC, bill_number DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, 32)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if err := s.attachOrderDetails(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *Store) attachOrderDetails(ctx context.Context, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	index := make(map[string]int, len(orders))
	ids := make([]string, 0, len(orders))
	for i, o := range orders {
		index[o.ID] = i
		ids = append(ids, o.ID)
	}

	lineRows, err := s.db.QueryContext(ctx, `
		SELECT order_id, product_id, product_name, quantity, unit_price, base_price, gst_amount,
			service_charge, packaging, line_total
		FROM order_lines
		WHERE order_id = ANY($1)
		ORDER BY order_id, line_no
	`, ids)
	if err != nil {
		return err
	}
	for lineRows.Next() {
		var orderID string
		var line domain.OrderLine
		if err := lineRows.Scan(&orderID, &line.ProductID, &line.ProductName, &line.Quantity, &line.UnitPriceAtOrderTime,
			&line.BasePrice, &line.GSTAmount, &line.ServiceCharge, &line.Packaging, &line.LineTotal); err != nil {
			_ = lineRows.Close()
			return err
		}
		i := index[orderID]
		orders[i].Lines = append(orders[i].Lines, line)
	}
	if err := lineRows.Err(); err != nil {
		_ = lineRows.Close()
		return err
	}
	_ = lineRows.Close()

	historyRows, err := s.db.QueryContext(ctx, `
		SELECT order_id, from_status, to_status, actor_id, changed_at
		FROM order_status_history
		WHERE order_id = ANY($1)
		ORDER BY seq
	`, ids)
	if err != nil {
		return err
	}
	defer historyRows.Close()
	for historyRows.Next() {
		var orderID, from, to string
		var change domain.StatusChange
		if err := historyRows.Scan(&orderID, &from, &to, &change.ActorID, &change.ChangedAt); err != nil {
			return err
		}
		change.From = domain.OrderStatus(from)
		change.To = domain.OrderStatus(to)
		change.ChangedAt = change.ChangedAt.UTC()
		i := index[orderID]
		orders[i].History = append(orders[i].History, change)
	}
	return historyRows.Err()
}

// lockOrder returns the order row locked for update with its lines.
func lockOrder(ctx context.Context, tx *sql.Tx, orderID string) (domain.Order, error) {
	order, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, store.ErrNotFound
		}
		return domain.Order{}, err
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT product_id, quantity FROM order_lines WHERE order_id = $1 ORDER BY line_no
	`, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line domain.OrderLine
		if err := rows.Scan(&line.ProductID, &line.Quantity); err != nil {
			return domain.Order{}, err
		}
		order.Lines = append(order.Lines, line)
	}
	return order, rows.Err()
}

func recordStatusChange(ctx context.Context, tx *sql.Tx, orderID string, change domain.StatusChange) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO order_status_history (order_id, from_status, to_status, actor_id, changed_at)
		VALUES ($1,$2,$3,$4,$5)
	`, orderID, string(change.From), string(change.To), change.ActorID, change.ChangedAt)
	return err
}

func (s *Store) AssignOrder(ctx context.Context, cmd store.AssignCommand) (*domain.Order, []domain.StockWarning, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrder(ctx, tx, cmd.OrderID)
	if err != nil {
		return nil, nil, err
	}
	if order.Status != domain.OrderStatusPending {
		return nil, nil, fmt.Errorf("%w: order %s is %s", store.ErrInvalidTransition, order.BillNumber, order.Status)
	}
	kitchen, err := scanHolder(tx.QueryRowContext(ctx, `SELECT `+holderColumns+` FROM holders WHERE id = $1`, cmd.KitchenID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrUnknownHolder
		}
		return nil, nil, err
	}
	if !kitchen.IsKitchen() {
		return nil, nil, fmt.Errorf("%w: holder %s is not a kitchen", store.ErrValidation, kitchen.ID)
	}
	if !kitchen.Online() {
		return nil, nil, fmt.Errorf("%w: kitchen %s is offline", store.ErrValidation, kitchen.ID)
	}

	productIDs := lineProductIDs(order.Lines)
	if cmd.Reserve {
		if err := lockPairs(ctx, tx, kitchen.ID, productIDs); err != nil {
			return nil, nil, err
		}
	}
	balances, err := foldBalances(ctx, tx, kitchen.ID, productIDs, "")
	if err != nil {
		return nil, nil, err
	}
	warnings := ledger.Shortfalls(order.Lines, balances, cmd.Reserve)
	if cmd.Reserve && len(warnings) > 0 {
		return nil, nil, &store.ShortfallError{HolderID: kitchen.ID, Lines: warnings}
	}

	at := stampOrDefault(cmd.At)
	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET status = $2, kitchen_id = $3, stock_reserved = $4, updated_at = $5 WHERE id = $1
	`, order.ID, string(domain.OrderStatusAssignedToKitchen), kitchen.ID, cmd.Reserve, at)
	if err != nil {
		return nil, nil, err
	}
	change := domain.StatusChange{From: order.Status, To: domain.OrderStatusAssignedToKitchen, ActorID: cmd.ActorID, ChangedAt: at}
	if err := recordStatusChange(ctx, tx, order.ID, change); err != nil {
		return nil, nil, err
	}
	if cmd.Reserve {
		if err := bumpVersions(ctx, tx, kitchen.ID); err != nil {
			return nil, nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}

	saved, err := s.GetOrder(ctx, order.ID)
	if err != nil {
		return nil, nil, err
	}
	return saved, warnings, nil
}

func (s *Store) TransitionOrder(ctx context.Context, cmd store.TransitionCommand) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrder(ctx, tx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Status != cmd.From {
		return nil, fmt.Errorf("%w: order %s is %s, not %s", store.ErrInvalidTransition, order.BillNumber, order.Status, cmd.From)
	}

	at := stampOrDefault(cmd.At)
	if cmd.To == domain.OrderStatusCompleted {
		if order.KitchenID == "" {
			return nil, fmt.Errorf("%w: order %s has no kitchen", store.ErrInvalidTransition, order.BillNumber)
		}
		productIDs := lineProductIDs(order.Lines)
		if err := lockPairs(ctx, tx, order.KitchenID, productIDs); err != nil {
			return nil, err
		}
		balances, err := foldBalances(ctx, tx, order.KitchenID, productIDs, order.ID)
		if err != nil {
			return nil, err
		}
		for productID, bal := range balances {
			if bal.Negative() {
				return nil, fmt.Errorf("%w: holder %s product %s folds to %s", store.ErrConsistencyFault, order.KitchenID, productID, bal.Quantity())
			}
		}
		if short := ledger.Shortfalls(order.Lines, balances, true); len(short) > 0 {
			return nil, &store.ShortfallError{HolderID: order.KitchenID, Lines: short}
		}
		for _, line := range order.Lines {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO consumptions (order_id, holder_id, product_id, quantity, consumed_at)
				VALUES ($1,$2,$3,$4,$5)
			`, order.ID, order.KitchenID, line.ProductID, line.Quantity, at)
			if err != nil {
				return nil, err
			}
		}
		if err := bumpVersions(ctx, tx, order.KitchenID); err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`, order.ID, string(cmd.To), at); err != nil {
		return nil, err
	}
	change := domain.StatusChange{From: order.Status, To: cmd.To, ActorID: cmd.ActorID, ChangedAt: at}
	if err := recordStatusChange(ctx, tx, order.ID, change); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, order.ID)
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("aud")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
			AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, nullTime(from), nullTime(to), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType,
			&entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return fmt.Errorf("%w: username and password are required", store.ErrValidation)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, holder_id, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,true,$5,now())
	`, user.Username, user.Password, user.Role, user.HolderID, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username already exists", store.ErrValidation)
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, holder_id, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.HolderID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return fmt.Errorf("%w: username and password are required", store.ErrValidation)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func expectAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func lineProductIDs(lines []domain.OrderLine) []string {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	return ids
}

func uniqueStrings(values []string) []string {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func stampOrDefault(at time.Time) time.Time {
	if at.IsZero() {
		return time.Now().UTC()
	}
	return at
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDecimal(val *decimal.Decimal) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullTime(val time.Time) any {
	if val.IsZero() {
		return nil
	}
	return val
}
