package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"meelike/backend/internal/domain"
	"meelike/backend/internal/idgen"
	"meelike/backend/internal/store"
)

type Store struct {
	db *sql.DB
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

type rowScanner interface {
	Scan(dest ...any) error
}

const serviceColumns = `id, agent_id, service_id, name, base_cost_cents, sale_price_cents,
		min_quantity, max_quantity, is_active, total_sold, total_orders, total_revenue_cents, created_at`

func scanService(row rowScanner) (*domain.StoreService, error) {
	var svc domain.StoreService
	err := row.Scan(&svc.ID, &svc.AgentID, &svc.ServiceID, &svc.Name, &svc.BaseCostCents, &svc.SalePriceCents,
		&svc.MinQuantity, &svc.MaxQuantity, &svc.IsActive, &svc.TotalSold, &svc.TotalOrders, &svc.TotalRevenueCents, &svc.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	svc.CreatedAt = svc.CreatedAt.UTC()
	return &svc, nil
}

func (s *Store) CreateStoreService(ctx context.Context, svc domain.StoreService) (*domain.StoreService, error) {
	if svc.AgentID == "" || svc.Name == "" || svc.SalePriceCents < 1 || svc.BaseCostCents < 0 {
		return nil, store.ErrInvalidInput
	}
	if svc.ID == "" {
		svc.ID = idgen.New("svc")
	}
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = time.Now().UTC()
	}
	svc.IsActive = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO store_services (
			id, agent_id, service_id, name, base_cost_cents, sale_price_cents,
			min_quantity, max_quantity, is_active, total_sold, total_orders, total_revenue_cents, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,0,0,$10,now())
	`, svc.ID, svc.AgentID, svc.ServiceID, svc.Name, svc.BaseCostCents, svc.SalePriceCents,
		svc.MinQuantity, svc.MaxQuantity, svc.IsActive, svc.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	created := svc
	return &created, nil
}

func (s *Store) GetStoreServiceByID(ctx context.Context, id string) (*domain.StoreService, error) {
	return scanService(s.db.QueryRowContext(ctx, `
		SELECT `+serviceColumns+`
		FROM store_services
		WHERE id = $1
	`, id))
}

func (s *Store) ListStoreServices(ctx context.Context, agentID string) ([]domain.StoreService, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+serviceColumns+`
		FROM store_services
		WHERE agent_id = $1
		ORDER BY name ASC
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	services := make([]domain.StoreService, 0, 64)
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, *svc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return services, nil
}

func (s *Store) UpdateStoreService(ctx context.Context, svc domain.StoreService) (*domain.StoreService, error) {
	if svc.ID == "" || svc.Name == "" || svc.SalePriceCents < 1 {
		return nil, store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE store_services
		SET name = $2, base_cost_cents = $3, sale_price_cents = $4,
			min_quantity = $5, max_quantity = $6, is_active = $7, updated_at = now()
		WHERE id = $1
	`, svc.ID, svc.Name, svc.BaseCostCents, svc.SalePriceCents, svc.MinQuantity, svc.MaxQuantity, svc.IsActive)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	updated := svc
	return &updated, nil
}

// The AtomicUpdate* methods rely on a FOR UPDATE row lock: competing
// updates for the same id queue behind one another instead of aborting,
// so callers never see serialization failures.
func (s *Store) AtomicUpdateStoreService(ctx context.Context, id string, fn func(*domain.StoreService) error) (*domain.StoreService, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	svc, err := scanService(tx.QueryRowContext(ctx, `
		SELECT `+serviceColumns+`
		FROM store_services
		WHERE id = $1
		FOR UPDATE
	`, id))
	if err != nil {
		return nil, err
	}

	if err := fn(svc); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE store_services
		SET name = $2, base_cost_cents = $3, sale_price_cents = $4, min_quantity = $5,
			max_quantity = $6, is_active = $7, total_sold = $8, total_orders = $9,
			total_revenue_cents = $10, updated_at = now()
		WHERE id = $1
	`, svc.ID, svc.Name, svc.BaseCostCents, svc.SalePriceCents, svc.MinQuantity,
		svc.MaxQuantity, svc.IsActive, svc.TotalSold, svc.TotalOrders, svc.TotalRevenueCents)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return svc, nil
}

const couponColumns = `id, agent_id, code, type, value, max_discount_cents, min_purchase_cents,
		usage_limit, usage_limit_per_user, usage_count, valid_from, valid_until, is_active,
		applicable_services, created_at`

func scanCoupon(row rowScanner) (*domain.Coupon, error) {
	var coupon domain.Coupon
	var servicesRaw []byte
	err := row.Scan(&coupon.ID, &coupon.AgentID, &coupon.Code, &coupon.Type, &coupon.Value,
		&coupon.MaxDiscountCents, &coupon.MinPurchaseCents, &coupon.UsageLimit, &coupon.UsageLimitPerUser,
		&coupon.UsageCount, &coupon.ValidFrom, &coupon.ValidUntil, &coupon.IsActive, &servicesRaw, &coupon.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	coupon.ValidFrom = coupon.ValidFrom.UTC()
	coupon.ValidUntil = coupon.ValidUntil.UTC()
	coupon.CreatedAt = coupon.CreatedAt.UTC()
	if len(servicesRaw) > 0 {
		if err := json.Unmarshal(servicesRaw, &coupon.ApplicableServices); err != nil {
			return nil, err
		}
	}
	return &coupon, nil
}

func (s *Store) CreateCoupon(ctx context.Context, coupon domain.Coupon) (*domain.Coupon, error) {
	if coupon.AgentID == "" || coupon.Code == "" {
		return nil, store.ErrInvalidInput
	}
	if coupon.ID == "" {
		coupon.ID = idgen.New("coupon")
	}
	coupon.Code = strings.ToUpper(coupon.Code)
	if coupon.CreatedAt.IsZero() {
		coupon.CreatedAt = time.Now().UTC()
	}

	servicesJSON, err := json.Marshal(coupon.ApplicableServices)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO coupons (
			id, agent_id, code, type, value, max_discount_cents, min_purchase_cents,
			usage_limit, usage_limit_per_user, usage_count, valid_from, valid_until,
			is_active, applicable_services, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,now())
	`, coupon.ID, coupon.AgentID, coupon.Code, coupon.Type, coupon.Value, coupon.MaxDiscountCents,
		coupon.MinPurchaseCents, coupon.UsageLimit, coupon.UsageLimitPerUser, coupon.UsageCount,
		coupon.ValidFrom, coupon.ValidUntil, coupon.IsActive, servicesJSON, coupon.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	created := coupon
	return &created, nil
}

func (s *Store) GetCouponByID(ctx context.Context, id string) (*domain.Coupon, error) {
	return scanCoupon(s.db.QueryRowContext(ctx, `
		SELECT `+couponColumns+`
		FROM coupons
		WHERE id = $1
	`, id))
}

func (s *Store) GetCouponByCode(ctx context.Context, agentID string, code string) (*domain.Coupon, error) {
	return scanCoupon(s.db.QueryRowContext(ctx, `
		SELECT `+couponColumns+`
		FROM coupons
		WHERE agent_id = $1 AND code = upper($2)
	`, agentID, code))
}

func (s *Store) ListCoupons(ctx context.Context, agentID string) ([]domain.Coupon, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+couponColumns+`
		FROM coupons
		WHERE agent_id = $1
		ORDER BY code ASC
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	coupons := make([]domain.Coupon, 0, 32)
	for rows.Next() {
		coupon, err := scanCoupon(rows)
		if err != nil {
			return nil, err
		}
		coupons = append(coupons, *coupon)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return coupons, nil
}

func (s *Store) SetCouponActive(ctx context.Context, id string, active bool) (*domain.Coupon, error) {
	return scanCoupon(s.db.QueryRowContext(ctx, `
		UPDATE coupons
		SET is_active = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+couponColumns+`
	`, id, active))
}

func (s *Store) AtomicUpdateCoupon(ctx context.Context, id string, fn func(*domain.Coupon) error) (*domain.Coupon, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	coupon, err := scanCoupon(tx.QueryRowContext(ctx, `
		SELECT `+couponColumns+`
		FROM coupons
		WHERE id = $1
		FOR UPDATE
	`, id))
	if err != nil {
		return nil, err
	}

	if err := fn(coupon); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE coupons
		SET usage_count = $2, is_active = $3, updated_at = now()
		WHERE id = $1
	`, coupon.ID, coupon.UsageCount, coupon.IsActive)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return coupon, nil
}

const flashSaleColumns = `id, agent_id, service_id, service_name, original_price_cents, sale_price_cents,
		total_quantity, sold_quantity, start_at, end_at, is_active, created_at`

func scanFlashSale(row rowScanner) (*domain.FlashSale, error) {
	var sale domain.FlashSale
	err := row.Scan(&sale.ID, &sale.AgentID, &sale.ServiceID, &sale.ServiceName, &sale.OriginalCents,
		&sale.SaleCents, &sale.TotalQuantity, &sale.SoldQuantity, &sale.StartAt, &sale.EndAt,
		&sale.IsActive, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.StartAt = sale.StartAt.UTC()
	sale.EndAt = sale.EndAt.UTC()
	sale.CreatedAt = sale.CreatedAt.UTC()
	return &sale, nil
}

func (s *Store) CreateFlashSale(ctx context.Context, sale domain.FlashSale) (*domain.FlashSale, error) {
	if sale.AgentID == "" || sale.ServiceID == "" || sale.TotalQuantity < 1 {
		return nil, store.ErrInvalidInput
	}
	if sale.SaleCents < 0 || sale.SaleCents >= sale.OriginalCents {
		return nil, store.ErrInvalidInput
	}
	if !sale.EndAt.After(sale.StartAt) {
		return nil, store.ErrInvalidInput
	}
	if sale.ID == "" {
		sale.ID = idgen.New("flash")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.IsActive = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flash_sales (
			id, agent_id, service_id, service_name, original_price_cents, sale_price_cents,
			total_quantity, sold_quantity, start_at, end_at, is_active, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now())
	`, sale.ID, sale.AgentID, sale.ServiceID, sale.ServiceName, sale.OriginalCents, sale.SaleCents,
		sale.TotalQuantity, sale.SoldQuantity, sale.StartAt, sale.EndAt, sale.IsActive, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	created := sale
	return &created, nil
}

func (s *Store) GetFlashSaleByID(ctx context.Context, id string) (*domain.FlashSale, error) {
	return scanFlashSale(s.db.QueryRowContext(ctx, `
		SELECT `+flashSaleColumns+`
		FROM flash_sales
		WHERE id = $1
	`, id))
}

func (s *Store) GetFlashSaleByService(ctx context.Context, agentID string, serviceID string) (*domain.FlashSale, error) {
	// Rank sales that are live right now above drafts and finished ones,
	// then newest first, so a newer inactive sale cannot shadow a running
	// promotion.
	return scanFlashSale(s.db.QueryRowContext(ctx, `
		SELECT `+flashSaleColumns+`
		FROM flash_sales
		WHERE agent_id = $1 AND service_id = $2
		ORDER BY (is_active AND start_at <= now() AND end_at >= now() AND sold_quantity < total_quantity) DESC,
			created_at DESC
		LIMIT 1
	`, agentID, serviceID))
}

func (s *Store) ListFlashSales(ctx context.Context, agentID string) ([]domain.FlashSale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+flashSaleColumns+`
		FROM flash_sales
		WHERE agent_id = $1
		ORDER BY created_at DESC
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.FlashSale, 0, 16)
	for rows.Next() {
		sale, err := scanFlashSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) SetFlashSaleActive(ctx context.Context, id string, active bool) (*domain.FlashSale, error) {
	return scanFlashSale(s.db.QueryRowContext(ctx, `
		UPDATE flash_sales
		SET is_active = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+flashSaleColumns+`
	`, id, active))
}

func (s *Store) AtomicUpdateFlashSale(ctx context.Context, id string, fn func(*domain.FlashSale) error) (*domain.FlashSale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	sale, err := scanFlashSale(tx.QueryRowContext(ctx, `
		SELECT `+flashSaleColumns+`
		FROM flash_sales
		WHERE id = $1
		FOR UPDATE
	`, id))
	if err != nil {
		return nil, err
	}

	if err := fn(sale); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE flash_sales
		SET sold_quantity = $2, is_active = $3, updated_at = now()
		WHERE id = $1
	`, sale.ID, sale.SoldQuantity, sale.IsActive)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sale, nil
}

const clientColumns = `id, agent_id, name, COALESCE(phone,''), COALESCE(email,''), tags,
		total_spent_cents, total_orders, last_order_at, segment, created_at`

func scanClient(row rowScanner) (*domain.AgentClient, error) {
	var client domain.AgentClient
	var tagsRaw []byte
	var lastOrderAt sql.NullTime
	err := row.Scan(&client.ID, &client.AgentID, &client.Name, &client.Phone, &client.Email, &tagsRaw,
		&client.TotalSpentCents, &client.TotalOrders, &lastOrderAt, &client.Segment, &client.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	client.CreatedAt = client.CreatedAt.UTC()
	if lastOrderAt.Valid {
		at := lastOrderAt.Time.UTC()
		client.LastOrderAt = &at
	}
	if len(tagsRaw) > 0 {
		if err := json.Unmarshal(tagsRaw, &client.Tags); err != nil {
			return nil, err
		}
	}
	return &client, nil
}

func (s *Store) CreateClient(ctx context.Context, client domain.AgentClient) (*domain.AgentClient, error) {
	if client.AgentID == "" || client.Name == "" {
		return nil, store.ErrInvalidInput
	}
	if client.ID == "" {
		client.ID = idgen.New("client")
	}
	if client.CreatedAt.IsZero() {
		client.CreatedAt = time.Now().UTC()
	}
	if client.Segment == "" {
		client.Segment = domain.SegmentNew
	}

	tagsJSON, err := json.Marshal(client.Tags)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_clients (
			id, agent_id, name, phone, email, tags, total_spent_cents, total_orders,
			last_order_at, segment, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now())
	`, client.ID, client.AgentID, client.Name, nullIfEmpty(client.Phone), nullIfEmpty(client.Email),
		tagsJSON, client.TotalSpentCents, client.TotalOrders, nullTime(client.LastOrderAt),
		client.Segment, client.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	created := client
	return &created, nil
}

func (s *Store) GetClientByID(ctx context.Context, id string) (*domain.AgentClient, error) {
	return scanClient(s.db.QueryRowContext(ctx, `
		SELECT `+clientColumns+`
		FROM agent_clients
		WHERE id = $1
	`, id))
}

func (s *Store) ListClients(ctx context.Context, agentID string) ([]domain.AgentClient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+clientColumns+`
		FROM agent_clients
		WHERE agent_id = $1
		ORDER BY name ASC
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	clients := make([]domain.AgentClient, 0, 64)
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, *client)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return clients, nil
}

func (s *Store) AtomicUpdateClient(ctx context.Context, id string, fn func(*domain.AgentClient) error) (*domain.AgentClient, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	client, err := scanClient(tx.QueryRowContext(ctx, `
		SELECT `+clientColumns+`
		FROM agent_clients
		WHERE id = $1
		FOR UPDATE
	`, id))
	if err != nil {
		return nil, err
	}

	if err := fn(client); err != nil {
		return nil, err
	}

	tagsJSON, err := json.Marshal(client.Tags)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE agent_clients
		SET name = $2, phone = $3, email = $4, tags = $5, total_spent_cents = $6,
			total_orders = $7, last_order_at = $8, segment = $9, updated_at = now()
		WHERE id = $1
	`, client.ID, client.Name, nullIfEmpty(client.Phone), nullIfEmpty(client.Email), tagsJSON,
		client.TotalSpentCents, client.TotalOrders, nullTime(client.LastOrderAt), client.Segment)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return client, nil
}

const billColumns = `id, bill_number, agent_id, client_id, client_name, COALESCE(client_contact,''),
		items, subtotal_cents, COALESCE(coupon_code,''), coupon_discount_cents, total_amount_cents,
		total_cost_cents, total_profit_cents, status, created_at, confirmed_at, started_at,
		completed_at, cancelled_at`

func scanBill(row rowScanner) (*domain.Bill, error) {
	var bill domain.Bill
	var itemsRaw []byte
	var confirmedAt, startedAt, completedAt, cancelledAt sql.NullTime
	err := row.Scan(&bill.ID, &bill.BillNumber, &bill.AgentID, &bill.ClientID, &bill.ClientName,
		&bill.ClientContact, &itemsRaw, &bill.SubtotalCents, &bill.CouponCode, &bill.CouponDiscountCents,
		&bill.TotalAmountCents, &bill.TotalCostCents, &bill.TotalProfitCents, &bill.Status,
		&bill.CreatedAt, &confirmedAt, &startedAt, &completedAt, &cancelledAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	bill.CreatedAt = bill.CreatedAt.UTC()
	bill.ConfirmedAt = nullableUTC(confirmedAt)
	bill.StartedAt = nullableUTC(startedAt)
	bill.CompletedAt = nullableUTC(completedAt)
	bill.CancelledAt = nullableUTC(cancelledAt)
	if len(itemsRaw) > 0 {
		if err := json.Unmarshal(itemsRaw, &bill.Items); err != nil {
			return nil, err
		}
	}
	return &bill, nil
}

func (s *Store) CreateBill(ctx context.Context, bill domain.Bill) (*domain.Bill, error) {
	if bill.ID == "" || bill.AgentID == "" || bill.ClientID == "" || len(bill.Items) == 0 {
		return nil, store.ErrInvalidInput
	}
	if bill.CreatedAt.IsZero() {
		bill.CreatedAt = time.Now().UTC()
	}

	itemsJSON, err := json.Marshal(bill.Items)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bills (
			id, bill_number, agent_id, client_id, client_name, client_contact, items,
			subtotal_cents, coupon_code, coupon_discount_cents, total_amount_cents,
			total_cost_cents, total_profit_cents, status, created_at,
			confirmed_at, started_at, completed_at, cancelled_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`, bill.ID, bill.BillNumber, bill.AgentID, bill.ClientID, bill.ClientName,
		nullIfEmpty(bill.ClientContact), itemsJSON, bill.SubtotalCents, nullIfEmpty(bill.CouponCode),
		bill.CouponDiscountCents, bill.TotalAmountCents, bill.TotalCostCents, bill.TotalProfitCents,
		bill.Status, bill.CreatedAt, nullTime(bill.ConfirmedAt), nullTime(bill.StartedAt),
		nullTime(bill.CompletedAt), nullTime(bill.CancelledAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	created := bill
	return &created, nil
}

func (s *Store) GetBillByID(ctx context.Context, id string) (*domain.Bill, error) {
	return scanBill(s.db.QueryRowContext(ctx, `
		SELECT `+billColumns+`
		FROM bills
		WHERE id = $1
	`, id))
}

func (s *Store) ListBills(ctx context.Context, agentID string, status string, limit int) ([]domain.Bill, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+billColumns+`
		FROM bills
		WHERE agent_id = $1
			AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, agentID, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bills := make([]domain.Bill, 0, limit)
	for rows.Next() {
		bill, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, *bill)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return bills, nil
}

func (s *Store) AtomicUpdateBill(ctx context.Context, id string, fn func(*domain.Bill) error) (*domain.Bill, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	bill, err := scanBill(tx.QueryRowContext(ctx, `
		SELECT `+billColumns+`
		FROM bills
		WHERE id = $1
		FOR UPDATE
	`, id))
	if err != nil {
		return nil, err
	}

	if err := fn(bill); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE bills
		SET status = $2, confirmed_at = $3, started_at = $4, completed_at = $5, cancelled_at = $6
		WHERE id = $1
	`, bill.ID, bill.Status, nullTime(bill.ConfirmedAt), nullTime(bill.StartedAt),
		nullTime(bill.CompletedAt), nullTime(bill.CancelledAt))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return bill, nil
}

func (s *Store) CountCouponRedemptions(ctx context.Context, couponID string, clientID string) (int, error) {
	coupon, err := s.GetCouponByID(ctx, couponID)
	if err != nil {
		return 0, err
	}

	var count int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)::int
		FROM bills
		WHERE agent_id = $1 AND client_id = $2 AND coupon_code = $3 AND status <> $4
	`, coupon.AgentID, clientID, coupon.Code, domain.BillStatusCancelled).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) GetBillSummary(ctx context.Context, agentID string) (domain.BillSummary, error) {
	summary := domain.BillSummary{
		AgentID:  agentID,
		ByStatus: make(map[string]domain.BillStatusSummary),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)::bigint, COALESCE(SUM(total_amount_cents),0)::bigint,
			COALESCE(SUM(total_profit_cents),0)::bigint
		FROM bills
		WHERE agent_id = $1
		GROUP BY status
	`, agentID)
	if err != nil {
		return summary, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var entry domain.BillStatusSummary
		var profitCents int64
		if err := rows.Scan(&status, &entry.Count, &entry.RevenueCents, &profitCents); err != nil {
			return summary, err
		}
		summary.ByStatus[status] = entry
		summary.TotalBills += entry.Count
		if status == domain.BillStatusCompleted {
			summary.TotalRevenueCents += entry.RevenueCents
			summary.TotalProfitCents += profitCents
		}
	}
	if err := rows.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = idgen.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, agent_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.AgentID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, agentID string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR agent_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.AgentID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
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
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = "agent"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
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
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
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
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
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

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullableUTC(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	at := val.Time.UTC()
	return &at
}
