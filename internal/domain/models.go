package domain

import "time"

type StoreService struct {
	ID                string    `json:"id"`
	AgentID           string    `json:"agent_id"`
	ServiceID         string    `json:"service_id"`
	Name              string    `json:"name"`
	BaseCostCents     int64     `json:"base_cost_cents"`
	SalePriceCents    int64     `json:"sale_price_cents"`
	MinQuantity       int       `json:"min_quantity"`
	MaxQuantity       int       `json:"max_quantity"`
	IsActive          bool      `json:"is_active"`
	TotalSold         int64     `json:"total_sold"`
	TotalOrders       int64     `json:"total_orders"`
	TotalRevenueCents int64     `json:"total_revenue_cents"`
	CreatedAt         time.Time `json:"created_at"`
}

type StoreServiceCreateRequest struct {
	AgentID        string `json:"agent_id"`
	ServiceID      string `json:"service_id"`
	Name           string `json:"name"`
	BaseCostCents  int64  `json:"base_cost_cents"`
	SalePriceCents int64  `json:"sale_price_cents"`
	MinQuantity    int    `json:"min_quantity"`
	MaxQuantity    int    `json:"max_quantity"`
}

type StoreServiceUpdateRequest struct {
	Name           *string `json:"name,omitempty"`
	BaseCostCents  *int64  `json:"base_cost_cents,omitempty"`
	SalePriceCents *int64  `json:"sale_price_cents,omitempty"`
	MinQuantity    *int    `json:"min_quantity,omitempty"`
	MaxQuantity    *int    `json:"max_quantity,omitempty"`
	IsActive       *bool   `json:"is_active,omitempty"`
}

type Coupon struct {
	ID                 string    `json:"id"`
	AgentID            string    `json:"agent_id"`
	Code               string    `json:"code"`
	Type               string    `json:"type"`
	Value              float64   `json:"value"`
	MaxDiscountCents   int64     `json:"max_discount_cents,omitempty"`
	MinPurchaseCents   int64     `json:"min_purchase_cents,omitempty"`
	UsageLimit         int       `json:"usage_limit,omitempty"`
	UsageLimitPerUser  int       `json:"usage_limit_per_user,omitempty"`
	UsageCount         int       `json:"usage_count"`
	ValidFrom          time.Time `json:"valid_from"`
	ValidUntil         time.Time `json:"valid_until"`
	IsActive           bool      `json:"is_active"`
	ApplicableServices []string  `json:"applicable_services,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// StatusAt derives the reporting status of the coupon at the given instant.
// Never stored. Priority when several apply: inactive > expired > depleted >
// scheduled > active.
func (c Coupon) StatusAt(now time.Time) string {
	switch {
	case !c.IsActive:
		return CouponStatusInactive
	case now.After(c.ValidUntil):
		return CouponStatusExpired
	case c.UsageLimit > 0 && c.UsageCount >= c.UsageLimit:
		return CouponStatusDepleted
	case now.Before(c.ValidFrom):
		return CouponStatusScheduled
	default:
		return CouponStatusActive
	}
}

type CouponCreateRequest struct {
	AgentID            string   `json:"agent_id"`
	Code               string   `json:"code"`
	Type               string   `json:"type"`
	Value              float64  `json:"value"`
	MaxDiscountCents   int64    `json:"max_discount_cents"`
	MinPurchaseCents   int64    `json:"min_purchase_cents"`
	UsageLimit         int      `json:"usage_limit"`
	UsageLimitPerUser  int      `json:"usage_limit_per_user"`
	ValidFrom          string   `json:"valid_from"`
	ValidUntil         string   `json:"valid_until"`
	ApplicableServices []string `json:"applicable_services"`
}

type CouponToggleRequest struct {
	Active bool `json:"active"`
}

type CouponView struct {
	Coupon
	Status string `json:"status"`
}

type FlashSale struct {
	ID            string    `json:"id"`
	AgentID       string    `json:"agent_id"`
	ServiceID     string    `json:"service_id"`
	ServiceName   string    `json:"service_name"`
	OriginalCents int64     `json:"original_price_cents"`
	SaleCents     int64     `json:"sale_price_cents"`
	TotalQuantity int       `json:"total_quantity"`
	SoldQuantity  int       `json:"sold_quantity"`
	StartAt       time.Time `json:"start_at"`
	EndAt         time.Time `json:"end_at"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
}

func (f FlashSale) RemainingQuantity() int {
	return f.TotalQuantity - f.SoldQuantity
}

// DiscountPercent is derived from the two prices, rounded to the nearest
// whole percent.
func (f FlashSale) DiscountPercent() int {
	if f.OriginalCents < 1 {
		return 0
	}
	return int(float64(f.OriginalCents-f.SaleCents)/float64(f.OriginalCents)*100 + 0.5)
}

func (f FlashSale) ActiveAt(now time.Time) bool {
	return f.IsActive &&
		!now.Before(f.StartAt) && !now.After(f.EndAt) &&
		f.RemainingQuantity() > 0
}

type FlashSaleCreateRequest struct {
	AgentID       string `json:"agent_id"`
	ServiceID     string `json:"service_id"`
	SaleCents     int64  `json:"sale_price_cents"`
	TotalQuantity int    `json:"total_quantity"`
	StartAt       string `json:"start_at"`
	EndAt         string `json:"end_at"`
}

type FlashSaleToggleRequest struct {
	Active bool `json:"active"`
}

type FlashSaleView struct {
	FlashSale
	RemainingQuantity int  `json:"remaining_quantity"`
	DiscountPercent   int  `json:"discount_percent"`
	Active            bool `json:"active"`
}

type AgentClient struct {
	ID              string     `json:"id"`
	AgentID         string     `json:"agent_id"`
	Name            string     `json:"name"`
	Phone           string     `json:"phone,omitempty"`
	Email           string     `json:"email,omitempty"`
	Tags            []string   `json:"tags,omitempty"`
	TotalSpentCents int64      `json:"total_spent_cents"`
	TotalOrders     int64      `json:"total_orders"`
	LastOrderAt     *time.Time `json:"last_order_at,omitempty"`
	Segment         string     `json:"segment"`
	CreatedAt       time.Time  `json:"created_at"`
}

// AverageOrderValueCents is derived, never stored.
func (c AgentClient) AverageOrderValueCents() int64 {
	if c.TotalOrders == 0 {
		return 0
	}
	return c.TotalSpentCents / c.TotalOrders
}

type ClientCreateRequest struct {
	AgentID string   `json:"agent_id"`
	Name    string   `json:"name"`
	Phone   string   `json:"phone"`
	Email   string   `json:"email"`
	Tags    []string `json:"tags"`
}

type BillItem struct {
	ServiceID      string  `json:"service_id"`
	ServiceName    string  `json:"service_name"`
	Quantity       int     `json:"quantity"`
	UnitCostCents  int64   `json:"unit_cost_cents"`
	BaseCostCents  int64   `json:"base_cost_cents"`
	SalePriceCents int64   `json:"sale_price_cents"`
	ProfitCents    int64   `json:"profit_cents"`
	ProfitMargin   float64 `json:"profit_margin"`
}

type Bill struct {
	ID                  string     `json:"id"`
	BillNumber          string     `json:"bill_number"`
	AgentID             string     `json:"agent_id"`
	ClientID            string     `json:"client_id"`
	ClientName          string     `json:"client_name"`
	ClientContact       string     `json:"client_contact,omitempty"`
	Items               []BillItem `json:"items"`
	SubtotalCents       int64      `json:"subtotal_cents"`
	CouponCode          string     `json:"coupon_code,omitempty"`
	CouponDiscountCents int64      `json:"coupon_discount_cents,omitempty"`
	TotalAmountCents    int64      `json:"total_amount_cents"`
	TotalCostCents      int64      `json:"total_cost_cents"`
	TotalProfitCents    int64      `json:"total_profit_cents"`
	Status              string     `json:"status"`
	CreatedAt           time.Time  `json:"created_at"`
	ConfirmedAt         *time.Time `json:"confirmed_at,omitempty"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	CancelledAt         *time.Time `json:"cancelled_at,omitempty"`
}

type BillItemInput struct {
	ServiceID string `json:"service_id"`
	Quantity  int    `json:"quantity"`
}

type BillCreateRequest struct {
	AgentID    string          `json:"agent_id"`
	ClientID   string          `json:"client_id"`
	CouponCode string          `json:"coupon_code,omitempty"`
	Items      []BillItemInput `json:"items"`
}

type BillTransitionRequest struct {
	Status string `json:"status"`
}

type DiscountPreviewRequest struct {
	AgentID    string          `json:"agent_id"`
	ClientID   string          `json:"client_id"`
	CouponCode string          `json:"coupon_code"`
	Items      []BillItemInput `json:"items"`
}

type DiscountPreview struct {
	SubtotalCents    int64  `json:"subtotal_cents"`
	DiscountCents    int64  `json:"discount_cents"`
	TotalAmountCents int64  `json:"total_amount_cents"`
	CouponStatus     string `json:"coupon_status"`
}

type BillStatusSummary struct {
	Count        int64 `json:"count"`
	RevenueCents int64 `json:"revenue_cents"`
}

type BillSummary struct {
	AgentID           string                       `json:"agent_id"`
	TotalBills        int64                        `json:"total_bills"`
	TotalRevenueCents int64                        `json:"total_revenue_cents"`
	TotalProfitCents  int64                        `json:"total_profit_cents"`
	ByStatus          map[string]BillStatusSummary `json:"by_status"`
	GeneratedAt       string                       `json:"generated_at"`
}

type ClientSegmentResponse struct {
	ClientID               string `json:"client_id"`
	Segment                string `json:"segment"`
	TotalSpentCents        int64  `json:"total_spent_cents"`
	TotalOrders            int64  `json:"total_orders"`
	AverageOrderValueCents int64  `json:"average_order_value_cents"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AgentUserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AgentUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	AgentID       string    `json:"agent_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	BillStatusPending    = "pending"
	BillStatusConfirmed  = "confirmed"
	BillStatusProcessing = "processing"
	BillStatusCompleted  = "completed"
	BillStatusCancelled  = "cancelled"
)

const (
	CouponTypePercentage = "percentage"
	CouponTypeFixed      = "fixed"
)

const (
	CouponStatusActive    = "active"
	CouponStatusScheduled = "scheduled"
	CouponStatusExpired   = "expired"
	CouponStatusDepleted  = "depleted"
	CouponStatusInactive  = "inactive"
)

const (
	SegmentNew      = "new"
	SegmentRegular  = "regular"
	SegmentVIP      = "vip"
	SegmentInactive = "inactive"
)
