// Package billing owns bill creation and the bill status state machine.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meelike/backend/internal/aggregate"
	"meelike/backend/internal/domain"
	"meelike/backend/internal/idgen"
	"meelike/backend/internal/ledger"
	"meelike/backend/internal/promo"
	"meelike/backend/internal/store"
)

// ErrInvalidTransition marks an illegal status change. It is a programmer or
// UI error, never silently ignored, and the bill is left unchanged.
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions maps each non-terminal status to the statuses reachable from
// it. completed and cancelled are terminal.
var transitions = map[string][]string{
	domain.BillStatusPending:    {domain.BillStatusConfirmed, domain.BillStatusCancelled},
	domain.BillStatusConfirmed:  {domain.BillStatusProcessing, domain.BillStatusCancelled},
	domain.BillStatusProcessing: {domain.BillStatusCompleted, domain.BillStatusCancelled},
}

func CanTransition(from string, to string) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func IsValidStatus(status string) bool {
	switch status {
	case domain.BillStatusPending, domain.BillStatusConfirmed, domain.BillStatusProcessing,
		domain.BillStatusCompleted, domain.BillStatusCancelled:
		return true
	default:
		return false
	}
}

type Lifecycle struct {
	repo   store.Repository
	ledger *ledger.Ledger
	agg    *aggregate.Updater
}

func New(repo store.Repository, quota *ledger.Ledger, agg *aggregate.Updater) *Lifecycle {
	return &Lifecycle{repo: repo, ledger: quota, agg: agg}
}

// pricedItem is a bill line after catalog lookup and flash-sale pricing.
type pricedItem struct {
	item        domain.BillItem
	flashSaleID string
}

// CreateBill settles a purchase request into a pending bill. The flow is
// all-or-nothing: validation happens before any counter moves, and if a
// reservation or the final persist fails, every reservation already taken
// for this request is released before the error is surfaced.
func (l *Lifecycle) CreateBill(ctx context.Context, req domain.BillCreateRequest) (*domain.Bill, error) {
	if req.AgentID == "" || req.ClientID == "" || len(req.Items) == 0 {
		return nil, store.ErrInvalidInput
	}

	client, err := l.repo.GetClientByID(ctx, req.ClientID)
	if err != nil {
		return nil, fmt.Errorf("client %s: %w", req.ClientID, err)
	}
	if client.AgentID != req.AgentID {
		return nil, store.ErrNotFound
	}

	now := time.Now().UTC()
	priced, err := l.priceItems(ctx, req.AgentID, req.Items, now)
	if err != nil {
		return nil, err
	}

	var subtotal, totalCost int64
	serviceIDs := make([]string, 0, len(priced))
	items := make([]domain.BillItem, 0, len(priced))
	for _, p := range priced {
		subtotal += p.item.SalePriceCents
		totalCost += p.item.BaseCostCents
		serviceIDs = append(serviceIDs, p.item.ServiceID)
		items = append(items, p.item)
	}

	var coupon *domain.Coupon
	var discount int64
	if req.CouponCode != "" {
		coupon, discount, err = l.applyCoupon(ctx, req.AgentID, req.ClientID, req.CouponCode, subtotal, serviceIDs, now)
		if err != nil {
			return nil, err
		}
	}

	total := subtotal - discount
	if total < 0 {
		return nil, fmt.Errorf("discount %d exceeds subtotal %d", discount, subtotal)
	}

	billID := idgen.New("bill")

	if coupon != nil {
		if _, err := l.ledger.ReserveCoupon(ctx, coupon.ID, billID); err != nil {
			return nil, err
		}
	}
	for _, p := range priced {
		if p.flashSaleID == "" {
			continue
		}
		if _, err := l.ledger.ReserveFlashSaleUnit(ctx, p.flashSaleID, billID, p.item.Quantity); err != nil {
			if relErr := l.ledger.ReleaseBill(ctx, billID); relErr != nil {
				return nil, fmt.Errorf("reserve failed (%w); release also failed: %v", err, relErr)
			}
			return nil, err
		}
	}

	bill := domain.Bill{
		ID:                  billID,
		BillNumber:          idgen.BillNumber(now),
		AgentID:             req.AgentID,
		ClientID:            client.ID,
		ClientName:          client.Name,
		ClientContact:       clientContact(*client),
		Items:               items,
		SubtotalCents:       subtotal,
		TotalAmountCents:    total,
		TotalCostCents:      totalCost,
		TotalProfitCents:    total - totalCost,
		Status:              domain.BillStatusPending,
		CreatedAt:           now,
	}
	if coupon != nil {
		bill.CouponCode = coupon.Code
		bill.CouponDiscountCents = discount
	}

	created, err := l.repo.CreateBill(ctx, bill)
	if err != nil {
		if relErr := l.ledger.ReleaseBill(ctx, billID); relErr != nil {
			return nil, fmt.Errorf("persist bill failed (%w); release also failed: %v", err, relErr)
		}
		return nil, err
	}
	return created, nil
}

func (l *Lifecycle) priceItems(ctx context.Context, agentID string, inputs []domain.BillItemInput, now time.Time) ([]pricedItem, error) {
	priced := make([]pricedItem, 0, len(inputs))
	for _, in := range inputs {
		if in.ServiceID == "" || in.Quantity < 1 {
			return nil, store.ErrInvalidInput
		}

		svc, err := l.repo.GetStoreServiceByID(ctx, in.ServiceID)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", in.ServiceID, err)
		}
		if svc.AgentID != agentID || !svc.IsActive {
			return nil, fmt.Errorf("service %s: %w", in.ServiceID, store.ErrNotFound)
		}

		minQty := svc.MinQuantity
		if minQty < 1 {
			minQty = 1
		}
		if in.Quantity < minQty || (svc.MaxQuantity > 0 && in.Quantity > svc.MaxQuantity) {
			return nil, fmt.Errorf("service %s quantity %d out of range: %w", in.ServiceID, in.Quantity, store.ErrInvalidInput)
		}

		unitPrice := svc.SalePriceCents
		flashSaleID := ""
		sale, err := l.repo.GetFlashSaleByService(ctx, agentID, in.ServiceID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if sale != nil && sale.ActiveAt(now) && sale.RemainingQuantity() >= in.Quantity {
			unitPrice = sale.SaleCents
			flashSaleID = sale.ID
		}

		salePrice := unitPrice * int64(in.Quantity)
		baseCost := svc.BaseCostCents * int64(in.Quantity)
		item := domain.BillItem{
			ServiceID:      svc.ID,
			ServiceName:    svc.Name,
			Quantity:       in.Quantity,
			UnitCostCents:  svc.BaseCostCents,
			BaseCostCents:  baseCost,
			SalePriceCents: salePrice,
			ProfitCents:    salePrice - baseCost,
		}
		if salePrice > 0 {
			item.ProfitMargin = float64(item.ProfitCents) / float64(salePrice)
		}
		priced = append(priced, pricedItem{item: item, flashSaleID: flashSaleID})
	}
	return priced, nil
}

func (l *Lifecycle) applyCoupon(ctx context.Context, agentID, clientID, code string, subtotal int64, serviceIDs []string, now time.Time) (*domain.Coupon, int64, error) {
	coupon, err := l.repo.GetCouponByCode(ctx, agentID, code)
	if err != nil {
		return nil, 0, fmt.Errorf("coupon %s: %w", code, err)
	}

	prior, err := l.repo.CountCouponRedemptions(ctx, coupon.ID, clientID)
	if err != nil {
		return nil, 0, err
	}

	if err := promo.ValidateCoupon(*coupon, promo.CouponContext{
		SubtotalCents:    subtotal,
		ServiceIDs:       serviceIDs,
		PriorRedemptions: prior,
	}, now); err != nil {
		return nil, 0, err
	}

	return coupon, promo.ComputeCouponDiscount(*coupon, subtotal), nil
}

// Transition moves a bill to a new status. The state-machine check and the
// status write happen in one critical section per bill id, so a bill cannot
// be confirmed and cancelled concurrently. On completed the held
// reservations are committed and aggregates updated; on cancelled they are
// released.
func (l *Lifecycle) Transition(ctx context.Context, billID string, newStatus string) (*domain.Bill, error) {
	if !IsValidStatus(newStatus) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, newStatus)
	}

	updated, err := l.repo.AtomicUpdateBill(ctx, billID, func(b *domain.Bill) error {
		if !CanTransition(b.Status, newStatus) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, newStatus)
		}
		now := time.Now().UTC()
		b.Status = newStatus
		switch newStatus {
		case domain.BillStatusConfirmed:
			b.ConfirmedAt = &now
		case domain.BillStatusProcessing:
			b.StartedAt = &now
		case domain.BillStatusCompleted:
			b.CompletedAt = &now
		case domain.BillStatusCancelled:
			b.CancelledAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch newStatus {
	case domain.BillStatusCompleted:
		l.ledger.CommitBill(billID)
		if err := l.agg.OnBillCompleted(ctx, *updated); err != nil {
			return updated, err
		}
	case domain.BillStatusCancelled:
		if err := l.ledger.ReleaseBill(ctx, billID); err != nil {
			return updated, err
		}
	}
	return updated, nil
}

func clientContact(c domain.AgentClient) string {
	if c.Phone != "" {
		return c.Phone
	}
	return c.Email
}
