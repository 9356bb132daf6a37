// Package promo holds the read-only promotion checks: whether a coupon or
// flash sale is redeemable right now, and how large a coupon discount is.
// Nothing here mutates state, so every function is safe to call repeatedly
// and concurrently (UI previews included).
package promo

import (
	"fmt"
	"math"
	"time"

	"meelike/backend/internal/domain"
)

const (
	ReasonInactive            = "inactive"
	ReasonScheduled           = "scheduled"
	ReasonExpired             = "expired"
	ReasonDepleted            = "depleted"
	ReasonNotApplicable       = "not_applicable"
	ReasonBelowMinimum        = "below_minimum"
	ReasonPerUserLimitReached = "per_user_limit_reached"
	ReasonInsufficientStock   = "insufficient_stock"
)

// RejectionError reports why a promotion is not redeemable. The condition is
// business state, not a transient fault, so callers surface it verbatim and
// do not retry.
type RejectionError struct {
	Reason  string
	Message string
}

func (e *RejectionError) Error() string {
	return e.Message
}

func reject(reason string, format string, args ...any) *RejectionError {
	return &RejectionError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// CouponContext carries the order-side facts a coupon is validated against.
// PriorRedemptions is the count of this client's earlier non-cancelled bills
// that redeemed the coupon; the caller obtains it with a side query.
type CouponContext struct {
	SubtotalCents    int64
	ServiceIDs       []string
	PriorRedemptions int
}

// ValidateCoupon checks redeemability in a fixed order so the first failing
// rule determines the error, keeping rejection messages deterministic.
func ValidateCoupon(coupon domain.Coupon, cc CouponContext, now time.Time) error {
	if !coupon.IsActive {
		return reject(ReasonInactive, "coupon %s is inactive", coupon.Code)
	}
	if now.Before(coupon.ValidFrom) {
		return reject(ReasonScheduled, "coupon %s is not valid until %s", coupon.Code, coupon.ValidFrom.Format(time.RFC3339))
	}
	if now.After(coupon.ValidUntil) {
		return reject(ReasonExpired, "coupon %s expired at %s", coupon.Code, coupon.ValidUntil.Format(time.RFC3339))
	}
	if coupon.UsageLimit > 0 && coupon.UsageCount >= coupon.UsageLimit {
		return reject(ReasonDepleted, "coupon %s has no redemptions left", coupon.Code)
	}
	if len(coupon.ApplicableServices) > 0 {
		allowed := make(map[string]struct{}, len(coupon.ApplicableServices))
		for _, id := range coupon.ApplicableServices {
			allowed[id] = struct{}{}
		}
		for _, id := range cc.ServiceIDs {
			if _, ok := allowed[id]; !ok {
				return reject(ReasonNotApplicable, "coupon %s does not apply to service %s", coupon.Code, id)
			}
		}
	}
	if coupon.MinPurchaseCents > 0 && cc.SubtotalCents < coupon.MinPurchaseCents {
		return reject(ReasonBelowMinimum, "coupon %s requires a minimum purchase of %d", coupon.Code, coupon.MinPurchaseCents)
	}
	if coupon.UsageLimitPerUser > 0 && cc.PriorRedemptions >= coupon.UsageLimitPerUser {
		return reject(ReasonPerUserLimitReached, "coupon %s already used the maximum number of times by this client", coupon.Code)
	}
	return nil
}

func ValidateFlashSale(sale domain.FlashSale, now time.Time) error {
	if !sale.IsActive {
		return reject(ReasonInactive, "flash sale %s is inactive", sale.ID)
	}
	if now.Before(sale.StartAt) {
		return reject(ReasonScheduled, "flash sale %s has not started", sale.ID)
	}
	if now.After(sale.EndAt) {
		return reject(ReasonExpired, "flash sale %s has ended", sale.ID)
	}
	if sale.RemainingQuantity() < 1 {
		return reject(ReasonInsufficientStock, "flash sale %s is sold out", sale.ID)
	}
	return nil
}

// ComputeCouponDiscount returns the discount in cents for a validated
// coupon. Percentage discounts are rounded half-up to the cent and capped
// by MaxDiscountCents when set; fixed discounts never exceed the subtotal,
// so the resulting total cannot go negative.
func ComputeCouponDiscount(coupon domain.Coupon, subtotalCents int64) int64 {
	if subtotalCents < 1 {
		return 0
	}

	var discount int64
	switch coupon.Type {
	case domain.CouponTypePercentage:
		discount = int64(math.Floor(float64(subtotalCents)*coupon.Value/100 + 0.5))
		if coupon.MaxDiscountCents > 0 && discount > coupon.MaxDiscountCents {
			discount = coupon.MaxDiscountCents
		}
	case domain.CouponTypeFixed:
		discount = int64(math.Floor(coupon.Value + 0.5))
	}

	if discount < 0 {
		discount = 0
	}
	if discount > subtotalCents {
		discount = subtotalCents
	}
	return discount
}
