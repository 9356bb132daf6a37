// Package ledger is the single choke point through which coupon usage
// counters and flash-sale stock are mutated. Reservations follow a
// two-phase protocol: reserve at bill creation, then commit on completion
// or release on cancellation (or as a compensating action when bill
// creation fails after the counter was already claimed).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"meelike/backend/internal/domain"
	"meelike/backend/internal/idgen"
	"meelike/backend/internal/promo"
	"meelike/backend/internal/store"
)

var (
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrCouponDepleted    = fmt.Errorf("%w: coupon usage limit reached", ErrQuotaExceeded)
	ErrInsufficientStock = fmt.Errorf("%w: insufficient flash sale stock", ErrQuotaExceeded)
)

const (
	stateHeld      = "held"
	stateCommitted = "committed"
	stateReleased  = "released"
)

// Reservation is a provisional claim against a coupon's usage cap or a
// flash sale's stock. The counter mutation happens at reserve time; the
// handle only tracks whether the claim was later made permanent or undone.
type Reservation struct {
	ID          string
	BillID      string
	CouponID    string
	FlashSaleID string
	Quantity    int

	state string
}

func (r *Reservation) Held() bool      { return r.state == stateHeld }
func (r *Reservation) Committed() bool { return r.state == stateCommitted }

type Ledger struct {
	repo store.Repository

	mu     sync.Mutex
	byBill map[string][]*Reservation
}

func New(repo store.Repository) *Ledger {
	return &Ledger{
		repo:   repo,
		byBill: make(map[string][]*Reservation),
	}
}

// ReserveCoupon increments the coupon's usage counter if and only if the
// post-increment value stays within the usage limit. The check and the
// increment execute as one critical section per coupon id, so two racing
// requests for the last redemption cannot both succeed.
func (l *Ledger) ReserveCoupon(ctx context.Context, couponID string, billID string) (*Reservation, error) {
	_, err := l.repo.AtomicUpdateCoupon(ctx, couponID, func(c *domain.Coupon) error {
		if c.UsageLimit > 0 && c.UsageCount+1 > c.UsageLimit {
			return ErrCouponDepleted
		}
		c.UsageCount++
		return nil
	})
	if err != nil {
		return nil, err
	}

	r := &Reservation{
		ID:       idgen.New("resv"),
		BillID:   billID,
		CouponID: couponID,
		Quantity: 1,
		state:    stateHeld,
	}
	l.track(r)
	return r, nil
}

// ReserveFlashSaleUnit claims quantity units of flash-sale stock, failing
// without any counter movement when fewer units remain.
func (l *Ledger) ReserveFlashSaleUnit(ctx context.Context, flashSaleID string, billID string, quantity int) (*Reservation, error) {
	if quantity < 1 {
		return nil, store.ErrInvalidInput
	}

	now := time.Now().UTC()
	_, err := l.repo.AtomicUpdateFlashSale(ctx, flashSaleID, func(f *domain.FlashSale) error {
		// Re-check under the row lock: the sale may have been toggled off
		// or expired between pricing and reservation.
		if err := promo.ValidateFlashSale(*f, now); err != nil {
			return err
		}
		if f.SoldQuantity+quantity > f.TotalQuantity {
			return ErrInsufficientStock
		}
		f.SoldQuantity += quantity
		return nil
	})
	if err != nil {
		return nil, err
	}

	r := &Reservation{
		ID:          idgen.New("resv"),
		BillID:      billID,
		FlashSaleID: flashSaleID,
		Quantity:    quantity,
		state:       stateHeld,
	}
	l.track(r)
	return r, nil
}

// Release reverses a held reservation, returning the claimed units to the
// pool. Calling it again, or calling it on a committed reservation, is a
// no-op: a completed order's promotion usage is never returned.
func (l *Ledger) Release(ctx context.Context, r *Reservation) error {
	if r == nil {
		return nil
	}

	l.mu.Lock()
	if r.state != stateHeld {
		l.mu.Unlock()
		return nil
	}
	r.state = stateReleased
	l.mu.Unlock()

	var err error
	switch {
	case r.CouponID != "":
		_, err = l.repo.AtomicUpdateCoupon(ctx, r.CouponID, func(c *domain.Coupon) error {
			if c.UsageCount > 0 {
				c.UsageCount--
			}
			return nil
		})
	case r.FlashSaleID != "":
		_, err = l.repo.AtomicUpdateFlashSale(ctx, r.FlashSaleID, func(f *domain.FlashSale) error {
			f.SoldQuantity -= r.Quantity
			if f.SoldQuantity < 0 {
				f.SoldQuantity = 0
			}
			return nil
		})
	}
	if err != nil {
		// The counter was not touched; put the handle back so the
		// caller can retry the release.
		l.mu.Lock()
		r.state = stateHeld
		l.mu.Unlock()
		return err
	}
	return nil
}

// Commit makes a held reservation permanent. After commit, Release is a
// no-op.
func (l *Ledger) Commit(r *Reservation) {
	if r == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.state == stateHeld {
		r.state = stateCommitted
	}
}

// ReservationsForBill returns the live handles taken for the given bill.
func (l *Ledger) ReservationsForBill(billID string) []*Reservation {
	l.mu.Lock()
	defer l.mu.Unlock()
	held := l.byBill[billID]
	out := make([]*Reservation, len(held))
	copy(out, held)
	return out
}

// CommitBill marks every reservation held for the bill permanent and
// forgets the handles.
func (l *Ledger) CommitBill(billID string) {
	l.mu.Lock()
	held := l.byBill[billID]
	delete(l.byBill, billID)
	for _, r := range held {
		if r.state == stateHeld {
			r.state = stateCommitted
		}
	}
	l.mu.Unlock()
}

// ReleaseBill releases every reservation held for the bill. The first
// persistence failure is returned; handles that failed to release stay
// tracked so the release can be retried.
func (l *Ledger) ReleaseBill(ctx context.Context, billID string) error {
	l.mu.Lock()
	held := l.byBill[billID]
	delete(l.byBill, billID)
	l.mu.Unlock()

	var firstErr error
	remaining := make([]*Reservation, 0, len(held))
	for _, r := range held {
		if err := l.Release(ctx, r); err != nil {
			remaining = append(remaining, r)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if len(remaining) > 0 {
		l.mu.Lock()
		l.byBill[billID] = append(l.byBill[billID], remaining...)
		l.mu.Unlock()
	}
	return firstErr
}

func (l *Ledger) track(r *Reservation) {
	l.mu.Lock()
	l.byBill[r.BillID] = append(l.byBill[r.BillID], r)
	l.mu.Unlock()
}
