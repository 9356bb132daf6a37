// Package aggregate recomputes the denormalized client and store-service
// statistics when a bill reaches a terminal state. Invocation is guarded by
// the bill state machine: a transition to completed happens exactly once per
// bill, so re-running for an already-completed bill never occurs.
package aggregate

import (
	"context"
	"fmt"
	"time"

	"meelike/backend/internal/domain"
	"meelike/backend/internal/store"
)

type Thresholds struct {
	VIPThresholdCents int64
	InactiveDays      int
	RegularMinOrders  int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		VIPThresholdCents: 1_000_000,
		InactiveDays:      90,
		RegularMinOrders:  3,
	}
}

// SegmentFor derives a client segment from spend/order history. Spend wins
// over recency: a VIP stays a VIP even after a long gap.
func SegmentFor(totalSpentCents int64, totalOrders int64, lastOrderAt *time.Time, now time.Time, th Thresholds) string {
	if totalSpentCents >= th.VIPThresholdCents {
		return domain.SegmentVIP
	}
	if lastOrderAt != nil && now.Sub(*lastOrderAt) >= time.Duration(th.InactiveDays)*24*time.Hour {
		return domain.SegmentInactive
	}
	if totalOrders >= int64(th.RegularMinOrders) {
		return domain.SegmentRegular
	}
	return domain.SegmentNew
}

type Updater struct {
	repo store.Repository
	th   Thresholds
}

func New(repo store.Repository, th Thresholds) *Updater {
	if th.VIPThresholdCents < 1 || th.InactiveDays < 1 || th.RegularMinOrders < 1 {
		th = DefaultThresholds()
	}
	return &Updater{repo: repo, th: th}
}

func (u *Updater) Thresholds() Thresholds {
	return u.th
}

// OnBillCompleted folds a completed bill into the client's spend history and
// the per-service sales statistics. Each record is updated in its own
// critical section, so concurrent completions for different clients or
// services do not contend.
func (u *Updater) OnBillCompleted(ctx context.Context, bill domain.Bill) error {
	now := time.Now().UTC()

	_, err := u.repo.AtomicUpdateClient(ctx, bill.ClientID, func(c *domain.AgentClient) error {
		c.TotalSpentCents += bill.TotalAmountCents
		c.TotalOrders++
		at := now
		c.LastOrderAt = &at
		c.Segment = SegmentFor(c.TotalSpentCents, c.TotalOrders, c.LastOrderAt, now, u.th)
		return nil
	})
	if err != nil {
		return fmt.Errorf("update client %s: %w", bill.ClientID, err)
	}

	for _, item := range bill.Items {
		item := item
		_, err := u.repo.AtomicUpdateStoreService(ctx, item.ServiceID, func(s *domain.StoreService) error {
			s.TotalSold += int64(item.Quantity)
			s.TotalOrders++
			s.TotalRevenueCents += item.SalePriceCents
			return nil
		})
		if err != nil {
			return fmt.Errorf("update service %s: %w", item.ServiceID, err)
		}
	}
	return nil
}
