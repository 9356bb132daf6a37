package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"meelike/backend/internal/domain"
	"meelike/backend/internal/store"
	"meelike/backend/internal/store/memory"
)

func seedCoupon(t *testing.T, repo store.Repository, usageLimit int) *domain.Coupon {
	t.Helper()
	now := time.Now().UTC()
	coupon, err := repo.CreateCoupon(context.Background(), domain.Coupon{
		ID:         "cpn-test",
		AgentID:    "agent-demo",
		Code:       "LASTCALL",
		Type:       domain.CouponTypePercentage,
		Value:      10,
		UsageLimit: usageLimit,
		ValidFrom:  now.Add(-time.Hour),
		ValidUntil: now.Add(time.Hour),
		IsActive:   true,
		CreatedAt:  now,
	})
	if err != nil {
		t.Fatalf("seed coupon: %v", err)
	}
	return coupon
}

func seedFlashSale(t *testing.T, repo store.Repository, total int) *domain.FlashSale {
	t.Helper()
	now := time.Now().UTC()
	sale, err := repo.CreateFlashSale(context.Background(), domain.FlashSale{
		ID:            "fls-test",
		AgentID:       "agent-demo",
		ServiceID:     "svc-ig-followers",
		ServiceName:   "Instagram Followers 1k",
		OriginalCents: 69000,
		SaleCents:     59000,
		TotalQuantity: total,
		StartAt:       now.Add(-time.Hour),
		EndAt:         now.Add(time.Hour),
		IsActive:      true,
		CreatedAt:     now,
	})
	if err != nil {
		t.Fatalf("seed flash sale: %v", err)
	}
	return sale
}

func TestReserveCouponNeverOversellsUnderContention(t *testing.T) {
	repo := memory.New()
	coupon := seedCoupon(t, repo, 10)
	l := New(repo)
	ctx := context.Background()

	const attempts = 25
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := l.ReserveCoupon(ctx, coupon.ID, fmt.Sprintf("bill-%d", n))
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrQuotaExceeded) {
				t.Errorf("unexpected reserve error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes != 10 {
		t.Fatalf("expected exactly 10 successful reservations, got %d", successes)
	}
	stored, err := repo.GetCouponByID(ctx, coupon.ID)
	if err != nil {
		t.Fatalf("get coupon: %v", err)
	}
	if stored.UsageCount != 10 {
		t.Fatalf("expected usage count 10, got %d", stored.UsageCount)
	}
}

func TestReserveFlashSaleLastUnitsSingleWinner(t *testing.T) {
	repo := memory.New()
	sale := seedFlashSale(t, repo, 5)
	l := New(repo)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, results[n] = l.ReserveFlashSaleUnit(ctx, sale.ID, fmt.Sprintf("bill-%d", n), 3)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		} else if !errors.Is(err, ErrQuotaExceeded) {
			t.Fatalf("unexpected reserve error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner for 5 units against two qty-3 claims, got %d", winners)
	}

	stored, err := repo.GetFlashSaleByID(ctx, sale.ID)
	if err != nil {
		t.Fatalf("get flash sale: %v", err)
	}
	if stored.SoldQuantity != 3 {
		t.Fatalf("expected sold quantity 3, got %d", stored.SoldQuantity)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	repo := memory.New()
	coupon := seedCoupon(t, repo, 10)
	l := New(repo)
	ctx := context.Background()

	r, err := l.ReserveCoupon(ctx, coupon.ID, "bill-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := l.Release(ctx, r); err != nil {
			t.Fatalf("release attempt %d: %v", i, err)
		}
	}

	stored, _ := repo.GetCouponByID(ctx, coupon.ID)
	if stored.UsageCount != 0 {
		t.Fatalf("expected usage count back to 0 after repeated release, got %d", stored.UsageCount)
	}
}

func TestReleaseAfterCommitIsNoOp(t *testing.T) {
	repo := memory.New()
	coupon := seedCoupon(t, repo, 10)
	l := New(repo)
	ctx := context.Background()

	r, err := l.ReserveCoupon(ctx, coupon.ID, "bill-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	l.Commit(r)
	if !r.Committed() {
		t.Fatalf("expected reservation committed")
	}

	if err := l.Release(ctx, r); err != nil {
		t.Fatalf("release after commit: %v", err)
	}
	stored, _ := repo.GetCouponByID(ctx, coupon.ID)
	if stored.UsageCount != 1 {
		t.Fatalf("expected committed usage to stay at 1, got %d", stored.UsageCount)
	}
}

func TestReleaseBillReturnsEveryClaim(t *testing.T) {
	repo := memory.New()
	coupon := seedCoupon(t, repo, 10)
	sale := seedFlashSale(t, repo, 20)
	l := New(repo)
	ctx := context.Background()

	if _, err := l.ReserveCoupon(ctx, coupon.ID, "bill-1"); err != nil {
		t.Fatalf("reserve coupon: %v", err)
	}
	if _, err := l.ReserveFlashSaleUnit(ctx, sale.ID, "bill-1", 4); err != nil {
		t.Fatalf("reserve stock: %v", err)
	}

	if err := l.ReleaseBill(ctx, "bill-1"); err != nil {
		t.Fatalf("release bill: %v", err)
	}

	storedCoupon, _ := repo.GetCouponByID(ctx, coupon.ID)
	if storedCoupon.UsageCount != 0 {
		t.Fatalf("expected coupon usage restored to 0, got %d", storedCoupon.UsageCount)
	}
	storedSale, _ := repo.GetFlashSaleByID(ctx, sale.ID)
	if storedSale.SoldQuantity != 0 {
		t.Fatalf("expected stock restored to 0 sold, got %d", storedSale.SoldQuantity)
	}
	if got := len(l.ReservationsForBill("bill-1")); got != 0 {
		t.Fatalf("expected no tracked reservations after release, got %d", got)
	}
}

func TestCommitBillForgetsHandles(t *testing.T) {
	repo := memory.New()
	sale := seedFlashSale(t, repo, 20)
	l := New(repo)
	ctx := context.Background()

	r, err := l.ReserveFlashSaleUnit(ctx, sale.ID, "bill-1", 2)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	l.CommitBill("bill-1")

	if !r.Committed() {
		t.Fatalf("expected reservation committed by CommitBill")
	}
	if err := l.ReleaseBill(ctx, "bill-1"); err != nil {
		t.Fatalf("release bill: %v", err)
	}
	stored, _ := repo.GetFlashSaleByID(ctx, sale.ID)
	if stored.SoldQuantity != 2 {
		t.Fatalf("expected sold quantity to remain 2 after commit, got %d", stored.SoldQuantity)
	}
}
