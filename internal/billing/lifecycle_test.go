package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"meelike/backend/internal/aggregate"
	"meelike/backend/internal/domain"
	"meelike/backend/internal/ledger"
	"meelike/backend/internal/promo"
	"meelike/backend/internal/store"
	"meelike/backend/internal/store/memory"
)

func newTestLifecycle() (*Lifecycle, *memory.Store, *ledger.Ledger) {
	repo := memory.NewSeeded()
	quota := ledger.New(repo)
	agg := aggregate.New(repo, aggregate.DefaultThresholds())
	return New(repo, quota, agg), repo, quota
}

func seedTestCoupon(t *testing.T, repo store.Repository, mutate func(*domain.Coupon)) *domain.Coupon {
	t.Helper()
	now := time.Now().UTC()
	coupon := domain.Coupon{
		AgentID:    "agent-demo",
		Code:       "PROMO10",
		Type:       domain.CouponTypePercentage,
		Value:      10,
		UsageLimit: 100,
		ValidFrom:  now.Add(-time.Hour),
		ValidUntil: now.Add(time.Hour),
		IsActive:   true,
		CreatedAt:  now,
	}
	if mutate != nil {
		mutate(&coupon)
	}
	created, err := repo.CreateCoupon(context.Background(), coupon)
	if err != nil {
		t.Fatalf("seed coupon: %v", err)
	}
	return created
}

func TestCreateBillPricesItemsFromCatalog(t *testing.T) {
	lc, _, _ := newTestLifecycle()

	bill, err := lc.CreateBill(context.Background(), domain.BillCreateRequest{
		AgentID:  "agent-demo",
		ClientID: "client-ana",
		Items: []domain.BillItemInput{
			{ServiceID: "svc-ig-followers", Quantity: 2},
			{ServiceID: "svc-tt-views", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("create bill: %v", err)
	}

	// svc-ig-followers sells at 69000, svc-tt-views at 19000.
	wantSubtotal := int64(2*69000 + 19000)
	if bill.SubtotalCents != wantSubtotal {
		t.Fatalf("expected subtotal %d, got %d", wantSubtotal, bill.SubtotalCents)
	}
	if bill.TotalAmountCents != wantSubtotal {
		t.Fatalf("expected total to equal subtotal without coupon, got %d", bill.TotalAmountCents)
	}
	wantCost := int64(2*45000 + 8000)
	if bill.TotalCostCents != wantCost {
		t.Fatalf("expected cost %d, got %d", wantCost, bill.TotalCostCents)
	}
	if bill.TotalProfitCents != wantSubtotal-wantCost {
		t.Fatalf("expected profit %d, got %d", wantSubtotal-wantCost, bill.TotalProfitCents)
	}
	if bill.Status != domain.BillStatusPending {
		t.Fatalf("expected pending status, got %s", bill.Status)
	}
	if bill.BillNumber == "" {
		t.Fatalf("expected an assigned bill number")
	}
	if bill.ClientName != "Ana Wijaya" {
		t.Fatalf("expected client name snapshot, got %q", bill.ClientName)
	}
}

func TestCreateBillAppliesCouponAndReservesUsage(t *testing.T) {
	lc, repo, _ := newTestLifecycle()
	coupon := seedTestCoupon(t, repo, func(c *domain.Coupon) {
		c.MaxDiscountCents = 5000
	})

	bill, err := lc.CreateBill(context.Background(), domain.BillCreateRequest{
		AgentID:    "agent-demo",
		ClientID:   "client-ana",
		CouponCode: "promo10",
		Items: []domain.BillItemInput{
			{ServiceID: "svc-ig-likes", Quantity: 4},
		},
	})
	if err != nil {
		t.Fatalf("create bill: %v", err)
	}

	// 10% of 100000 is 10000, capped at 5000.
	if bill.CouponDiscountCents != 5000 {
		t.Fatalf("expected discount 5000, got %d", bill.CouponDiscountCents)
	}
	if bill.TotalAmountCents != bill.SubtotalCents-5000 {
		t.Fatalf("expected total %d, got %d", bill.SubtotalCents-5000, bill.TotalAmountCents)
	}
	if bill.CouponCode != "PROMO10" {
		t.Fatalf("expected normalized coupon code, got %q", bill.CouponCode)
	}

	stored, err := repo.GetCouponByID(context.Background(), coupon.ID)
	if err != nil {
		t.Fatalf("get coupon: %v", err)
	}
	if stored.UsageCount != 1 {
		t.Fatalf("expected usage count 1 after reservation, got %d", stored.UsageCount)
	}
}

func TestCreateBillRejectsIneligibleCouponWithoutCounterMovement(t *testing.T) {
	lc, repo, _ := newTestLifecycle()
	coupon := seedTestCoupon(t, repo, func(c *domain.Coupon) {
		c.MinPurchaseCents = 10_000_000
	})

	_, err := lc.CreateBill(context.Background(), domain.BillCreateRequest{
		AgentID:    "agent-demo",
		ClientID:   "client-ana",
		CouponCode: "PROMO10",
		Items: []domain.BillItemInput{
			{ServiceID: "svc-ig-likes", Quantity: 1},
		},
	})
	var rej *promo.RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected promotion rejection, got %v", err)
	}

	stored, _ := repo.GetCouponByID(context.Background(), coupon.ID)
	if stored.UsageCount != 0 {
		t.Fatalf("expected no usage counted on rejection, got %d", stored.UsageCount)
	}
}

func TestCreateBillUsesFlashSalePricing(t *testing.T) {
	lc, repo, _ := newTestLifecycle()
	now := time.Now().UTC()
	sale, err := repo.CreateFlashSale(context.Background(), domain.FlashSale{
		AgentID:       "agent-demo",
		ServiceID:     "svc-ig-followers",
		ServiceName:   "Instagram Followers 1k",
		OriginalCents: 69000,
		SaleCents:     59000,
		TotalQuantity: 10,
		StartAt:       now.Add(-time.Hour),
		EndAt:         now.Add(time.Hour),
		IsActive:      true,
	})
	if err != nil {
		t.Fatalf("seed flash sale: %v", err)
	}

	bill, err := lc.CreateBill(context.Background(), domain.BillCreateRequest{
		AgentID:  "agent-demo",
		ClientID: "client-ana",
		Items: []domain.BillItemInput{
			{ServiceID: "svc-ig-followers", Quantity: 3},
		},
	})
	if err != nil {
		t.Fatalf("create bill: %v", err)
	}

	if bill.SubtotalCents != 3*59000 {
		t.Fatalf("expected flash sale price applied, subtotal %d", bill.SubtotalCents)
	}

	stored, _ := repo.GetFlashSaleByID(context.Background(), sale.ID)
	if stored.SoldQuantity != 3 {
		t.Fatalf("expected 3 units reserved, got %d", stored.SoldQuantity)
	}
}

func TestCreateBillRejectsQuantityOutOfRange(t *testing.T) {
	lc, _, _ := newTestLifecycle()

	// svc-yt-subs caps at 20 per order.
	_, err := lc.CreateBill(context.Background(), domain.BillCreateRequest{
		AgentID:  "agent-demo",
		ClientID: "client-ana",
		Items: []domain.BillItemInput{
			{ServiceID: "svc-yt-subs", Quantity: 21},
		},
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestCreateBillRejectsForeignClient(t *testing.T) {
	lc, repo, _ := newTestLifecycle()
	other, err := repo.CreateClient(context.Background(), domain.AgentClient{
		AgentID: "agent-other",
		Name:    "Someone Else",
	})
	if err != nil {
		t.Fatalf("seed client: %v", err)
	}

	_, err = lc.CreateBill(context.Background(), domain.BillCreateRequest{
		AgentID:  "agent-demo",
		ClientID: other.ID,
		Items: []domain.BillItemInput{
			{ServiceID: "svc-ig-likes", Quantity: 1},
		},
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for another agent's client, got %v", err)
	}
}

func TestTransitionHappyPathUpdatesAggregates(t *testing.T) {
	lc, repo, _ := newTestLifecycle()
	ctx := context.Background()

	bill, err := lc.CreateBill(ctx, domain.BillCreateRequest{
		AgentID:  "agent-demo",
		ClientID: "client-ana",
		Items: []domain.BillItemInput{
			{ServiceID: "svc-ig-likes", Quantity: 2},
		},
	})
	if err != nil {
		t.Fatalf("create bill: %v", err)
	}

	for _, status := range []string{domain.BillStatusConfirmed, domain.BillStatusProcessing, domain.BillStatusCompleted} {
		bill, err = lc.Transition(ctx, bill.ID, status)
		if err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
		if bill.Status != status {
			t.Fatalf("expected status %s, got %s", status, bill.Status)
		}
	}
	if bill.ConfirmedAt == nil || bill.StartedAt == nil || bill.CompletedAt == nil {
		t.Fatalf("expected all transition timestamps set")
	}

	client, err := repo.GetClientByID(ctx, "client-ana")
	if err != nil {
		t.Fatalf("get client: %v", err)
	}
	if client.TotalOrders != 1 {
		t.Fatalf("expected 1 completed order on client, got %d", client.TotalOrders)
	}
	if client.TotalSpentCents != bill.TotalAmountCents {
		t.Fatalf("expected spend %d, got %d", bill.TotalAmountCents, client.TotalSpentCents)
	}
	if client.LastOrderAt == nil {
		t.Fatalf("expected last order timestamp set")
	}

	svc, err := repo.GetStoreServiceByID(ctx, "svc-ig-likes")
	if err != nil {
		t.Fatalf("get service: %v", err)
	}
	if svc.TotalOrders != 1 || svc.TotalSold != 2 {
		t.Fatalf("expected service stats orders=1 sold=2, got orders=%d sold=%d", svc.TotalOrders, svc.TotalSold)
	}
}

func TestTransitionRejectsIllegalMoves(t *testing.T) {
	lc, repo, _ := newTestLifecycle()
	ctx := context.Background()

	bill, err := lc.CreateBill(ctx, domain.BillCreateRequest{
		AgentID:  "agent-demo",
		ClientID: "client-ana",
		Items: []domain.BillItemInput{
			{ServiceID: "svc-ig-likes", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("create bill: %v", err)
	}

	for _, illegal := range []string{domain.BillStatusProcessing, domain.BillStatusCompleted, "shipped"} {
		if _, err := lc.Transition(ctx, bill.ID, illegal); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected invalid transition for pending -> %s, got %v", illegal, err)
		}
	}

	stored, _ := repo.GetBillByID(ctx, bill.ID)
	if stored.Status != domain.BillStatusPending {
		t.Fatalf("expected bill untouched after rejected transitions, status %s", stored.Status)
	}
}

func TestTerminalStatusesAreFinal(t *testing.T) {
	lc, _, _ := newTestLifecycle()
	ctx := context.Background()

	bill, err := lc.CreateBill(ctx, domain.BillCreateRequest{
		AgentID:  "agent-demo",
		ClientID: "client-ana",
		Items: []domain.BillItemInput{
			{ServiceID: "svc-ig-likes", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("create bill: %v", err)
	}
	if _, err := lc.Transition(ctx, bill.ID, domain.BillStatusCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := lc.Transition(ctx, bill.ID, domain.BillStatusConfirmed); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected cancelled to be terminal, got %v", err)
	}
}

func TestCancellationReleasesReservations(t *testing.T) {
	lc, repo, _ := newTestLifecycle()
	ctx := context.Background()
	coupon := seedTestCoupon(t, repo, nil)
	now := time.Now().UTC()
	sale, err := repo.CreateFlashSale(ctx, domain.FlashSale{
		AgentID:       "agent-demo",
		ServiceID:     "svc-tt-views",
		ServiceName:   "TikTok Views 10k",
		OriginalCents: 19000,
		SaleCents:     15000,
		TotalQuantity: 10,
		StartAt:       now.Add(-time.Hour),
		EndAt:         now.Add(time.Hour),
		IsActive:      true,
	})
	if err != nil {
		t.Fatalf("seed flash sale: %v", err)
	}

	bill, err := lc.CreateBill(ctx, domain.BillCreateRequest{
		AgentID:    "agent-demo",
		ClientID:   "client-budi",
		CouponCode: "PROMO10",
		Items: []domain.BillItemInput{
			{ServiceID: "svc-tt-views", Quantity: 2},
		},
	})
	if err != nil {
		t.Fatalf("create bill: %v", err)
	}

	if _, err := lc.Transition(ctx, bill.ID, domain.BillStatusCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	storedCoupon, _ := repo.GetCouponByID(ctx, coupon.ID)
	if storedCoupon.UsageCount != 0 {
		t.Fatalf("expected coupon usage restored, got %d", storedCoupon.UsageCount)
	}
	storedSale, _ := repo.GetFlashSaleByID(ctx, sale.ID)
	if storedSale.SoldQuantity != 0 {
		t.Fatalf("expected stock restored, got %d", storedSale.SoldQuantity)
	}

	client, _ := repo.GetClientByID(ctx, "client-budi")
	if client.TotalOrders != 0 || client.TotalSpentCents != 0 {
		t.Fatalf("expected client aggregates untouched by cancellation, got orders=%d spend=%d",
			client.TotalOrders, client.TotalSpentCents)
	}
}

func TestCompletionCommitsReservationsPermanently(t *testing.T) {
	lc, repo, quota := newTestLifecycle()
	ctx := context.Background()
	coupon := seedTestCoupon(t, repo, nil)

	bill, err := lc.CreateBill(ctx, domain.BillCreateRequest{
		AgentID:    "agent-demo",
		ClientID:   "client-ana",
		CouponCode: "PROMO10",
		Items: []domain.BillItemInput{
			{ServiceID: "svc-ig-likes", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("create bill: %v", err)
	}

	for _, status := range []string{domain.BillStatusConfirmed, domain.BillStatusProcessing, domain.BillStatusCompleted} {
		if _, err := lc.Transition(ctx, bill.ID, status); err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}

	// A late release must not give the committed redemption back.
	if err := quota.ReleaseBill(ctx, bill.ID); err != nil {
		t.Fatalf("release bill: %v", err)
	}
	stored, _ := repo.GetCouponByID(ctx, coupon.ID)
	if stored.UsageCount != 1 {
		t.Fatalf("expected committed usage to persist, got %d", stored.UsageCount)
	}
}

func TestPerUserLimitCountsPriorBills(t *testing.T) {
	lc, repo, _ := newTestLifecycle()
	ctx := context.Background()
	seedTestCoupon(t, repo, func(c *domain.Coupon) {
		c.UsageLimitPerUser = 1
	})

	first, err := lc.CreateBill(ctx, domain.BillCreateRequest{
		AgentID:    "agent-demo",
		ClientID:   "client-ana",
		CouponCode: "PROMO10",
		Items: []domain.BillItemInput{
			{ServiceID: "svc-ig-likes", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("first bill: %v", err)
	}

	_, err = lc.CreateBill(ctx, domain.BillCreateRequest{
		AgentID:    "agent-demo",
		ClientID:   "client-ana",
		CouponCode: "PROMO10",
		Items: []domain.BillItemInput{
			{ServiceID: "svc-ig-likes", Quantity: 1},
		},
	})
	var rej *promo.RejectionError
	if !errors.As(err, &rej) || rej.Reason != promo.ReasonPerUserLimitReached {
		t.Fatalf("expected per-user limit rejection, got %v", err)
	}

	// Cancelling the first bill frees the slot for the same client.
	if _, err := lc.Transition(ctx, first.ID, domain.BillStatusCancelled); err != nil {
		t.Fatalf("cancel first bill: %v", err)
	}
	if _, err := lc.CreateBill(ctx, domain.BillCreateRequest{
		AgentID:    "agent-demo",
		ClientID:   "client-ana",
		CouponCode: "PROMO10",
		Items: []domain.BillItemInput{
			{ServiceID: "svc-ig-likes", Quantity: 1},
		},
	}); err != nil {
		t.Fatalf("expected redemption after cancellation, got %v", err)
	}
}
