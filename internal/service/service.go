package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"meelike/backend/internal/aggregate"
	"meelike/backend/internal/billing"
	"meelike/backend/internal/cache"
	"meelike/backend/internal/domain"
	"meelike/backend/internal/idgen"
	"meelike/backend/internal/promo"
	"meelike/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo           store.Repository
	billing        *billing.Lifecycle
	agg            *aggregate.Updater
	summaries      cache.SummaryCache
	summaryTTL     time.Duration
	defaultAgentID string
}

func New(repo store.Repository, lifecycle *billing.Lifecycle, agg *aggregate.Updater, summaries cache.SummaryCache, summaryTTL time.Duration, defaultAgentID string) *Service {
	if summaries == nil {
		summaries = cache.NoopSummaryCache{}
	}
	if summaryTTL < 1 {
		summaryTTL = 30 * time.Second
	}
	if defaultAgentID == "" {
		defaultAgentID = "agent-demo"
	}

	return &Service{
		repo:           repo,
		billing:        lifecycle,
		agg:            agg,
		summaries:      summaries,
		summaryTTL:     summaryTTL,
		defaultAgentID: defaultAgentID,
	}
}

func (s *Service) ListStoreServices(ctx context.Context, agentID string) ([]domain.StoreService, error) {
	return s.repo.ListStoreServices(ctx, s.agentOrDefault(agentID))
}

func (s *Service) CreateStoreService(ctx context.Context, req domain.StoreServiceCreateRequest) (domain.StoreService, error) {
	if err := requireActor(ctx); err != nil {
		return domain.StoreService{}, err
	}

	req.AgentID = s.agentOrDefault(req.AgentID)
	req.Name = strings.TrimSpace(req.Name)
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	if req.Name == "" || req.SalePriceCents < 1 || req.BaseCostCents < 0 {
		return domain.StoreService{}, store.ErrInvalidInput
	}
	if req.MinQuantity < 0 || (req.MaxQuantity > 0 && req.MaxQuantity < req.MinQuantity) {
		return domain.StoreService{}, store.ErrInvalidInput
	}

	created, err := s.repo.CreateStoreService(ctx, domain.StoreService{
		AgentID:        req.AgentID,
		ServiceID:      req.ServiceID,
		Name:           req.Name,
		BaseCostCents:  req.BaseCostCents,
		SalePriceCents: req.SalePriceCents,
		MinQuantity:    req.MinQuantity,
		MaxQuantity:    req.MaxQuantity,
	})
	if err != nil {
		return domain.StoreService{}, err
	}

	s.logAudit(ctx, created.AgentID, "service_create", "store_service", created.ID, fmt.Sprintf("name=%s,price=%d", created.Name, created.SalePriceCents))
	return *created, nil
}

func (s *Service) UpdateStoreService(ctx context.Context, id string, req domain.StoreServiceUpdateRequest) (domain.StoreService, error) {
	if err := requireActor(ctx); err != nil {
		return domain.StoreService{}, err
	}

	svc, err := s.repo.GetStoreServiceByID(ctx, id)
	if err != nil {
		return domain.StoreService{}, err
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.StoreService{}, store.ErrInvalidInput
		}
		svc.Name = name
	}
	if req.BaseCostCents != nil {
		if *req.BaseCostCents < 0 {
			return domain.StoreService{}, store.ErrInvalidInput
		}
		svc.BaseCostCents = *req.BaseCostCents
	}
	if req.SalePriceCents != nil {
		if *req.SalePriceCents < 1 {
			return domain.StoreService{}, store.ErrInvalidInput
		}
		svc.SalePriceCents = *req.SalePriceCents
	}
	if req.MinQuantity != nil {
		svc.MinQuantity = *req.MinQuantity
	}
	if req.MaxQuantity != nil {
		svc.MaxQuantity = *req.MaxQuantity
	}
	if svc.MinQuantity < 0 || (svc.MaxQuantity > 0 && svc.MaxQuantity < svc.MinQuantity) {
		return domain.StoreService{}, store.ErrInvalidInput
	}
	if req.IsActive != nil {
		svc.IsActive = *req.IsActive
	}

	saved, err := s.repo.UpdateStoreService(ctx, *svc)
	if err != nil {
		return domain.StoreService{}, err
	}

	s.logAudit(ctx, saved.AgentID, "service_update", "store_service", saved.ID, fmt.Sprintf("active=%t,price=%d", saved.IsActive, saved.SalePriceCents))
	return *saved, nil
}

func (s *Service) CreateCoupon(ctx context.Context, req domain.CouponCreateRequest) (domain.CouponView, error) {
	if err := requireActor(ctx); err != nil {
		return domain.CouponView{}, err
	}

	req.AgentID = s.agentOrDefault(req.AgentID)
	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	if req.Code == "" {
		return domain.CouponView{}, store.ErrInvalidInput
	}
	if req.Type != domain.CouponTypePercentage && req.Type != domain.CouponTypeFixed {
		return domain.CouponView{}, store.ErrInvalidInput
	}
	if req.Value <= 0 {
		return domain.CouponView{}, store.ErrInvalidInput
	}
	if req.Type == domain.CouponTypePercentage && req.Value > 100 {
		return domain.CouponView{}, store.ErrInvalidInput
	}
	if req.MaxDiscountCents < 0 || req.MinPurchaseCents < 0 || req.UsageLimit < 0 || req.UsageLimitPerUser < 0 {
		return domain.CouponView{}, store.ErrInvalidInput
	}

	validFrom, err := parseTime(req.ValidFrom)
	if err != nil {
		return domain.CouponView{}, fmt.Errorf("valid_from: %w", store.ErrInvalidInput)
	}
	validUntil, err := parseTime(req.ValidUntil)
	if err != nil {
		return domain.CouponView{}, fmt.Errorf("valid_until: %w", store.ErrInvalidInput)
	}
	if !validUntil.After(validFrom) {
		return domain.CouponView{}, store.ErrInvalidInput
	}

	created, err := s.repo.CreateCoupon(ctx, domain.Coupon{
		AgentID:            req.AgentID,
		Code:               req.Code,
		Type:               req.Type,
		Value:              req.Value,
		MaxDiscountCents:   req.MaxDiscountCents,
		MinPurchaseCents:   req.MinPurchaseCents,
		UsageLimit:         req.UsageLimit,
		UsageLimitPerUser:  req.UsageLimitPerUser,
		ValidFrom:          validFrom,
		ValidUntil:         validUntil,
		IsActive:           true,
		ApplicableServices: req.ApplicableServices,
	})
	if err != nil {
		return domain.CouponView{}, err
	}

	s.logAudit(ctx, created.AgentID, "coupon_create", "coupon", created.ID, fmt.Sprintf("code=%s,type=%s,value=%.2f", created.Code, created.Type, created.Value))
	return couponView(*created, time.Now().UTC()), nil
}

func (s *Service) ListCoupons(ctx context.Context, agentID string) ([]domain.CouponView, error) {
	coupons, err := s.repo.ListCoupons(ctx, s.agentOrDefault(agentID))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	views := make([]domain.CouponView, 0, len(coupons))
	for _, coupon := range coupons {
		views = append(views, couponView(coupon, now))
	}
	return views, nil
}

func (s *Service) SetCouponActive(ctx context.Context, id string, active bool) (domain.CouponView, error) {
	if err := requireActor(ctx); err != nil {
		return domain.CouponView{}, err
	}

	coupon, err := s.repo.SetCouponActive(ctx, id, active)
	if err != nil {
		return domain.CouponView{}, err
	}

	s.logAudit(ctx, coupon.AgentID, "coupon_toggle", "coupon", coupon.ID, fmt.Sprintf("active=%t", active))
	return couponView(*coupon, time.Now().UTC()), nil
}

func (s *Service) CreateFlashSale(ctx context.Context, req domain.FlashSaleCreateRequest) (domain.FlashSaleView, error) {
	if err := requireActor(ctx); err != nil {
		return domain.FlashSaleView{}, err
	}

	req.AgentID = s.agentOrDefault(req.AgentID)
	if req.ServiceID == "" || req.TotalQuantity < 1 {
		return domain.FlashSaleView{}, store.ErrInvalidInput
	}

	svc, err := s.repo.GetStoreServiceByID(ctx, req.ServiceID)
	if err != nil {
		return domain.FlashSaleView{}, fmt.Errorf("service %s: %w", req.ServiceID, err)
	}
	if svc.AgentID != req.AgentID || !svc.IsActive {
		return domain.FlashSaleView{}, store.ErrNotFound
	}
	if req.SaleCents < 0 || req.SaleCents >= svc.SalePriceCents {
		return domain.FlashSaleView{}, store.ErrInvalidInput
	}

	startAt, err := parseTime(req.StartAt)
	if err != nil {
		return domain.FlashSaleView{}, fmt.Errorf("start_at: %w", store.ErrInvalidInput)
	}
	endAt, err := parseTime(req.EndAt)
	if err != nil {
		return domain.FlashSaleView{}, fmt.Errorf("end_at: %w", store.ErrInvalidInput)
	}
	if !endAt.After(startAt) {
		return domain.FlashSaleView{}, store.ErrInvalidInput
	}

	created, err := s.repo.CreateFlashSale(ctx, domain.FlashSale{
		AgentID:       req.AgentID,
		ServiceID:     svc.ID,
		ServiceName:   svc.Name,
		OriginalCents: svc.SalePriceCents,
		SaleCents:     req.SaleCents,
		TotalQuantity: req.TotalQuantity,
		StartAt:       startAt,
		EndAt:         endAt,
	})
	if err != nil {
		return domain.FlashSaleView{}, err
	}

	s.logAudit(ctx, created.AgentID, "flash_sale_create", "flash_sale", created.ID, fmt.Sprintf("service=%s,qty=%d,sale=%d", created.ServiceID, created.TotalQuantity, created.SaleCents))
	return flashSaleView(*created, time.Now().UTC()), nil
}

func (s *Service) ListFlashSales(ctx context.Context, agentID string) ([]domain.FlashSaleView, error) {
	sales, err := s.repo.ListFlashSales(ctx, s.agentOrDefault(agentID))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	views := make([]domain.FlashSaleView, 0, len(sales))
	for _, sale := range sales {
		views = append(views, flashSaleView(sale, now))
	}
	return views, nil
}

func (s *Service) SetFlashSaleActive(ctx context.Context, id string, active bool) (domain.FlashSaleView, error) {
	if err := requireActor(ctx); err != nil {
		return domain.FlashSaleView{}, err
	}

	sale, err := s.repo.SetFlashSaleActive(ctx, id, active)
	if err != nil {
		return domain.FlashSaleView{}, err
	}

	s.logAudit(ctx, sale.AgentID, "flash_sale_toggle", "flash_sale", sale.ID, fmt.Sprintf("active=%t", active))
	return flashSaleView(*sale, time.Now().UTC()), nil
}

func (s *Service) CreateClient(ctx context.Context, req domain.ClientCreateRequest) (domain.AgentClient, error) {
	if err := requireActor(ctx); err != nil {
		return domain.AgentClient{}, err
	}

	req.AgentID = s.agentOrDefault(req.AgentID)
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.AgentClient{}, store.ErrInvalidInput
	}

	created, err := s.repo.CreateClient(ctx, domain.AgentClient{
		AgentID: req.AgentID,
		Name:    req.Name,
		Phone:   strings.TrimSpace(req.Phone),
		Email:   strings.TrimSpace(req.Email),
		Tags:    req.Tags,
		Segment: domain.SegmentNew,
	})
	if err != nil {
		return domain.AgentClient{}, err
	}

	s.logAudit(ctx, created.AgentID, "client_create", "client", created.ID, fmt.Sprintf("name=%s", created.Name))
	return *created, nil
}

func (s *Service) ListClients(ctx context.Context, agentID string) ([]domain.AgentClient, error) {
	return s.repo.ListClients(ctx, s.agentOrDefault(agentID))
}

// GetClientSegment reports the client's segment as of now. The stored
// segment is only refreshed when an order completes, so a client can have
// drifted into inactive since; the read recomputes rather than trusting
// the stored value.
func (s *Service) GetClientSegment(ctx context.Context, clientID string) (domain.ClientSegmentResponse, error) {
	client, err := s.repo.GetClientByID(ctx, clientID)
	if err != nil {
		return domain.ClientSegmentResponse{}, err
	}

	segment := aggregate.SegmentFor(client.TotalSpentCents, client.TotalOrders, client.LastOrderAt, time.Now().UTC(), s.agg.Thresholds())
	return domain.ClientSegmentResponse{
		ClientID:               client.ID,
		Segment:                segment,
		TotalSpentCents:        client.TotalSpentCents,
		TotalOrders:            client.TotalOrders,
		AverageOrderValueCents: client.AverageOrderValueCents(),
	}, nil
}

// PreviewDiscount prices the requested items and applies the coupon without
// reserving anything. A rejected coupon is not an error at this level: the
// preview reports the rejection reason with a zero discount so the UI can
// show it inline.
func (s *Service) PreviewDiscount(ctx context.Context, req domain.DiscountPreviewRequest) (domain.DiscountPreview, error) {
	req.AgentID = s.agentOrDefault(req.AgentID)
	if len(req.Items) == 0 {
		return domain.DiscountPreview{}, store.ErrInvalidInput
	}

	var subtotal int64
	serviceIDs := make([]string, 0, len(req.Items))
	for _, in := range req.Items {
		if in.ServiceID == "" || in.Quantity < 1 {
			return domain.DiscountPreview{}, store.ErrInvalidInput
		}
		svc, err := s.repo.GetStoreServiceByID(ctx, in.ServiceID)
		if err != nil {
			return domain.DiscountPreview{}, fmt.Errorf("service %s: %w", in.ServiceID, err)
		}
		if svc.AgentID != req.AgentID || !svc.IsActive {
			return domain.DiscountPreview{}, store.ErrNotFound
		}

		unitPrice := svc.SalePriceCents
		now := time.Now().UTC()
		sale, err := s.repo.GetFlashSaleByService(ctx, req.AgentID, in.ServiceID)
		if err == nil && sale.ActiveAt(now) && sale.RemainingQuantity() >= in.Quantity {
			unitPrice = sale.SaleCents
		}
		subtotal += unitPrice * int64(in.Quantity)
		serviceIDs = append(serviceIDs, svc.ID)
	}

	preview := domain.DiscountPreview{
		SubtotalCents:    subtotal,
		TotalAmountCents: subtotal,
	}
	if req.CouponCode == "" {
		return preview, nil
	}

	coupon, err := s.repo.GetCouponByCode(ctx, req.AgentID, req.CouponCode)
	if err != nil {
		return domain.DiscountPreview{}, fmt.Errorf("coupon %s: %w", req.CouponCode, err)
	}

	prior := 0
	if req.ClientID != "" {
		prior, err = s.repo.CountCouponRedemptions(ctx, coupon.ID, req.ClientID)
		if err != nil {
			return domain.DiscountPreview{}, err
		}
	}

	now := time.Now().UTC()
	if err := promo.ValidateCoupon(*coupon, promo.CouponContext{
		SubtotalCents:    subtotal,
		ServiceIDs:       serviceIDs,
		PriorRedemptions: prior,
	}, now); err != nil {
		var rejection *promo.RejectionError
		if errors.As(err, &rejection) {
			preview.CouponStatus = rejection.Reason
			return preview, nil
		}
		return domain.DiscountPreview{}, err
	}

	discount := promo.ComputeCouponDiscount(*coupon, subtotal)
	preview.DiscountCents = discount
	preview.TotalAmountCents = subtotal - discount
	preview.CouponStatus = domain.CouponStatusActive
	return preview, nil
}

func (s *Service) CreateBill(ctx context.Context, req domain.BillCreateRequest) (domain.Bill, error) {
	if err := requireActor(ctx); err != nil {
		return domain.Bill{}, err
	}

	req.AgentID = s.agentOrDefault(req.AgentID)
	req.CouponCode = strings.ToUpper(strings.TrimSpace(req.CouponCode))

	created, err := s.billing.CreateBill(ctx, req)
	if err != nil {
		return domain.Bill{}, err
	}

	s.invalidateSummary(ctx, created.AgentID)
	s.logAudit(ctx, created.AgentID, "bill_create", "bill", created.ID, fmt.Sprintf("number=%s,total=%d,coupon=%s", created.BillNumber, created.TotalAmountCents, created.CouponCode))
	return *created, nil
}

func (s *Service) TransitionBill(ctx context.Context, billID string, newStatus string) (domain.Bill, error) {
	if err := requireActor(ctx); err != nil {
		return domain.Bill{}, err
	}

	updated, err := s.billing.Transition(ctx, billID, newStatus)
	if err != nil {
		return domain.Bill{}, err
	}

	s.invalidateSummary(ctx, updated.AgentID)
	s.logAudit(ctx, updated.AgentID, "bill_transition", "bill", updated.ID, fmt.Sprintf("status=%s", newStatus))
	return *updated, nil
}

func (s *Service) GetBill(ctx context.Context, billID string) (domain.Bill, error) {
	bill, err := s.repo.GetBillByID(ctx, billID)
	if err != nil {
		return domain.Bill{}, err
	}
	return *bill, nil
}

func (s *Service) ListBills(ctx context.Context, agentID string, status string, limit int) ([]domain.Bill, error) {
	if status != "" && !billing.IsValidStatus(status) {
		return nil, store.ErrInvalidInput
	}
	return s.repo.ListBills(ctx, s.agentOrDefault(agentID), status, limit)
}

func (s *Service) GetBillSummary(ctx context.Context, agentID string) (domain.BillSummary, error) {
	agentID = s.agentOrDefault(agentID)
	key := summaryKey(agentID)

	if cached, hit, err := s.summaries.Get(ctx, key); err == nil && hit {
		return *cached, nil
	} else if err != nil {
		log.Printf("[service] WARN: summary cache read failed agent=%s: %v", agentID, err)
	}

	summary, err := s.repo.GetBillSummary(ctx, agentID)
	if err != nil {
		return domain.BillSummary{}, err
	}
	summary.GeneratedAt = time.Now().UTC().Format(time.RFC3339)

	if err := s.summaries.Set(ctx, key, &summary, s.summaryTTL); err != nil {
		log.Printf("[service] WARN: summary cache write failed agent=%s: %v", agentID, err)
	}
	return summary, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, agentID string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, s.agentOrDefault(agentID), limit)
}

func (s *Service) invalidateSummary(ctx context.Context, agentID string) {
	if err := s.summaries.Delete(ctx, summaryKey(agentID)); err != nil {
		log.Printf("[service] WARN: summary cache invalidation failed agent=%s: %v", agentID, err)
	}
}

func (s *Service) logAudit(ctx context.Context, agentID string, action string, entityType string, entityID string, detail string) {
	if agentID == "" {
		agentID = s.defaultAgentID
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            idgen.New("audit"),
		AgentID:       agentID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func (s *Service) agentOrDefault(agentID string) string {
	if agentID == "" {
		return s.defaultAgentID
	}
	return agentID
}

func requireActor(ctx context.Context) error {
	if _, ok := ActorFromContext(ctx); !ok {
		return fmt.Errorf("authenticated actor required")
	}
	return nil
}

func couponView(coupon domain.Coupon, now time.Time) domain.CouponView {
	return domain.CouponView{Coupon: coupon, Status: coupon.StatusAt(now)}
}

func flashSaleView(sale domain.FlashSale, now time.Time) domain.FlashSaleView {
	return domain.FlashSaleView{
		FlashSale:         sale,
		RemainingQuantity: sale.RemainingQuantity(),
		DiscountPercent:   sale.DiscountPercent(),
		Active:            sale.ActiveAt(now),
	}
}

func summaryKey(agentID string) string {
	return "bill-summary:" + agentID
}

func parseTime(raw string) (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: expected RFC3339 timestamp: %v", store.ErrInvalidInput, err)
	}
	return parsed.UTC(), nil
}
