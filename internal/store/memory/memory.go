package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"meelike/backend/internal/domain"
	"meelike/backend/internal/idgen"
	"meelike/backend/internal/store"
)

type Store struct {
	mu             sync.RWMutex
	servicesByID   map[string]domain.StoreService
	couponsByID    map[string]domain.Coupon
	flashSalesByID map[string]domain.FlashSale
	clientsByID    map[string]domain.AgentClient
	billsByID      map[string]domain.Bill
	auditLogs      []domain.AuditLog
	usersByName    map[string]domain.UserAccount

	// lockMu guards locks; each entry serializes atomic updates for one
	// record id so reservations on different promotions proceed
	// independently.
	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func New() *Store {
	return &Store{
		servicesByID:   make(map[string]domain.StoreService),
		couponsByID:    make(map[string]domain.Coupon),
		flashSalesByID: make(map[string]domain.FlashSale),
		clientsByID:    make(map[string]domain.AgentClient),
		billsByID:      make(map[string]domain.Bill),
		auditLogs:      make([]domain.AuditLog, 0, 128),
		usersByName:    make(map[string]domain.UserAccount),
		locks:          make(map[string]*sync.Mutex),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_AGENT_PASSWORD and SEED_ADMIN_PASSWORD; if
// unset, hardcoded dev defaults are used with a warning. Production
// deployments use PostgreSQL (DATABASE_URL) and never hit this path.
func seedUsers() map[string]domain.UserAccount {
	agentPwd := envOr("SEED_AGENT_PASSWORD", "agent123")
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	if os.Getenv("SEED_AGENT_PASSWORD") == "" || os.Getenv("SEED_ADMIN_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_AGENT_PASSWORD and SEED_ADMIN_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"agent-demo", agentPwd, "agent"},
		{"admin", adminPwd, "admin"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	services := []domain.StoreService{
		{ID: "svc-ig-followers", AgentID: "agent-demo", ServiceID: "cat-1021", Name: "Instagram Followers 1k", BaseCostCents: 45000, SalePriceCents: 69000, MinQuantity: 1, MaxQuantity: 50, IsActive: true, CreatedAt: now},
		{ID: "svc-ig-likes", AgentID: "agent-demo", ServiceID: "cat-1022", Name: "Instagram Likes 1k", BaseCostCents: 12000, SalePriceCents: 25000, MinQuantity: 1, MaxQuantity: 100, IsActive: true, CreatedAt: now},
		{ID: "svc-tt-views", AgentID: "agent-demo", ServiceID: "cat-2040", Name: "TikTok Views 10k", BaseCostCents: 8000, SalePriceCents: 19000, MinQuantity: 1, MaxQuantity: 200, IsActive: true, CreatedAt: now},
		{ID: "svc-yt-subs", AgentID: "agent-demo", ServiceID: "cat-3310", Name: "YouTube Subscribers 500", BaseCostCents: 90000, SalePriceCents: 135000, MinQuantity: 1, MaxQuantity: 20, IsActive: true, CreatedAt: now},
	}
	for _, svc := range services {
		s.servicesByID[svc.ID] = svc
	}

	clients := []domain.AgentClient{
		{ID: "client-ana", AgentID: "agent-demo", Name: "Ana Wijaya", Phone: "0812000111", Tags: []string{"instagram"}, Segment: domain.SegmentNew, CreatedAt: now},
		{ID: "client-budi", AgentID: "agent-demo", Name: "Budi Santoso", Email: "budi@example.com", Segment: domain.SegmentNew, CreatedAt: now},
	}
	for _, c := range clients {
		s.clientsByID[c.ID] = c
	}

	s.usersByName = seedUsers()
	return s
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	mu, ok := s.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[id] = mu
	}
	return mu
}

func (s *Store) CreateStoreService(_ context.Context, svc domain.StoreService) (*domain.StoreService, error) {
	if svc.AgentID == "" || svc.Name == "" || svc.SalePriceCents < 1 || svc.BaseCostCents < 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if svc.ID == "" {
		svc.ID = idgen.New("svc")
	}
	if _, exists := s.servicesByID[svc.ID]; exists {
		return nil, store.ErrDuplicate
	}
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = time.Now().UTC()
	}
	svc.IsActive = true
	s.servicesByID[svc.ID] = svc
	created := svc
	return &created, nil
}

func (s *Store) GetStoreServiceByID(_ context.Context, id string) (*domain.StoreService, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	svc, exists := s.servicesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	out := svc
	return &out, nil
}

func (s *Store) ListStoreServices(_ context.Context, agentID string) ([]domain.StoreService, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	services := make([]domain.StoreService, 0, len(s.servicesByID))
	for _, svc := range s.servicesByID {
		if svc.AgentID == agentID {
			services = append(services, svc)
		}
	}
	slices.SortFunc(services, func(a, b domain.StoreService) int {
		return strings.Compare(a.Name, b.Name)
	})
	return services, nil
}

func (s *Store) UpdateStoreService(_ context.Context, svc domain.StoreService) (*domain.StoreService, error) {
	if svc.ID == "" || svc.Name == "" || svc.SalePriceCents < 1 {
		return nil, store.ErrInvalidInput
	}

	// Same per-id lock as AtomicUpdateStoreService, so a catalog edit
	// cannot interleave with a counter increment.
	mu := s.lockFor("svc:" + svc.ID)
	mu.Lock()
	defer mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.servicesByID[svc.ID]
	if !exists {
		return nil, store.ErrNotFound
	}

	// Merge only the editable fields; the sold/order/revenue counters
	// belong to the aggregate updater and are never written here.
	current.Name = svc.Name
	current.BaseCostCents = svc.BaseCostCents
	current.SalePriceCents = svc.SalePriceCents
	current.MinQuantity = svc.MinQuantity
	current.MaxQuantity = svc.MaxQuantity
	current.IsActive = svc.IsActive
	s.servicesByID[svc.ID] = current
	updated := current
	return &updated, nil
}

func (s *Store) AtomicUpdateStoreService(_ context.Context, id string, fn func(*domain.StoreService) error) (*domain.StoreService, error) {
	mu := s.lockFor("svc:" + id)
	mu.Lock()
	defer mu.Unlock()

	s.mu.RLock()
	svc, exists := s.servicesByID[id]
	s.mu.RUnlock()
	if !exists {
		return nil, store.ErrNotFound
	}

	if err := fn(&svc); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.servicesByID[id] = svc
	s.mu.Unlock()
	out := svc
	return &out, nil
}

func (s *Store) CreateCoupon(_ context.Context, coupon domain.Coupon) (*domain.Coupon, error) {
	if coupon.AgentID == "" || coupon.Code == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	code := strings.ToUpper(coupon.Code)
	for _, existing := range s.couponsByID {
		if existing.AgentID == coupon.AgentID && strings.EqualFold(existing.Code, code) {
			return nil, store.ErrDuplicate
		}
	}

	if coupon.ID == "" {
		coupon.ID = idgen.New("coupon")
	}
	coupon.Code = code
	if coupon.CreatedAt.IsZero() {
		coupon.CreatedAt = time.Now().UTC()
	}
	s.couponsByID[coupon.ID] = coupon
	created := coupon
	return &created, nil
}

func (s *Store) GetCouponByID(_ context.Context, id string) (*domain.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coupon, exists := s.couponsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	out := coupon
	return &out, nil
}

func (s *Store) GetCouponByCode(_ context.Context, agentID string, code string) (*domain.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, coupon := range s.couponsByID {
		if coupon.AgentID == agentID && strings.EqualFold(coupon.Code, code) {
			out := coupon
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListCoupons(_ context.Context, agentID string) ([]domain.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coupons := make([]domain.Coupon, 0, len(s.couponsByID))
	for _, coupon := range s.couponsByID {
		if coupon.AgentID == agentID {
			coupons = append(coupons, coupon)
		}
	}
	slices.SortFunc(coupons, func(a, b domain.Coupon) int {
		return strings.Compare(a.Code, b.Code)
	})
	return coupons, nil
}

func (s *Store) SetCouponActive(_ context.Context, id string, active bool) (*domain.Coupon, error) {
	mu := s.lockFor("coupon:" + id)
	mu.Lock()
	defer mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	coupon, exists := s.couponsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	coupon.IsActive = active
	s.couponsByID[id] = coupon
	out := coupon
	return &out, nil
}

func (s *Store) AtomicUpdateCoupon(_ context.Context, id string, fn func(*domain.Coupon) error) (*domain.Coupon, error) {
	mu := s.lockFor("coupon:" + id)
	mu.Lock()
	defer mu.Unlock()

	s.mu.RLock()
	coupon, exists := s.couponsByID[id]
	s.mu.RUnlock()
	if !exists {
		return nil, store.ErrNotFound
	}

	if err := fn(&coupon); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.couponsByID[id] = coupon
	s.mu.Unlock()
	out := coupon
	return &out, nil
}

func (s *Store) CreateFlashSale(_ context.Context, sale domain.FlashSale) (*domain.FlashSale, error) {
	if sale.AgentID == "" || sale.ServiceID == "" || sale.TotalQuantity < 1 {
		return nil, store.ErrInvalidInput
	}
	if sale.SaleCents < 0 || sale.SaleCents >= sale.OriginalCents {
		return nil, store.ErrInvalidInput
	}
	if !sale.EndAt.After(sale.StartAt) {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.ID == "" {
		sale.ID = idgen.New("flash")
	}
	if _, exists := s.flashSalesByID[sale.ID]; exists {
		return nil, store.ErrDuplicate
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.IsActive = true
	s.flashSalesByID[sale.ID] = sale
	created := sale
	return &created, nil
}

func (s *Store) GetFlashSaleByID(_ context.Context, id string) (*domain.FlashSale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, exists := s.flashSalesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	out := sale
	return &out, nil
}

// GetFlashSaleByService returns the newest flash sale for the service that
// is live right now, falling back to the newest overall so a draft or
// finished sale never shadows a running one.
func (s *Store) GetFlashSaleByService(_ context.Context, agentID string, serviceID string) (*domain.FlashSale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	var best *domain.FlashSale
	for _, sale := range s.flashSalesByID {
		if sale.AgentID != agentID || sale.ServiceID != serviceID {
			continue
		}
		sale := sale
		if best == nil || preferFlashSale(sale, *best, now) {
			best = &sale
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best, nil
}

// preferFlashSale ranks a live sale above any non-live one; within the same
// tier the newest wins.
func preferFlashSale(candidate, current domain.FlashSale, now time.Time) bool {
	liveCandidate, liveCurrent := candidate.ActiveAt(now), current.ActiveAt(now)
	if liveCandidate != liveCurrent {
		return liveCandidate
	}
	return candidate.CreatedAt.After(current.CreatedAt)
}

func (s *Store) ListFlashSales(_ context.Context, agentID string) ([]domain.FlashSale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.FlashSale, 0, len(s.flashSalesByID))
	for _, sale := range s.flashSalesByID {
		if sale.AgentID == agentID {
			sales = append(sales, sale)
		}
	}
	slices.SortFunc(sales, func(a, b domain.FlashSale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(a.ID, b.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return sales, nil
}

func (s *Store) SetFlashSaleActive(_ context.Context, id string, active bool) (*domain.FlashSale, error) {
	mu := s.lockFor("flash:" + id)
	mu.Lock()
	defer mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	sale, exists := s.flashSalesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	sale.IsActive = active
	s.flashSalesByID[id] = sale
	out := sale
	return &out, nil
}

func (s *Store) AtomicUpdateFlashSale(_ context.Context, id string, fn func(*domain.FlashSale) error) (*domain.FlashSale, error) {
	mu := s.lockFor("flash:" + id)
	mu.Lock()
	defer mu.Unlock()

	s.mu.RLock()
	sale, exists := s.flashSalesByID[id]
	s.mu.RUnlock()
	if !exists {
		return nil, store.ErrNotFound
	}

	if err := fn(&sale); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.flashSalesByID[id] = sale
	s.mu.Unlock()
	out := sale
	return &out, nil
}

func (s *Store) CreateClient(_ context.Context, client domain.AgentClient) (*domain.AgentClient, error) {
	if client.AgentID == "" || client.Name == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if client.ID == "" {
		client.ID = idgen.New("client")
	}
	if _, exists := s.clientsByID[client.ID]; exists {
		return nil, store.ErrDuplicate
	}
	if client.CreatedAt.IsZero() {
		client.CreatedAt = time.Now().UTC()
	}
	if client.Segment == "" {
		client.Segment = domain.SegmentNew
	}
	s.clientsByID[client.ID] = client
	created := client
	return &created, nil
}

func (s *Store) GetClientByID(_ context.Context, id string) (*domain.AgentClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, exists := s.clientsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	out := client
	return &out, nil
}

func (s *Store) ListClients(_ context.Context, agentID string) ([]domain.AgentClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]domain.AgentClient, 0, len(s.clientsByID))
	for _, client := range s.clientsByID {
		if client.AgentID == agentID {
			clients = append(clients, client)
		}
	}
	slices.SortFunc(clients, func(a, b domain.AgentClient) int {
		return strings.Compare(a.Name, b.Name)
	})
	return clients, nil
}

func (s *Store) AtomicUpdateClient(_ context.Context, id string, fn func(*domain.AgentClient) error) (*domain.AgentClient, error) {
	mu := s.lockFor("client:" + id)
	mu.Lock()
	defer mu.Unlock()

	s.mu.RLock()
	client, exists := s.clientsByID[id]
	s.mu.RUnlock()
	if !exists {
		return nil, store.ErrNotFound
	}

	if err := fn(&client); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.clientsByID[id] = client
	s.mu.Unlock()
	out := client
	return &out, nil
}

func (s *Store) CreateBill(_ context.Context, bill domain.Bill) (*domain.Bill, error) {
	if bill.ID == "" || bill.AgentID == "" || bill.ClientID == "" || len(bill.Items) == 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.billsByID[bill.ID]; exists {
		return nil, store.ErrDuplicate
	}
	if bill.CreatedAt.IsZero() {
		bill.CreatedAt = time.Now().UTC()
	}
	s.billsByID[bill.ID] = bill
	created := bill
	return &created, nil
}

func (s *Store) GetBillByID(_ context.Context, id string) (*domain.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bill, exists := s.billsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	out := bill
	return &out, nil
}

func (s *Store) ListBills(_ context.Context, agentID string, status string, limit int) ([]domain.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bills := make([]domain.Bill, 0, 64)
	for _, bill := range s.billsByID {
		if bill.AgentID != agentID {
			continue
		}
		if status != "" && bill.Status != status {
			continue
		}
		bills = append(bills, bill)
	}
	slices.SortFunc(bills, func(a, b domain.Bill) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(bills) > limit {
		bills = bills[:limit]
	}
	return bills, nil
}

func (s *Store) AtomicUpdateBill(_ context.Context, id string, fn func(*domain.Bill) error) (*domain.Bill, error) {
	mu := s.lockFor("bill:" + id)
	mu.Lock()
	defer mu.Unlock()

	s.mu.RLock()
	bill, exists := s.billsByID[id]
	s.mu.RUnlock()
	if !exists {
		return nil, store.ErrNotFound
	}

	if err := fn(&bill); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.billsByID[id] = bill
	s.mu.Unlock()
	out := bill
	return &out, nil
}

// CountCouponRedemptions counts the client's non-cancelled bills that
// redeemed the coupon. Cancelled bills returned their reservation, so they
// do not count against per-user limits.
func (s *Store) CountCouponRedemptions(_ context.Context, couponID string, clientID string) (int, error) {
	s.mu.RLock()
	coupon, exists := s.couponsByID[couponID]
	s.mu.RUnlock()
	if !exists {
		return 0, store.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, bill := range s.billsByID {
		if bill.ClientID != clientID || bill.Status == domain.BillStatusCancelled {
			continue
		}
		if strings.EqualFold(bill.CouponCode, coupon.Code) && bill.AgentID == coupon.AgentID {
			count++
		}
	}
	return count, nil
}

func (s *Store) GetBillSummary(_ context.Context, agentID string) (domain.BillSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := domain.BillSummary{
		AgentID:  agentID,
		ByStatus: make(map[string]domain.BillStatusSummary),
	}
	for _, bill := range s.billsByID {
		if bill.AgentID != agentID {
			continue
		}
		summary.TotalBills++
		entry := summary.ByStatus[bill.Status]
		entry.Count++
		entry.RevenueCents += bill.TotalAmountCents
		summary.ByStatus[bill.Status] = entry
		if bill.Status == domain.BillStatusCompleted {
			summary.TotalRevenueCents += bill.TotalAmountCents
			summary.TotalProfitCents += bill.TotalProfitCents
		}
	}
	return summary, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = idgen.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, agentID string, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, len(s.auditLogs))
	for _, entry := range s.auditLogs {
		if agentID == "" || entry.AgentID == agentID {
			logs = append(logs, entry)
		}
	}
	slices.Reverse(logs)
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByName[user.Username]; exists {
		return store.ErrDuplicate
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByName[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByName))
	for _, user := range s.usersByName {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByName[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByName[username] = user
	return nil
}
