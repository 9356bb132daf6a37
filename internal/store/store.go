package store

import (
	"context"
	"errors"

	"meelike/backend/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrDuplicate    = errors.New("already exists")
)

// Repository is the persistence gateway the engine is written against.
// The AtomicUpdate* methods are the only primitives allowed to mutate
// contended counters: each executes fn as a single read-modify-write
// critical section scoped to the record id. If fn returns an error the
// record is left untouched and the error is returned verbatim.
type Repository interface {
	CreateStoreService(ctx context.Context, svc domain.StoreService) (*domain.StoreService, error)
	GetStoreServiceByID(ctx context.Context, id string) (*domain.StoreService, error)
	ListStoreServices(ctx context.Context, agentID string) ([]domain.StoreService, error)
	UpdateStoreService(ctx context.Context, svc domain.StoreService) (*domain.StoreService, error)
	AtomicUpdateStoreService(ctx context.Context, id string, fn func(*domain.StoreService) error) (*domain.StoreService, error)

	CreateCoupon(ctx context.Context, coupon domain.Coupon) (*domain.Coupon, error)
	GetCouponByID(ctx context.Context, id string) (*domain.Coupon, error)
	GetCouponByCode(ctx context.Context, agentID string, code string) (*domain.Coupon, error)
	ListCoupons(ctx context.Context, agentID string) ([]domain.Coupon, error)
	SetCouponActive(ctx context.Context, id string, active bool) (*domain.Coupon, error)
	AtomicUpdateCoupon(ctx context.Context, id string, fn func(*domain.Coupon) error) (*domain.Coupon, error)

	CreateFlashSale(ctx context.Context, sale domain.FlashSale) (*domain.FlashSale, error)
	GetFlashSaleByID(ctx context.Context, id string) (*domain.FlashSale, error)
	GetFlashSaleByService(ctx context.Context, agentID string, serviceID string) (*domain.FlashSale, error)
	ListFlashSales(ctx context.Context, agentID string) ([]domain.FlashSale, error)
	SetFlashSaleActive(ctx context.Context, id string, active bool) (*domain.FlashSale, error)
	AtomicUpdateFlashSale(ctx context.Context, id string, fn func(*domain.FlashSale) error) (*domain.FlashSale, error)

	CreateClient(ctx context.Context, client domain.AgentClient) (*domain.AgentClient, error)
	GetClientByID(ctx context.Context, id string) (*domain.AgentClient, error)
	ListClients(ctx context.Context, agentID string) ([]domain.AgentClient, error)
	AtomicUpdateClient(ctx context.Context, id string, fn func(*domain.AgentClient) error) (*domain.AgentClient, error)

	CreateBill(ctx context.Context, bill domain.Bill) (*domain.Bill, error)
	GetBillByID(ctx context.Context, id string) (*domain.Bill, error)
	ListBills(ctx context.Context, agentID string, status string, limit int) ([]domain.Bill, error)
	AtomicUpdateBill(ctx context.Context, id string, fn func(*domain.Bill) error) (*domain.Bill, error)
	CountCouponRedemptions(ctx context.Context, couponID string, clientID string) (int, error)
	GetBillSummary(ctx context.Context, agentID string) (domain.BillSummary, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, agentID string, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
