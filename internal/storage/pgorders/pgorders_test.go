package pgorders

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/DeliverySync/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type StorageSuite struct {
	suite.Suite
	container *postgres.PostgresContainer
	st        *Storage
	ctx       context.Context
}

func TestStorageSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	suite.Run(t, new(StorageSuite))
}

func (s *StorageSuite) SetupSuite() {
	s.ctx = context.Background()

	container, err := postgres.Run(s.ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("deliverysync_test"),
		postgres.WithUsername("admin"),
		postgres.WithPassword("admin"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	dsn, err := container.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)

	st, err := New(dsn)
	s.Require().NoError(err)
	s.st = st
}

func (s *StorageSuite) TearDownSuite() {
	if s.st != nil {
		s.st.Close()
	}
	if s.container != nil {
		s.Require().NoError(s.container.Terminate(context.Background()))
	}
}

func (s *StorageSuite) SetupTest() {
	_, err := s.st.db.Exec(s.ctx, `TRUNCATE accounts, stock_levels, sync_runs RESTART IDENTITY CASCADE`)
	s.Require().NoError(err)
}

func (s *StorageSuite) newAccount() uint64 {
	id, err := s.st.CreateAccount(s.ctx, &models.Account{Name: "shop", CourierToken: "tok"})
	s.Require().NoError(err)
	return id
}

// newOrder: item A 10,000 x2 and item B 5,000 x1, fee 3,000.
func (s *StorageSuite) newOrder(accountID uint64, tracking string) *models.Order {
	s.Require().NoError(s.st.AddStock(s.ctx, "A", "", 10))
	s.Require().NoError(s.st.AddStock(s.ctx, "B", "", 10))
	o := &models.Order{
		AccountID:      accountID,
		TrackingNumber: tracking,
		TotalAmount:    decimal.NewFromInt(28000),
		FinalAmount:    decimal.NewFromInt(28000),
		DeliveryFee:    decimal.NewFromInt(3000),
		Items: []*models.OrderItem{
			{ProductRef: "A", Quantity: 2, UnitPrice: decimal.NewFromInt(10000), UnitCost: decimal.NewFromInt(6000)},
			{ProductRef: "B", Quantity: 1, UnitPrice: decimal.NewFromInt(5000), UnitCost: decimal.NewFromInt(2000)},
		},
	}
	_, err := s.st.CreateOrder(s.ctx, o)
	s.Require().NoError(err)
	return o
}

func (s *StorageSuite) total(product string) models.StockLevel {
	lvl, err := s.st.GetStockLevel(s.ctx, product, "")
	s.Require().NoError(err)
	s.Equal(10, lvl.Available+lvl.Reserved+lvl.Sold, "stock conservation for %s", product)
	return lvl
}

func (s *StorageSuite) TestCursorIsMonotonic() {
	acc := s.newAccount()

	c, err := s.st.GetCursor(s.ctx, acc)
	s.Require().NoError(err)
	s.Nil(c.LastInvoiceDate)

	t1 := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	t0 := t1.Add(-24 * time.Hour)
	s.Require().NoError(s.st.SaveCursor(s.ctx, models.SyncCursor{AccountID: acc, LastInvoiceDate: &t1, LastSmartSyncAt: &t1}))
	s.Require().NoError(s.st.SaveCursor(s.ctx, models.SyncCursor{AccountID: acc, LastInvoiceDate: &t0}))

	c, err = s.st.GetCursor(s.ctx, acc)
	s.Require().NoError(err)
	s.Require().NotNil(c.LastInvoiceDate)
	s.True(t1.Equal(*c.LastInvoiceDate))
	s.Require().NotNil(c.LastSmartSyncAt)
	s.True(t1.Equal(*c.LastSmartSyncAt))
}

func (s *StorageSuite) TestUpsertInvoicesIsIdempotent() {
	acc := s.newAccount()
	created := time.Date(2025, 1, 5, 10, 0, 0, 0, time.UTC)
	batch := []models.Invoice{
		{ExternalID: "1", MerchantPrice: decimal.NewFromInt(25000), DeliveryPrice: decimal.NewFromInt(3000), RemoteCreatedAt: created},
		{ExternalID: "2", MerchantPrice: decimal.NewFromInt(1000), DeliveryPrice: decimal.Zero, RemoteCreatedAt: created},
	}

	n, err := s.st.UpsertInvoices(s.ctx, acc, batch)
	s.Require().NoError(err)
	s.Equal(2, n)
	first, err := s.st.InvoiceTotals(s.ctx, acc)
	s.Require().NoError(err)

	n, err = s.st.UpsertInvoices(s.ctx, acc, batch)
	s.Require().NoError(err)
	s.Zero(n, "replayed batch must not be counted again")
	second, err := s.st.InvoiceTotals(s.ctx, acc)
	s.Require().NoError(err)

	s.Equal(2, second.Count)
	s.Equal(first.Count, second.Count)
	s.True(first.MerchantPrice.Equal(second.MerchantPrice))
	s.True(decimal.NewFromInt(26000).Equal(second.MerchantPrice))
}

func (s *StorageSuite) TestUpsertInvoicesCountsOnlyChangedRows() {
	acc := s.newAccount()
	created := time.Date(2025, 1, 5, 10, 0, 0, 0, time.UTC)
	batch := []models.Invoice{
		{ExternalID: "1", MerchantPrice: decimal.NewFromInt(25000), DeliveryPrice: decimal.NewFromInt(3000), Status: "pending", RemoteCreatedAt: created},
		{ExternalID: "2", MerchantPrice: decimal.NewFromInt(1000), DeliveryPrice: decimal.Zero, Status: "pending", RemoteCreatedAt: created},
	}
	_, err := s.st.UpsertInvoices(s.ctx, acc, batch)
	s.Require().NoError(err)

	batch[1].Status = "paid"
	n, err := s.st.UpsertInvoices(s.ctx, acc, batch)
	s.Require().NoError(err)
	s.Equal(1, n)
}

func (s *StorageSuite) TestUpdateAccountTokenRestoresLogin() {
	past := time.Now().Add(-time.Hour).UTC()
	id, err := s.st.CreateAccount(s.ctx, &models.Account{Name: "shop", CourierToken: "old", TokenExpiresAt: &past})
	s.Require().NoError(err)

	acc, err := s.st.GetAccount(s.ctx, id)
	s.Require().NoError(err)
	s.False(acc.HasValidToken(time.Now()))

	future := time.Now().Add(24 * time.Hour).UTC()
	s.Require().NoError(s.st.UpdateAccountToken(s.ctx, id, "fresh", &future))

	acc, err = s.st.GetAccount(s.ctx, id)
	s.Require().NoError(err)
	s.Equal("fresh", acc.CourierToken)
	s.True(acc.HasValidToken(time.Now()))

	s.ErrorIs(s.st.UpdateAccountToken(s.ctx, id+100, "x", nil), ErrNotFound)
}

func (s *StorageSuite) TestSyncRunsAreAppended() {
	run := models.SyncRun{
		ID: "run-1", Mode: models.SyncModeSmart, AccountsProcessed: 2,
		NeedsLogin: []uint64{7},
		Errors:     []models.AccountError{{AccountID: 3, Error: "boom"}},
		StartedAt:  time.Now(), Duration: 1500 * time.Millisecond,
	}
	s.Require().NoError(s.st.InsertSyncRun(s.ctx, run))
	s.Require().Error(s.st.InsertSyncRun(s.ctx, run))

	runs, err := s.st.ListSyncRuns(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(runs, 1)
	s.Equal([]uint64{7}, runs[0].NeedsLogin)
	s.Equal("boom", runs[0].Errors[0].Error)
	s.Equal(1500*time.Millisecond, runs[0].Duration)
}

func (s *StorageSuite) TestCreateOrderReservesStock() {
	acc := s.newAccount()
	o := s.newOrder(acc, "TRK-1")

	got, err := s.st.GetOrder(s.ctx, o.ID)
	s.Require().NoError(err)
	s.Equal(models.OrderStatusPending, got.LocalStatus)
	s.Require().Len(got.Items, 2)
	s.Equal(int64(1), got.Version)

	a := s.total("A")
	s.Equal(2, a.Reserved)
	s.Equal(8, a.Available)

	_, err = s.st.GetOrder(s.ctx, 9999)
	s.ErrorIs(err, ErrNotFound)
}

func (s *StorageSuite) TestListTrackedOrders() {
	acc := s.newAccount()
	o1 := s.newOrder(acc, "TRK-1")
	o2 := s.newOrder(acc, "TRK-2")
	o3 := s.newOrder(acc, "TRK-3")

	s.Require().NoError(s.st.TouchChecked(s.ctx, o1.ID, time.Now()))
	_, err := s.st.db.Exec(s.ctx, `UPDATE orders SET local_status = 'delivered' WHERE id = $1`, o3.ID)
	s.Require().NoError(err)

	got, err := s.st.ListTrackedOrders(s.ctx, acc, 10)
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal(o2.ID, got[0].ID)
	s.Equal(o1.ID, got[1].ID)
	s.Len(got[0].Items, 2)
}

func (s *StorageSuite) TestStatusTransitionReleasesStockOnce() {
	acc := s.newAccount()
	o := s.newOrder(acc, "TRK-1")
	now := time.Now()

	tr := StatusTransition{
		OrderID: o.ID, PrevCode: "", PrevStatus: models.OrderStatusPending,
		Code: "4", Text: "تم التسليم للزبون", LocalStatus: models.OrderStatusDelivered, CheckedAt: now,
		Items: []ItemChange{
			{ItemID: o.Items[0].ID, Status: models.ItemStatusDelivered, QuantityDelivered: 2, DeliveredAt: &now},
			{ItemID: o.Items[1].ID, Status: models.ItemStatusDelivered, QuantityDelivered: 1, DeliveredAt: &now},
		},
		Movements: []models.StockMovement{
			{OrderItemID: o.Items[0].ID, ProductRef: "A", Kind: models.StockMovementSold, Quantity: 2},
			{OrderItemID: o.Items[1].ID, ProductRef: "B", Kind: models.StockMovementSold, Quantity: 1},
		},
	}
	s.Require().NoError(s.st.ApplyStatusTransition(s.ctx, tr))

	// same transition again: the guard rejects it and stock stays put
	s.ErrorIs(s.st.ApplyStatusTransition(s.ctx, tr), ErrStaleOrder)

	a := s.total("A")
	s.Equal(0, a.Reserved)
	s.Equal(2, a.Sold)

	got, err := s.st.GetOrder(s.ctx, o.ID)
	s.Require().NoError(err)
	s.Equal(models.OrderStatusDelivered, got.LocalStatus)
	s.Equal("4", got.DeliveryStatusCode)
	s.Equal(int64(2), got.Version)
	s.Equal(models.ItemStatusDelivered, got.Items[0].Status)

	// replayed movements under a fresh guard are skipped
	tr.PrevCode, tr.PrevStatus = "4", models.OrderStatusDelivered
	s.Require().NoError(s.st.ApplyStatusTransition(s.ctx, tr))
	a = s.total("A")
	s.Equal(2, a.Sold)
}

func (s *StorageSuite) TestPartialDeliveryVersionGuard() {
	acc := s.newAccount()
	o := s.newOrder(acc, "TRK-1")
	now := time.Now()

	pd := PartialDelivery{
		OrderID: o.ID, ExpectedVersion: 1,
		LocalStatus: models.OrderStatusPartialDelivery,
		FinalAmount: decimal.NewFromInt(23000), Discount: decimal.Zero,
		Selection: []uint64{o.Items[0].ID}, AppliedAt: now,
		Items: []ItemChange{
			{ItemID: o.Items[0].ID, Status: models.ItemStatusDelivered, QuantityDelivered: 2, DeliveredAt: &now},
			{ItemID: o.Items[1].ID, Status: models.ItemStatusPendingReturn},
		},
		Movements: []models.StockMovement{
			{OrderItemID: o.Items[0].ID, ProductRef: "A", Kind: models.StockMovementSold, Quantity: 2},
		},
	}

	stale := pd
	stale.ExpectedVersion = 5
	s.ErrorIs(s.st.ApplyPartialDelivery(s.ctx, stale), ErrStaleOrder)

	s.Require().NoError(s.st.ApplyPartialDelivery(s.ctx, pd))
	pd.ExpectedVersion = 2
	s.ErrorIs(s.st.ApplyPartialDelivery(s.ctx, pd), ErrStaleOrder)

	got, err := s.st.GetOrder(s.ctx, o.ID)
	s.Require().NoError(err)
	s.Equal([]uint64{o.Items[0].ID}, got.PartialSelection)
	s.NotNil(got.PartialAppliedAt)
	s.True(decimal.NewFromInt(23000).Equal(got.FinalAmount))
	s.Equal(models.ItemStatusPendingReturn, got.Items[1].Status)

	unsettled, err := s.st.ListUnsettledSplitOrders(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(unsettled, 1)

	s.Require().NoError(s.st.SaveSettlement(s.ctx, models.Settlement{
		OrderID: o.ID, FinalPrice: decimal.NewFromInt(23000), Revenue: decimal.NewFromInt(20000),
		EmployeeProfit: decimal.NewFromInt(2000), SystemProfit: decimal.NewFromInt(6000),
		DeliveredItemIDs: []uint64{o.Items[0].ID}, SettledAt: now,
	}))
	unsettled, err = s.st.ListUnsettledSplitOrders(s.ctx, 10)
	s.Require().NoError(err)
	s.Empty(unsettled)

	st, err := s.st.GetSettlement(s.ctx, o.ID)
	s.Require().NoError(err)
	s.True(decimal.NewFromInt(20000).Equal(st.Revenue))

	b := s.total("B")
	s.Equal(1, b.Reserved)
}

func (s *StorageSuite) TestRestockNeedsReservedUnits() {
	acc := s.newAccount()
	o := s.newOrder(acc, "TRK-1")

	err := s.st.ApplyStatusTransition(s.ctx, StatusTransition{
		OrderID: o.ID, PrevStatus: models.OrderStatusPending,
		Code: "38", LocalStatus: models.OrderStatusReturnedInStock, CheckedAt: time.Now(),
		Movements: []models.StockMovement{
			{OrderItemID: o.Items[1].ID, ProductRef: "B", Kind: models.StockMovementRestock, Quantity: 5},
		},
	})
	s.ErrorIs(err, ErrInsufficientStock)

	got, err := s.st.GetOrder(s.ctx, o.ID)
	s.Require().NoError(err)
	s.Equal(models.OrderStatusPending, got.LocalStatus)
	s.total("B")
}
