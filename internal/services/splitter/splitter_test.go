package splitter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/DeliverySync/internal/cache/rediscache"
	"github.com/BearBump/DeliverySync/internal/models"
	"github.com/BearBump/DeliverySync/internal/storage/pgorders"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	mu      sync.Mutex
	order   *models.Order
	applied []pgorders.PartialDelivery
	err     error
}

func (r *fakeRepo) GetOrder(ctx context.Context, id uint64) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.order == nil || r.order.ID != id {
		return nil, pgorders.ErrNotFound
	}
	cp := *r.order
	cp.Items = nil
	for _, it := range r.order.Items {
		c := *it
		cp.Items = append(cp.Items, &c)
	}
	return &cp, nil
}

func (r *fakeRepo) ApplyPartialDelivery(ctx context.Context, pd pgorders.PartialDelivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if pd.ExpectedVersion != r.order.Version || r.order.PartialAppliedAt != nil {
		return pgorders.ErrStaleOrder
	}
	r.applied = append(r.applied, pd)
	at := pd.AppliedAt
	r.order.PartialAppliedAt = &at
	r.order.PartialSelection = pd.Selection
	r.order.LocalStatus = pd.LocalStatus
	r.order.FinalAmount = pd.FinalAmount
	r.order.Discount = pd.Discount
	r.order.Version++
	for _, ch := range pd.Items {
		r.order.Item(ch.ItemID).Status = ch.Status
	}
	return nil
}

type fakeProducer struct {
	calls int
	key   []byte
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	p.calls++
	p.key = key
	return nil
}

type settlerMock struct {
	mock.Mock
}

func (m *settlerMock) ComputeSettlement(ctx context.Context, orderID uint64, ids []uint64, final decimal.Decimal) (models.Settlement, error) {
	args := m.Called(ctx, orderID, ids, final)
	return args.Get(0).(models.Settlement), args.Error(1)
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// A 10,000 x2, B 5,000 x1, delivery fee 3,000.
func partialOrder() *models.Order {
	return &models.Order{
		ID:          1,
		AccountID:   3,
		LocalStatus: models.OrderStatusPartialDelivery,
		DeliveryFee: dec(3000),
		Version:     4,
		Items: []*models.OrderItem{
			{ID: 10, ProductRef: "A", Quantity: 2, UnitPrice: dec(10000), Status: models.ItemStatusPending},
			{ID: 11, ProductRef: "B", Quantity: 1, UnitPrice: dec(5000), Status: models.ItemStatusPending},
		},
	}
}

func newSplitter(t *testing.T, repo *fakeRepo, settler Settler) (*Splitter, *fakeProducer) {
	mr := miniredis.RunT(t)
	fp := &fakeProducer{}
	s := New(repo, rediscache.NewLocker(mr.Addr()), fp, settler, "order.status_changed",
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	return s, fp
}

func TestPrice(t *testing.T) {
	o := partialOrder()
	tol := dec(100)

	p := Price(o, []uint64{10}, nil, tol)
	require.True(t, dec(23000).Equal(p.Expected), p.Expected.String())
	require.True(t, dec(23000).Equal(p.Final))
	require.True(t, p.Discount.IsZero())

	p = Price(o, nil, nil, tol)
	require.True(t, p.Expected.IsZero())
	require.True(t, p.Final.IsZero())

	override := dec(20000)
	p = Price(o, []uint64{10}, &override, tol)
	require.True(t, dec(3000).Equal(p.Discount))
	require.True(t, dec(20000).Equal(p.Final))

	courier := dec(23050)
	o.CourierPrice = &courier
	require.False(t, Price(o, []uint64{10}, nil, tol).PriceMismatch)
	courier = dec(25000)
	require.True(t, Price(o, []uint64{10}, nil, tol).PriceMismatch)

	// скидка оператора не считается расхождением с курьером
	courier = dec(23000)
	p = Price(o, []uint64{10}, &override, tol)
	require.True(t, dec(20000).Equal(p.Final))
	require.True(t, dec(3000).Equal(p.Discount))
	require.False(t, p.PriceMismatch)
}

func TestSplit_AppliesSelection(t *testing.T) {
	repo := &fakeRepo{order: partialOrder()}
	sm := &settlerMock{}
	sm.On("ComputeSettlement", mock.Anything, uint64(1), []uint64{10}, mock.MatchedBy(func(d decimal.Decimal) bool {
		return d.Equal(dec(23000))
	})).Return(models.Settlement{OrderID: 1, Revenue: dec(20000)}, nil).Once()
	s, fp := newSplitter(t, repo, sm)

	res, err := s.Split(context.Background(), Request{OrderID: 1, DeliveredItemIDs: []uint64{10}})
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusPartialDelivery, res.Status)
	require.Equal(t, []uint64{10}, res.DeliveredItemIDs)
	require.Equal(t, []uint64{11}, res.PendingReturnItemIDs)
	require.NotNil(t, res.Settlement)
	require.Empty(t, res.Warnings)

	require.Len(t, repo.applied, 1)
	pd := repo.applied[0]
	require.Equal(t, int64(4), pd.ExpectedVersion)
	require.Len(t, pd.Movements, 1)
	require.Equal(t, models.StockMovementSold, pd.Movements[0].Kind)
	require.Equal(t, 2, pd.Movements[0].Quantity)
	require.NotNil(t, pd.Items[0].DeliveredAt)
	require.Equal(t, 1, fp.calls)
	require.Equal(t, []byte("1"), fp.key)
	sm.AssertExpectations(t)
}

func TestSplit_AllDelivered(t *testing.T) {
	repo := &fakeRepo{order: partialOrder()}
	s, _ := newSplitter(t, repo, nil)

	res, err := s.Split(context.Background(), Request{OrderID: 1, DeliveredItemIDs: []uint64{11, 10}})
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusDelivered, res.Status)
	require.True(t, dec(28000).Equal(res.Pricing.Final))
	require.Equal(t, []uint64{10, 11}, repo.applied[0].Selection)
}

func TestSplit_NothingDelivered(t *testing.T) {
	repo := &fakeRepo{order: partialOrder()}
	s, _ := newSplitter(t, repo, nil)

	res, err := s.Split(context.Background(), Request{OrderID: 1})
	require.NoError(t, err)
	require.True(t, res.Pricing.Final.IsZero())
	require.Equal(t, models.OrderStatusPartialDelivery, res.Status)
	require.Len(t, res.PendingReturnItemIDs, 2)
	require.Empty(t, repo.applied[0].Movements)
}

func TestSplit_ReentryGuard(t *testing.T) {
	repo := &fakeRepo{order: partialOrder()}
	s, _ := newSplitter(t, repo, nil)
	ctx := context.Background()

	_, err := s.Split(ctx, Request{OrderID: 1, DeliveredItemIDs: []uint64{10}})
	require.NoError(t, err)

	res, err := s.Split(ctx, Request{OrderID: 1, DeliveredItemIDs: []uint64{10}})
	require.NoError(t, err)
	require.True(t, res.AlreadyApplied)
	require.True(t, dec(23000).Equal(res.Pricing.Final))
	require.Len(t, repo.applied, 1)

	_, err = s.Split(ctx, Request{OrderID: 1, DeliveredItemIDs: []uint64{11}})
	require.ErrorIs(t, err, ErrAlreadySplit)
	require.Len(t, repo.applied, 1)
}

func TestSplit_Validation(t *testing.T) {
	ctx := context.Background()

	o := partialOrder()
	o.LocalStatus = models.OrderStatusDelivery
	s, _ := newSplitter(t, &fakeRepo{order: o}, nil)
	_, err := s.Split(ctx, Request{OrderID: 1, DeliveredItemIDs: []uint64{10}})
	require.ErrorIs(t, err, ErrNotPartialDelivery)

	repo := &fakeRepo{order: partialOrder()}
	s, _ = newSplitter(t, repo, nil)
	_, err = s.Split(ctx, Request{OrderID: 1, DeliveredItemIDs: []uint64{99}})
	require.ErrorIs(t, err, ErrInvalidSelection)
	_, err = s.Split(ctx, Request{OrderID: 1, DeliveredItemIDs: []uint64{10, 10}})
	require.ErrorIs(t, err, ErrInvalidSelection)
	require.Empty(t, repo.applied)

	_, err = s.Split(ctx, Request{OrderID: 2})
	require.ErrorIs(t, err, pgorders.ErrNotFound)
}

func TestSplit_SettlementFailureIsWarning(t *testing.T) {
	repo := &fakeRepo{order: partialOrder()}
	sm := &settlerMock{}
	sm.On("ComputeSettlement", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(models.Settlement{}, errors.New("ledger down")).Once()
	s, _ := newSplitter(t, repo, sm)

	res, err := s.Split(context.Background(), Request{OrderID: 1, DeliveredItemIDs: []uint64{10}})
	require.NoError(t, err)
	require.Nil(t, res.Settlement)
	require.Len(t, res.Warnings, 1)
	require.Len(t, repo.applied, 1)
}

func TestSplit_StaleVersion(t *testing.T) {
	repo := &fakeRepo{order: partialOrder(), err: pgorders.ErrStaleOrder}
	s, fp := newSplitter(t, repo, nil)

	_, err := s.Split(context.Background(), Request{OrderID: 1, DeliveredItemIDs: []uint64{10}})
	require.ErrorIs(t, err, pgorders.ErrStaleOrder)
	require.Zero(t, fp.calls)
}

func TestSplit_LockHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	locker := rediscache.NewLocker(mr.Addr())
	_, err := locker.Acquire(context.Background(), rediscache.SplitLockKey(1), time.Minute)
	require.NoError(t, err)

	repo := &fakeRepo{order: partialOrder()}
	s := New(repo, locker, nil, nil, "", nil)
	_, err = s.Split(context.Background(), Request{OrderID: 1, DeliveredItemIDs: []uint64{10}})
	require.ErrorIs(t, err, ErrSplitInProgress)
}

func TestPreview_DoesNotWrite(t *testing.T) {
	o := partialOrder()
	courier := dec(30000)
	o.CourierPrice = &courier
	repo := &fakeRepo{order: o}
	s, fp := newSplitter(t, repo, nil)

	res, err := s.Preview(context.Background(), Request{OrderID: 1, DeliveredItemIDs: []uint64{10}})
	require.NoError(t, err)
	require.True(t, dec(23000).Equal(res.Pricing.Expected))
	require.True(t, res.Pricing.PriceMismatch)
	require.Len(t, res.Warnings, 1)
	require.Empty(t, repo.applied)
	require.Zero(t, fp.calls)
}
