package usecase_test

import (
	"context"
	"sync"
	"time"

	"app/internal/domain/model"
	repo "app/internal/repository"
)

// =====================
// インメモリのTxRepos fake
// =====================
//
// WithinTxごとに状態をクローンして、閉包が成功したときだけcommitする。
// version条件付き更新・ユニークadmission・rollbackの振る舞いを
// 本物のDBと同じ形で再現する。

type memState struct {
	orders     map[int64]model.Order
	items      map[int64][]model.OrderItem
	deliveries []model.WebhookEvent
	processed  map[string]bool
	audit      []model.AuditEntry

	nextOrderID int64
	nextRowID   int64
}

func newMemState() *memState {
	return &memState{
		orders:      map[int64]model.Order{},
		items:       map[int64][]model.OrderItem{},
		processed:   map[string]bool{},
		nextOrderID: 1,
		nextRowID:   1,
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		orders:      make(map[int64]model.Order, len(s.orders)),
		items:       make(map[int64][]model.OrderItem, len(s.items)),
		deliveries:  append([]model.WebhookEvent(nil), s.deliveries...),
		processed:   make(map[string]bool, len(s.processed)),
		audit:       append([]model.AuditEntry(nil), s.audit...),
		nextOrderID: s.nextOrderID,
		nextRowID:   s.nextRowID,
	}
	for id, o := range s.orders {
		c.orders[id] = o
	}
	for id, its := range s.items {
		c.items[id] = append([]model.OrderItem(nil), its...)
	}
	for id := range s.processed {
		c.processed[id] = true
	}
	return c
}

type memTx struct {
	mu      sync.Mutex
	state   *memState
	working *memState

	//UpdateStateVersionedの直前に一度だけ呼ばれる。
	//commit済みのstateを横から書き換えて競合を作るのに使う。
	updateHook func(committed *memState) error
}

func newMemTx() *memTx {
	return &memTx{state: newMemState()}
}

func (t *memTx) WithinTx(ctx context.Context, fn func(r repo.TxRepos) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.state.clone()
	t.working = w
	err := fn(&memRepos{t: t})
	t.working = nil

	if err != nil {
		//rollback：working copyを捨てるだけ
		return err
	}
	t.state = w
	return nil
}

// commit済みの状態を読む（テストのassert用）
func (t *memTx) committed() *memState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.clone()
}

func (t *memTx) seedOrder(state model.OrderState, amount int64, currency string, ref string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.state.nextOrderID
	t.state.nextOrderID++
	now := time.Now()
	t.state.orders[id] = model.Order{
		ID:                id,
		ProviderReference: ref,
		State:             state,
		Amount:            amount,
		Currency:          currency,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	return id
}

type memRepos struct {
	t *memTx
}

func (r *memRepos) Orders() repo.OrderRepository               { return &memOrders{t: r.t} }
func (r *memRepos) OrderItems() repo.OrderItemRepository       { return &memOrderItems{t: r.t} }
func (r *memRepos) WebhookEvents() repo.WebhookEventRepository { return &memWebhookEvents{t: r.t} }
func (r *memRepos) Audit() repo.AuditEntryRepository           { return &memAudit{t: r.t} }

type memOrders struct{ t *memTx }

func (m *memOrders) FindByID(ctx context.Context, orderID int64) (model.Order, error) {
	o, ok := m.t.working.orders[orderID]
	if !ok {
		return model.Order{}, repo.ErrNotFound
	}
	return o, nil
}

func (m *memOrders) FindByProviderReference(ctx context.Context, ref string) (model.Order, error) {
	if ref == "" {
		return model.Order{}, repo.ErrNotFound
	}
	for _, o := range m.t.working.orders {
		if o.ProviderReference == ref {
			return o, nil
		}
	}
	return model.Order{}, repo.ErrNotFound
}

func (m *memOrders) Create(ctx context.Context, order model.Order) (int64, error) {
	id := m.t.working.nextOrderID
	m.t.working.nextOrderID++
	order.ID = id
	m.t.working.orders[id] = order
	return id, nil
}

func (m *memOrders) SetProviderReference(ctx context.Context, orderID int64, ref string) error {
	o, ok := m.t.working.orders[orderID]
	if !ok || o.ProviderReference != "" {
		return repo.ErrNotFound
	}
	o.ProviderReference = ref
	m.t.working.orders[orderID] = o
	return nil
}

func (m *memOrders) UpdateStateVersioned(ctx context.Context, orderID int64, to model.OrderState, expectedVersion int64) error {
	if m.t.updateHook != nil {
		h := m.t.updateHook
		m.t.updateHook = nil
		if err := h(m.t.state); err != nil {
			return err
		}
	}

	o, ok := m.t.working.orders[orderID]
	if !ok {
		return repo.ErrNotFound
	}
	if o.Version != expectedVersion {
		return repo.ErrVersionConflict
	}
	o.State = to
	o.Version++
	o.UpdatedAt = time.Now()
	m.t.working.orders[orderID] = o
	return nil
}

func (m *memOrders) IncrementRetryCount(ctx context.Context, orderID int64) error {
	o, ok := m.t.working.orders[orderID]
	if !ok {
		return repo.ErrNotFound
	}
	o.RetryCount++
	m.t.working.orders[orderID] = o
	return nil
}

type memOrderItems struct{ t *memTx }

func (m *memOrderItems) CreateBulk(ctx context.Context, orderID int64, items []model.OrderItem) error {
	for _, it := range items {
		it.OrderID = orderID
		it.ID = m.t.working.nextRowID
		m.t.working.nextRowID++
		m.t.working.items[orderID] = append(m.t.working.items[orderID], it)
	}
	return nil
}

func (m *memOrderItems) ListByOrderID(ctx context.Context, orderID int64) ([]model.OrderItem, error) {
	return append([]model.OrderItem(nil), m.t.working.items[orderID]...), nil
}

type memWebhookEvents struct{ t *memTx }

func (m *memWebhookEvents) Admit(ctx context.Context, eventID string) error {
	if m.t.working.processed[eventID] {
		return repo.ErrDuplicateEvent
	}
	m.t.working.processed[eventID] = true
	return nil
}

func (m *memWebhookEvents) RecordDelivery(ctx context.Context, ev model.WebhookEvent) (int64, error) {
	ev.ID = m.t.working.nextRowID
	m.t.working.nextRowID++
	m.t.working.deliveries = append(m.t.working.deliveries, ev)
	return ev.ID, nil
}

type memAudit struct{ t *memTx }

func (m *memAudit) Create(ctx context.Context, entry model.AuditEntry) error {
	entry.ID = m.t.working.nextRowID
	m.t.working.nextRowID++
	m.t.working.audit = append(m.t.working.audit, entry)
	return nil
}

func (m *memAudit) HistoryByOrderID(ctx context.Context, orderID int64) ([]model.AuditEntry, error) {
	var out []model.AuditEntry
	for _, e := range m.t.working.audit {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	//auditスライスは挿入順なのでcreated_at/IDの並びと一致する
	return out, nil
}

// =====================
// 通知の記録fake
// =====================

type dispatchCall struct {
	OrderID int64
	State   model.OrderState
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	err   error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, orderID int64, state model.OrderState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{OrderID: orderID, State: state})
	return d.err
}

func (d *recordingDispatcher) Close() error { return nil }

func (d *recordingDispatcher) Calls() []dispatchCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatchCall(nil), d.calls...)
}
