package swap

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klingon-exchange/swapd/internal/storage"
	"github.com/shopspring/decimal"
)

// memStore is an in-memory Store.
type memStore struct {
	mu       sync.Mutex
	records  map[string]*storage.SwapRecord
	finished map[string]bool
	locks    map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		records:  make(map[string]*storage.SwapRecord),
		finished: make(map[string]bool),
		locks:    make(map[string]string),
	}
}

func (s *memStore) StoreRepr(rec *storage.SwapRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.UUID]; ok {
		return storage.ErrSwapExists
	}
	s.records[rec.UUID] = rec
	return nil
}

func (s *memStore) StoreEvent(id string, ev *storage.EventRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return 0, storage.ErrSwapNotFound
	}
	ev.Seq = int64(len(rec.Events) + 1)
	rec.Events = append(rec.Events, ev)
	return ev.Seq, nil
}

func (s *memStore) GetRepr(id string) (*storage.SwapRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, storage.ErrSwapNotFound
	}
	cp := *rec
	cp.Events = append([]*storage.EventRecord(nil), rec.Events...)
	cp.IsFinished = s.finished[id]
	return &cp, nil
}

func (s *memStore) HasRecordFor(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	return ok, nil
}

func (s *memStore) GetUnfinished() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.records {
		if !s.finished[id] {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *memStore) MarkFinished(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished[id] = true
	return nil
}

func (s *memStore) AcquireSwapLock(id, owner string, _ time.Duration, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.locks[id]; ok && held != owner {
		return storage.ErrLockHeld
	}
	s.locks[id] = owner
	return nil
}

func (s *memStore) RenewSwapLock(id, owner string, _ time.Duration, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[id] != owner {
		return storage.ErrLockNotHeld
	}
	return nil
}

func (s *memStore) ReleaseSwapLock(id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[id] == owner {
		delete(s.locks, id)
	}
	return nil
}

// scriptedState moves through a fixed list of events.
type scriptedState struct {
	events []Event
	onStep func(ctx context.Context) bool
}

func (s *scriptedState) event() Event {
	if len(s.events) == 0 {
		return nil
	}
	return s.events[0]
}

func (s *scriptedState) step(ctx context.Context) state {
	if s.onStep != nil && !s.onStep(ctx) {
		return interrupted{}
	}
	if len(s.events) <= 1 || (s.events[0] != nil && s.events[0].Terminal()) {
		return nil
	}
	return &scriptedState{events: s.events[1:], onStep: s.onStep}
}

func TestDrivePersistsEveryTransition(t *testing.T) {
	f := newTestFixture(t)
	store := newMemStore()
	b := f.base(t, RoleMaker)
	b.store = store
	if err := store.StoreRepr(&storage.SwapRecord{UUID: b.id.String(), SwapType: MakerSwapType}); err != nil {
		t.Fatal(err)
	}

	var observed []string
	b.emit = func(ev Event) { observed = append(observed, ev.Type()) }
	b.lockFor = func(ev Event) (LockedAmount, bool) {
		if _, ok := ev.(*MakerInitialized); ok {
			return LockedAmount{Coin: "DOC", Amount: decimal.NewFromInt(1)}, true
		}
		return LockedAmount{}, false
	}

	start := &scriptedState{events: []Event{
		nil,
		&MakerInitialized{MakerPaymentLocktime: 1},
		&MakerAborted{Reason: AbortDidNotReceiveTakerNegotiation},
	}}
	if err := b.drive(context.Background(), start, false); err != nil {
		t.Fatalf("drive() error = %v", err)
	}

	rec, _ := store.GetRepr(b.id.String())
	if len(rec.Events) != 2 || rec.Events[0].Type != "Initialized" || rec.Events[1].Type != "Aborted" {
		t.Fatalf("persisted events = %+v", rec.Events)
	}
	if !rec.Events[1].Terminal || !rec.IsFinished {
		t.Error("terminal event did not finish the swap")
	}
	if len(observed) != 2 {
		t.Errorf("observed = %v", observed)
	}
	if !f.registry.LockedAmount("DOC").IsZero() {
		t.Error("reservation not released after abort")
	}
}

func TestDriveStopsOnCancel(t *testing.T) {
	f := newTestFixture(t)
	store := newMemStore()
	b := f.base(t, RoleTaker)
	b.store = store
	if err := store.StoreRepr(&storage.SwapRecord{UUID: b.id.String(), SwapType: TakerSwapType}); err != nil {
		t.Fatal(err)
	}

	stop := errors.New("stopped by test")
	ctx, cancel := context.WithCancelCause(context.Background())
	start := &scriptedState{
		events: []Event{&TakerInitialized{}, &TakerNegotiated{}},
		onStep: func(context.Context) bool {
			cancel(stop)
			return false
		},
	}
	if err := b.drive(ctx, start, true); !errors.Is(err, stop) {
		t.Fatalf("drive() error = %v, want %v", err, stop)
	}
	rec, _ := store.GetRepr(b.id.String())
	if len(rec.Events) != 0 {
		t.Errorf("interrupted step persisted %d events", len(rec.Events))
	}
}

func TestSwapsContext(t *testing.T) {
	c := NewSwapsContext()
	a, b := uuid.New(), uuid.New()

	if err := c.register(a, &runningSwap{role: RoleMaker, cancel: func(error) {}}); err != nil {
		t.Fatal(err)
	}
	if err := c.register(a, &runningSwap{role: RoleMaker, cancel: func(error) {}}); !errors.Is(err, ErrSwapRunning) {
		t.Errorf("second register() error = %v, want ErrSwapRunning", err)
	}
	if err := c.register(b, &runningSwap{role: RoleTaker, cancel: func(error) {}}); err != nil {
		t.Fatal(err)
	}

	c.lockAmount(a, LockedAmount{Coin: "DOC", Amount: decimal.RequireFromString("1.5")})
	c.lockAmount(b, LockedAmount{Coin: "DOC", Amount: decimal.RequireFromString("0.5")})
	if got := c.LockedAmount("DOC"); !got.Equal(decimal.NewFromInt(2)) {
		t.Errorf("LockedAmount(DOC) = %s, want 2", got)
	}
	if got := c.LockedAmount("MARTY"); !got.IsZero() {
		t.Errorf("LockedAmount(MARTY) = %s, want 0", got)
	}

	running := c.Running()
	if len(running) != 2 || running[0].String() > running[1].String() {
		t.Errorf("Running() = %v", running)
	}

	c.unregister(a)
	if c.IsRunning(a) || !c.IsRunning(b) {
		t.Error("unregister() removed the wrong swap")
	}
	if got := c.LockedAmount("DOC"); !got.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("LockedAmount(DOC) after unregister = %s, want 0.5", got)
	}
}

func TestSwapsContextReserve(t *testing.T) {
	c := NewSwapsContext()
	balance := decimal.NewFromInt(5)
	three := LockedAmount{Coin: "DOC", Amount: decimal.NewFromInt(3)}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.reserve(uuid.New(), three, balance)
		}(i)
	}
	wg.Wait()

	admitted := 0
	for _, err := range errs {
		switch {
		case err == nil:
			admitted++
		case !errors.Is(err, ErrInsufficientBalance):
			t.Errorf("reserve() error = %v", err)
		}
	}
	if admitted != 1 {
		t.Errorf("%d reservations admitted, want 1", admitted)
	}
	if got := c.LockedAmount("DOC"); !got.Equal(decimal.NewFromInt(3)) {
		t.Errorf("LockedAmount(DOC) = %s, want 3", got)
	}

	other := LockedAmount{Coin: "MARTY", Amount: decimal.NewFromInt(3)}
	if err := c.reserve(uuid.New(), other, balance); err != nil {
		t.Errorf("reserve() of another coin error = %v", err)
	}

	id := uuid.New()
	if err := c.register(id, &runningSwap{role: RoleMaker, cancel: func(error) {}}); err != nil {
		t.Fatal(err)
	}
	if err := c.reserve(id, LockedAmount{Coin: "DOC", Amount: decimal.NewFromInt(1)}, balance); !errors.Is(err, ErrSwapRunning) {
		t.Errorf("reserve() of a running swap error = %v, want ErrSwapRunning", err)
	}
}
