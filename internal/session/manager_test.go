package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/GarageDesk/internal/models"
	"github.com/BTreeMap/GarageDesk/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *fakeClock, *store.InMemoryStore) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	st := store.NewInMemoryStore()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewManager(st, opts...), clock, st
}

func TestPolicy(t *testing.T) {
	p := Policy{TTL: time.Minute}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	deadline := p.Deadline(now)
	if !deadline.Equal(now.Add(time.Minute)) {
		t.Errorf("Deadline = %v", deadline)
	}
	if !p.Alive(deadline, now) {
		t.Error("session should be alive before its deadline")
	}
	if p.Alive(deadline, deadline) {
		t.Error("session should be dead at its deadline")
	}
	if got := (Policy{}).Deadline(now); !got.Equal(now.Add(DefaultTTL)) {
		t.Errorf("zero TTL should fall back to the default, got %v", got)
	}
}

func TestGetCreatesFreshIdleSession(t *testing.T) {
	m, clock, st := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Get(ctx, "5511999")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.State != models.StateIdle || len(sess.Data) != 0 || len(sess.AIContext) != 0 {
		t.Errorf("expected fresh idle session, got %+v", sess)
	}
	if !sess.ExpiresAt.Equal(clock.Now().Add(DefaultTTL)) {
		t.Errorf("unexpected expiry %v", sess.ExpiresAt)
	}
	if stored, _ := st.GetSession(ctx, "5511999"); stored == nil {
		t.Error("Get should persist the created session")
	}
}

func TestTouchMergesDataAndRefreshesExpiry(t *testing.T) {
	m, clock, _ := newTestManager(t)
	ctx := context.Background()

	state := models.SessionState("SEARCH_PARTS")
	if _, err := m.Touch(ctx, "5511999", models.SessionPatch{State: &state, Data: map[string]interface{}{"brand": "fiat", "year": "2018"}}); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	clock.Advance(10 * time.Minute)
	sess, err := m.Touch(ctx, "5511999", models.SessionPatch{Data: map[string]interface{}{"year": "2019"}})
	if err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if sess.State != state {
		t.Errorf("state should be kept when the patch has none, got %s", sess.State)
	}
	if sess.Data["brand"] != "fiat" || sess.Data["year"] != "2019" {
		t.Errorf("expected shallow merge with patch keys winning, got %v", sess.Data)
	}
	if !sess.ExpiresAt.Equal(clock.Now().Add(DefaultTTL)) {
		t.Errorf("expiry not refreshed: %v", sess.ExpiresAt)
	}
}

func TestTouchRejectsReservedStates(t *testing.T) {
	m, _, _ := newTestManager(t)
	for _, s := range []models.SessionState{models.StateWaitingHuman, models.StateInAttendance} {
		_, err := m.Touch(context.Background(), "5511999", models.WithState(s))
		if !errors.Is(err, ErrReservedState) {
			t.Errorf("Touch(%s) = %v, want ErrReservedState", s, err)
		}
	}
}

func TestTouchIgnoresStateChangeWhileLinked(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	err := m.Do(ctx, "5511999", func(sc *Scope) error {
		_, err := sc.Pair(models.StateWaitingHuman)
		return err
	})
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}

	sess, err := m.Touch(ctx, "5511999", models.SessionPatch{
		State: func() *models.SessionState { s := models.StateIdle; return &s }(),
		Data:  map[string]interface{}{"note": "x"},
	})
	if err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if sess.State != models.StateWaitingHuman {
		t.Errorf("state must stay WAITING_HUMAN, got %s", sess.State)
	}
	if sess.Data["note"] != "x" {
		t.Error("data merge must still apply")
	}

	if _, err := m.Clear(ctx, "5511999"); !errors.Is(err, ErrAttendanceLinked) {
		t.Errorf("Clear on a linked session = %v, want ErrAttendanceLinked", err)
	}
}

func TestClearIsIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Touch(ctx, "5511999", models.SessionPatch{Data: map[string]interface{}{"k": 1}}); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if _, err := m.AppendContext(ctx, "5511999", models.ContextTurn{Role: models.RoleUser, Content: "oi"}); err != nil {
		t.Fatalf("AppendContext: %v", err)
	}

	first, err := m.Clear(ctx, "5511999")
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	second, err := m.Clear(ctx, "5511999")
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if first.State != models.StateIdle || len(first.Data) != 0 || len(first.AIContext) != 0 {
		t.Errorf("unexpected cleared session %+v", first)
	}
	if fmt.Sprintf("%+v", first) != fmt.Sprintf("%+v", second) {
		t.Errorf("second clear changed the session:\n%+v\n%+v", first, second)
	}
}

func TestContextWindowBound(t *testing.T) {
	m, _, _ := newTestManager(t, WithContextLimit(10))
	ctx := context.Background()
	var sess models.Session
	var err error
	for i := 0; i < 15; i++ {
		sess, err = m.AppendContext(ctx, "5511999", models.ContextTurn{Role: models.RoleUser, Content: fmt.Sprintf("m%d", i)})
		if err != nil {
			t.Fatalf("AppendContext: %v", err)
		}
	}
	if len(sess.AIContext) != 10 {
		t.Fatalf("expected 10 turns, got %d", len(sess.AIContext))
	}
	for i, turn := range sess.AIContext {
		if want := fmt.Sprintf("m%d", i+5); turn.Content != want {
			t.Errorf("turn %d = %q, want %q", i, turn.Content, want)
		}
	}
}

func TestExpiredSessionLooksFresh(t *testing.T) {
	m, clock, _ := newTestManager(t, WithTTL(time.Minute))
	ctx := context.Background()
	state := models.SessionState("QUOTE")
	if _, err := m.Touch(ctx, "5511999", models.SessionPatch{State: &state, Data: map[string]interface{}{"k": "v"}}); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if _, err := m.AppendContext(ctx, "5511999", models.ContextTurn{Role: models.RoleUser, Content: "oi"}); err != nil {
		t.Fatalf("AppendContext: %v", err)
	}

	clock.Advance(2 * time.Minute)
	sess, err := m.Get(ctx, "5511999")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.State != models.StateIdle || len(sess.Data) != 0 || len(sess.AIContext) != 0 {
		t.Errorf("expired session must read as fresh, got %+v", sess)
	}
}

func TestSweepExpired(t *testing.T) {
	m, clock, st := newTestManager(t, WithTTL(time.Minute))
	ctx := context.Background()
	if _, err := m.Get(ctx, "1000001"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := m.Get(ctx, "1000002"); err != nil {
		t.Fatal(err)
	}

	n, err := m.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired session, got %d", n)
	}
	if s, _ := st.GetSession(ctx, "1000002"); s == nil {
		t.Error("live session removed by sweep")
	}
}

func TestConcurrentTouchesDoNotLoseData(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := m.Touch(ctx, "5511999", models.SessionPatch{Data: map[string]interface{}{fmt.Sprintf("k%d", i): i}}); err != nil {
				t.Errorf("Touch: %v", err)
			}
		}(i)
	}
	wg.Wait()

	sess, err := m.Get(ctx, "5511999")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(sess.Data) != 20 {
		t.Errorf("expected 20 merged keys, got %d: %v", len(sess.Data), sess.Data)
	}
}

func TestRecreatedSessionKeepsPairing(t *testing.T) {
	m, clock, _ := newTestManager(t)
	ctx := context.Background()
	m.SetPairing(func(_ context.Context, identity string) (models.SessionState, bool, error) {
		return models.StateWaitingHuman, identity == "5511999", nil
	})

	if _, err := m.Get(ctx, "5511999"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	clock.Advance(DefaultTTL + time.Minute)

	sess, err := m.Touch(ctx, "5511999", models.WithState("MENU"))
	if err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if sess.State != models.StateWaitingHuman {
		t.Errorf("expired paired session must stay WAITING_HUMAN, got %s", sess.State)
	}
	if got, _ := m.Get(ctx, "5511999"); got.State != models.StateWaitingHuman {
		t.Errorf("Get after touch = %s", got.State)
	}

	if got, _ := m.Get(ctx, "5511888"); got.State != models.StateIdle {
		t.Errorf("unpaired identity should start IDLE, got %s", got.State)
	}
}

func TestPairingLookupError(t *testing.T) {
	m, _, _ := newTestManager(t)
	boom := errors.New("db down")
	m.SetPairing(func(context.Context, string) (models.SessionState, bool, error) {
		return "", false, boom
	})
	if _, err := m.Get(context.Background(), "5511999"); !errors.Is(err, boom) {
		t.Errorf("expected pairing error, got %v", err)
	}
}
