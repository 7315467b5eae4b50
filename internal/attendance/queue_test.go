package attendance

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/GarageDesk/internal/models"
	"github.com/BTreeMap/GarageDesk/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T) (*Queue, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	return NewQueue(store.NewInMemoryStore(), WithClock(clock.Now)), clock
}

func TestEnqueueFreshIdentity(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	res, err := q.Enqueue(ctx, "5511999", "quer orçamento")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeOK, res.Outcome)
	assert.Equal(t, 1, res.Position)
	require.NotNil(t, res.Ticket)
	assert.Equal(t, models.TicketWaiting, res.Ticket.Status)
	assert.Equal(t, models.DefaultPriority, res.Ticket.Priority)
	assert.NotEmpty(t, res.Ticket.ID)
}

func TestEnqueueDuplicateReturnsOriginal(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "5500001", "primeiro")
	require.NoError(t, err)
	first, err := q.Enqueue(ctx, "5511999", "quer orçamento")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	second, err := q.Enqueue(ctx, "5511999", "de novo")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAlreadyExists, second.Outcome)
	assert.Equal(t, first.Ticket.ID, second.Ticket.ID)
	assert.Equal(t, "quer orçamento", second.Ticket.Reason)
	assert.Equal(t, 2, second.Position)

	waiting, err := q.ListWaiting(ctx)
	require.NoError(t, err)
	assert.Len(t, waiting, 2)
}

func TestPriorityOrdering(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "5500000A", "a")
	require.NoError(t, err)
	clock.Advance(time.Second)
	resB, err := q.EnqueueWithPriority(ctx, "5500000B", "b", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, resB.Position, "higher priority goes to the front")

	next, err := q.PeekNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "5500000B", next.Identity)

	posA, err := q.Position(ctx, "5500000A")
	require.NoError(t, err)
	assert.Equal(t, 2, posA)
}

func TestFIFOWithinPriorityTier(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	ids := []string{"1000001", "1000002", "1000003", "1000004"}
	for _, id := range ids {
		_, err := q.Enqueue(ctx, id, "")
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	for i, id := range ids {
		pos, err := q.Position(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, i+1, pos, id)
	}

	// the head leaves WAITING and everyone moves up
	res, err := q.Claim(ctx, ids[0], 7, "Ana")
	require.NoError(t, err)
	require.True(t, res.OK())
	pos, err := q.Position(ctx, ids[3])
	require.NoError(t, err)
	assert.Equal(t, 3, pos)
}

func TestEqualCreatedAtFallsBackToInsertionOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	for _, id := range []string{"2000001", "2000002", "2000003"} {
		_, err := q.Enqueue(ctx, id, "")
		require.NoError(t, err)
	}
	waiting, err := q.ListWaiting(ctx)
	require.NoError(t, err)
	require.Len(t, waiting, 3)
	assert.Equal(t, "2000001", waiting[0].Identity)
	assert.Equal(t, "2000003", waiting[2].Identity)
	pos, err := q.Position(ctx, "2000002")
	require.NoError(t, err)
	assert.Equal(t, 2, pos)
}

func TestClaimFinishLifecycle(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "5511999", "quer orçamento")
	require.NoError(t, err)

	claim, err := q.Claim(ctx, "5511999", 7, "Ana")
	require.NoError(t, err)
	require.Equal(t, models.OutcomeOK, claim.Outcome)
	assert.Equal(t, models.TicketInService, claim.Ticket.Status)
	assert.Equal(t, int64(7), claim.Ticket.ClaimedByID)
	assert.Equal(t, "Ana", claim.Ticket.ClaimedByName)
	require.NotNil(t, claim.Ticket.StartedAt)

	clock.Advance(12 * time.Minute)
	finish, err := q.Finish(ctx, "5511999", "resolvido")
	require.NoError(t, err)
	require.Equal(t, models.OutcomeOK, finish.Outcome)
	assert.Equal(t, models.TicketFinished, finish.Ticket.Status)
	require.NotNil(t, finish.Ticket.FinishedAt)
	assert.Equal(t, "resolvido", finish.Ticket.Notes)

	pos, err := q.Position(ctx, "5511999")
	require.NoError(t, err)
	assert.Zero(t, pos)

	active, err := q.ActiveTicket(ctx, "5511999")
	require.NoError(t, err)
	assert.Nil(t, active)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FinishedToday)
	assert.InDelta(t, 12.0, stats.AverageServiceMinutes, 0.001)
}

func TestReasonCodes(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	res, err := q.Claim(ctx, "5511999", 1, "Ana")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeNotFound, res.Outcome)
	assert.Nil(t, res.Ticket)

	_, err = q.Enqueue(ctx, "5511999", "")
	require.NoError(t, err)

	res, err = q.Finish(ctx, "5511999", "")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeInvalidTransition, res.Outcome, "finish on a WAITING ticket")

	res, err = q.Claim(ctx, "5511999", 1, "Ana")
	require.NoError(t, err)
	require.True(t, res.OK())

	res, err = q.Claim(ctx, "5511999", 2, "Bruno")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAlreadyClaimed, res.Outcome)
	require.NotNil(t, res.Ticket)
	assert.Equal(t, "Ana", res.Ticket.ClaimedByName)
}

func TestCancelLeavesInServiceUntouched(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	res, err := q.Cancel(ctx, "5511999")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeNotFound, res.Outcome)

	_, err = q.Enqueue(ctx, "5511999", "")
	require.NoError(t, err)
	_, err = q.Claim(ctx, "5511999", 7, "Ana")
	require.NoError(t, err)

	res, err = q.Cancel(ctx, "5511999")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeInvalidTransition, res.Outcome)

	active, err := q.ActiveTicket(ctx, "5511999")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, models.TicketInService, active.Status)
	assert.Equal(t, "Ana", active.ClaimedByName)
}

func TestCancelWaiting(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "5511999", "")
	require.NoError(t, err)

	res, err := q.Cancel(ctx, "5511999")
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, models.TicketCancelled, res.Ticket.Status)

	// cancelled tickets never come back
	res, err = q.Claim(ctx, "5511999", 7, "Ana")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeNotFound, res.Outcome)

	again, err := q.Enqueue(ctx, "5511999", "voltou")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeOK, again.Outcome)

	history, err := q.Tickets(ctx, "5511999")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestConcurrentClaimsOneWinner(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "5511999", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]models.TransitionResult, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := q.Claim(ctx, "5511999", int64(i+1), fmt.Sprintf("op%d", i))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, r := range results {
		switch r.Outcome {
		case models.OutcomeOK:
			winners++
		case models.OutcomeAlreadyClaimed:
		default:
			t.Errorf("unexpected outcome %s", r.Outcome)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestConcurrentEnqueueSingleActiveTicket(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := q.Enqueue(ctx, "5511999", "")
			assert.NoError(t, err)
			if res.Created() {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
}

func TestStatsCounts(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"3000001", "3000002", "3000003"} {
		_, err := q.Enqueue(ctx, id, "")
		require.NoError(t, err)
	}
	_, err := q.Claim(ctx, "3000001", 1, "Ana")
	require.NoError(t, err)
	_, err = q.Claim(ctx, "3000002", 1, "Ana")
	require.NoError(t, err)
	clock.Advance(4 * time.Minute)
	_, err = q.Finish(ctx, "3000002", "")
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStats{WaitingCount: 1, InServiceCount: 1, FinishedToday: 1, AverageServiceMinutes: 4}, stats)

	clock.Advance(24 * time.Hour)
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.FinishedToday)
	assert.Zero(t, stats.AverageServiceMinutes)
}
