package rendezvous_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-bridge/internal/domain"
	"github.com/fairyhunter13/ai-chat-bridge/internal/service/rendezvous"
)

func reply(id, content string) *domain.CompletionResponseFrame {
	return &domain.CompletionResponseFrame{
		Type:      domain.FrameCompletionResponse,
		RequestID: id,
		Content:   content,
	}
}

func TestOpen_DuplicateID(t *testing.T) {
	t.Parallel()
	tbl := rendezvous.NewTable()
	_, err := tbl.Open("req_1", "client_a", time.Now().Add(time.Second))
	require.NoError(t, err)
	_, err = tbl.Open("req_1", "client_b", time.Now().Add(time.Second))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDuplicateID))
}

func TestDepositAndAwait(t *testing.T) {
	t.Parallel()
	tbl := rendezvous.NewTable()
	slot, err := tbl.Open("req_1", "client_a", time.Now().Add(time.Second))
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		tbl.Deposit("req_1", reply("req_1", "hello"))
	}()

	fr, err := tbl.Await(context.Background(), slot)
	require.NoError(t, err)
	assert.Equal(t, "hello", fr.Content)
	assert.Equal(t, 0, tbl.Pending(), "slot removed once consumed")
}

func TestDeposit_StrayReply(t *testing.T) {
	t.Parallel()
	tbl := rendezvous.NewTable()
	assert.False(t, tbl.Deposit("req_unknown", reply("req_unknown", "late")))
}

func TestAwait_Timeout(t *testing.T) {
	t.Parallel()
	tbl := rendezvous.NewTable()
	slot, err := tbl.Open("req_1", "client_a", time.Now().Add(30*time.Millisecond))
	require.NoError(t, err)

	_, err = tbl.Await(context.Background(), slot)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTimeout))
	assert.Equal(t, 0, tbl.Pending())

	// The late reply is now a stray.
	assert.False(t, tbl.Deposit("req_1", reply("req_1", "too late")))
}

func TestAwait_ContextCancelled(t *testing.T) {
	t.Parallel()
	tbl := rendezvous.NewTable()
	slot, err := tbl.Open("req_1", "client_a", time.Now().Add(time.Minute))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = tbl.Await(ctx, slot)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, tbl.Pending())
}

func TestCancelForWorker(t *testing.T) {
	t.Parallel()
	tbl := rendezvous.NewTable()
	s1, err := tbl.Open("req_1", "client_a", time.Now().Add(time.Minute))
	require.NoError(t, err)
	_, err = tbl.Open("req_2", "client_b", time.Now().Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, 1, tbl.CancelForWorker("client_a"))

	_, err = tbl.Await(context.Background(), s1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrWorkerGone))
	assert.Equal(t, 1, tbl.Pending(), "other worker's slot untouched")
}

func TestAtMostOneOutcome_UnderConcurrency(t *testing.T) {
	t.Parallel()
	tbl := rendezvous.NewTable()
	slot, err := tbl.Open("req_1", "client_a", time.Now().Add(time.Second))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var delivered int
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tbl.Deposit("req_1", reply("req_1", "x")) {
				mu.Lock()
				delivered++
				mu.Unlock()
			}
		}()
	}

	fr, err := tbl.Await(context.Background(), slot)
	require.NoError(t, err)
	assert.Equal(t, "x", fr.Content)

	wg.Wait()
	mu.Lock()
	assert.Equal(t, 1, delivered, "exactly one producer wins")
	mu.Unlock()
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()
	tbl := rendezvous.NewTable()
	_, err := tbl.Open("req_1", "client_a", time.Now().Add(time.Second))
	require.NoError(t, err)
	tbl.Close("req_1")
	tbl.Close("req_1")
	assert.Equal(t, 0, tbl.Pending())
}
