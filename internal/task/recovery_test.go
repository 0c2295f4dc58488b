package task

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Sentinel-Protocol/internal/action"
	"Sentinel-Protocol/internal/agent"
	"Sentinel-Protocol/internal/orchestrator"
	"Sentinel-Protocol/internal/trigger"
)

func TestShutdownInterruptedTaskIsRequeuedOnRecovery(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	started := make(chan struct{})
	blocking := proposerFunc(func(ctx context.Context, req agent.ProposalRequest) (*action.Candidate, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	firstQueue := NewMemoryQueue(8)
	service := NewService(store, firstQueue, 3)
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- NewProcessor(newRunner(t, blocking), store, firstQueue, firstQueue).Start(runCtx)
	}()

	submitted, err := service.Submit(ctx, SubmitRequest{Trigger: trigger.Trigger{Reason: "rebalance"}})
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("运行未开始")
	}
	stop()
	select {
	case err := <-done:
		if err != nil && !stdErrors.Is(err, context.Canceled) {
			t.Fatalf("processor exited: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("处理器未退出")
	}

	interrupted, err := store.Get(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, interrupted.Status)
	assert.False(t, interrupted.Terminal)
	assert.Equal(t, string(orchestrator.CodeRunCancelled), interrupted.ErrorCode)

	// 模拟重启：新的内存队列为空，只有恢复流程能把任务重新投递。
	queue := NewMemoryQueue(8)
	restarted := NewService(store, queue, 3)
	report, err := NewRecovery(store, queue).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{Requeued: 1}, report)

	procCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	t.Cleanup(cancel)
	go func() { _ = NewProcessor(newRunner(t, proposing(compliantSwap)), store, queue, queue).Start(procCtx) }()

	task := waitFor(t, restarted, submitted.ID)
	assert.Equal(t, StatusAuthorized, task.Status)
	assert.Equal(t, 2, task.Attempts)
}

func TestRecoveryFailsRunningTasksClosed(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Task{ID: "crashed", MaxRetries: 3}))
	_, err := store.Claim(ctx, "crashed")
	require.NoError(t, err)

	report, err := NewRecovery(store, queue).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{Abandoned: 1}, report)

	task, err := store.Get(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, task.Status)
	assert.True(t, task.Terminal)
	assert.Equal(t, string(CodeTaskInterrupted), task.ErrorCode)
	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestRecoveryHonoursRetryBudgetAndPendingOption(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Task{ID: "spent", MaxRetries: 1}))
	_, err := store.Claim(ctx, "spent")
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, "spent", orchestrator.CodeRunCancelled, "cancelled", nil, false))
	require.NoError(t, store.Create(ctx, &Task{ID: "queued", MaxRetries: 3}))

	report, err := NewRecovery(store, queue).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{Abandoned: 1}, report)
	spent, err := store.Get(ctx, "spent")
	require.NoError(t, err)
	assert.True(t, spent.Terminal)

	report, err = NewRecovery(store, queue, WithPendingRequeue(true)).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{Requeued: 1}, report)
	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}
