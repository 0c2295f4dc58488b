package task

import (
	"context"
	"sync"

	xerrors "Sentinel-Protocol/internal/errors"
)

// MemoryQueue 是进程内的有界队列，满时 Publish 阻塞到 ctx 结束。
type MemoryQueue struct {
	ch     chan string
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size)}
}

// Publish 将任务投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- taskID:
		return nil
	}
}

// Depth 返回排队中的任务数。
func (q *MemoryQueue) Depth(context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}

// Consume 消费到 ctx 结束或队列关闭。内存队列不重投失败的任务。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	runWorkers(workerCount, func() {
		for {
			select {
			case <-ctx.Done():
				return
			case taskID, ok := <-q.ch:
				if !ok {
					return
				}
				_ = handler(ctx, taskID)
			}
		}
	})
	return ctx.Err()
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	return nil
}

var (
	_ Queue = (*MemoryQueue)(nil)
	_ Depth = (*MemoryQueue)(nil)
)
