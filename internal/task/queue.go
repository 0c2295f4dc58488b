package task

import (
	"context"
	"sync"
)

// Handler 处理一条出队的任务 ID。返回错误时，支持重投的队列会把消息放回。
// 编排失败本身不应返回错误，它已记录在任务状态里。
type Handler func(ctx context.Context, taskID string) error

// Producer 投递任务 ID。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 以 workerCount 个协程消费任务，阻塞到 ctx 结束或队列出错。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// Depth 由能报告积压长度的队列实现。
type Depth interface {
	Depth(ctx context.Context) (int64, error)
}

// runWorkers 启动 n 个 worker 并等待它们全部退出。
func runWorkers(n int, worker func()) {
	if n <= 0 {
		n = 1
	}
	var wg sync.WaitGroup
	wg.Add(n)
	for range n {
		go func() {
			defer wg.Done()
			worker()
		}()
	}
	wg.Wait()
}
