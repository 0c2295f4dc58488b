package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "Sentinel-Protocol/internal/errors"
	"Sentinel-Protocol/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// redisList 是队列用到的 Redis list 命令，*redis.Client 实现该接口。
type redisList interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	Close() error
}

// RedisQueue 使用 Redis list 实现任务队列，LPUSH 入队、BRPOP 出队。
type RedisQueue struct {
	client redisList
	queue  string
	wait   time.Duration
}

// NewRedisQueue 创建 Redis 队列实例并检查连通性。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return newRedisQueue(client, cfg), nil
}

func newRedisQueue(client redisList, cfg RedisQueueConfig) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = "sentinel:triggers"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, wait: wait}
}

// Publish 将任务投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.queue, taskID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布任务失败")
	}
	return nil
}

// Consume 通过 BRPOP 获取任务；处理失败的任务以 LPUSH 排到已有任务之后。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	log := logger.Named("redis-queue")
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		once    sync.Once
		failure error
	)
	runWorkers(workerCount, func() {
		for runCtx.Err() == nil {
			values, err := q.client.BRPop(runCtx, q.wait, q.queue).Result()
			switch {
			case stdErrors.Is(err, redis.Nil):
				continue
			case err != nil:
				if runCtx.Err() == nil && !stdErrors.Is(err, redis.ErrClosed) {
					// 一个 worker 出错即停止全部 worker。
					once.Do(func() {
						failure = xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败")
						cancel()
					})
				}
				return
			case len(values) != 2:
				continue
			}
			taskID := values[1]
			if handlerErr := handler(runCtx, taskID); handlerErr != nil {
				if pushErr := q.client.LPush(context.WithoutCancel(runCtx), q.queue, taskID).Err(); pushErr != nil {
					log.Error("任务回队失败", slog.String("task_id", taskID), slog.Any("error", pushErr))
				}
			}
		}
	})
	if failure != nil {
		return failure
	}
	return ctx.Err()
}

// Depth 返回 Redis list 的长度。
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.queue).Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeQueueFailure, err, "读取 Redis 队列长度失败")
	}
	return n, nil
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

var (
	_ Queue = (*RedisQueue)(nil)
	_ Depth = (*RedisQueue)(nil)
)
