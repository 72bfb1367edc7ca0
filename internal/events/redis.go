package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "FlowACP-Chain/internal/errors"
	"FlowACP-Chain/pkg/logger"
)

// RedisConfig 描述 Redis 总线的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisBus 使用 Redis list 实现事件总线：LPUSH 入队、BRPOP 出队。
type RedisBus struct {
	client *redis.Client
	queue  string
	wait   time.Duration
}

// NewRedisBus 连接 Redis 并返回总线。
func NewRedisBus(ctx context.Context, cfg RedisConfig) (*RedisBus, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 失败")
	}
	return NewRedisBusWithClient(client, cfg.Queue, cfg.BlockWait), nil
}

// NewRedisBusWithClient 基于已有客户端构造总线。
func NewRedisBusWithClient(client *redis.Client, queue string, wait time.Duration) *RedisBus {
	if queue == "" {
		queue = "flowacp:events"
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisBus{client: client, queue: queue, wait: wait}
}

// Publish 将消息写入 Redis。
func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	body, err := encode(env)
	if err != nil {
		return err
	}
	if err := b.client.LPush(ctx, b.queue, body).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布事件失败")
	}
	return nil
}

// Consume 通过 BRPOP 获取消息，处理失败时重新投递到队尾。
func (b *RedisBus) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := b.client.BRPop(ctx, b.wait, b.queue).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if errors.Is(err, redis.Nil) {
						continue
					}
					errCh <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取事件失败")
					return
				}
				if len(values) != 2 {
					continue
				}
				env, err := decode([]byte(values[1]))
				if err != nil {
					logger.L().Error("丢弃无法解析的事件", slog.String("queue", b.queue), slog.Any("error", err))
					continue
				}
				if handlerErr := handler(ctx, env); handlerErr != nil {
					if pushErr := b.client.RPush(ctx, b.queue, values[1]).Err(); pushErr != nil {
						errCh <- fmt.Errorf("重新投递事件 %s 失败: %w", env.ID, pushErr)
						return
					}
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭 Redis 连接。
func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
