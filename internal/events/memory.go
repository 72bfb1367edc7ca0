package events

import (
	"context"
	"log/slog"
	"sync"

	xerrors "FlowACP-Chain/internal/errors"
	"FlowACP-Chain/pkg/logger"
)

// MemoryBus 使用 channel 模拟消息总线，用于单进程部署与测试。
type MemoryBus struct {
	ch     chan Envelope
	mu     sync.RWMutex
	closed bool
}

// NewMemoryBus 创建内存总线。
func NewMemoryBus(size int) *MemoryBus {
	if size <= 0 {
		size = 256
	}
	return &MemoryBus{ch: make(chan Envelope, size)}
}

// Publish 投递消息，缓冲区满时阻塞直到 ctx 结束。
func (b *MemoryBus) Publish(ctx context.Context, env Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "总线已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.ch <- env:
		return nil
	}
}

// Consume 启动 workerCount 个协程消费消息。只有 workerCount 为 1 时保证按事件序号处理。
func (b *MemoryBus) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case env, ok := <-b.ch:
					if !ok {
						return
					}
					if err := handler(ctx, env); err != nil {
						logger.L().Warn("事件处理失败",
							slog.String("envelope_id", env.ID),
							slog.Uint64("event_index", env.Event.Index),
							slog.Any("error", err))
					}
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭总线。
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		close(b.ch)
		b.closed = true
	}
	return nil
}
