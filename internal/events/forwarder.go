package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"FlowACP-Chain/internal/chain"
	"FlowACP-Chain/pkg/logger"
)

// Forwarder 订阅运行时的提交钩子，把事件按提交顺序发布到 Producer。
// 钩子在运行时持有排序锁时被调用，因此只入队不发布；发布由 Run 所在协程完成。
type Forwarder struct {
	producer Producer
	chainID  string
	retry    time.Duration

	mu      sync.Mutex
	pending []chain.Event
	notify  chan struct{}

	logger *slog.Logger
}

// ForwarderOption 配置 Forwarder。
type ForwarderOption func(*Forwarder)

// WithRetryInterval 设置发布失败后的重试间隔。
func WithRetryInterval(d time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		if d > 0 {
			f.retry = d
		}
	}
}

// NewForwarder 创建 Forwarder 并挂到运行时的提交钩子上。
func NewForwarder(rt *chain.Runtime, producer Producer, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		producer: producer,
		chainID:  rt.ChainID().String(),
		retry:    time.Second,
		notify:   make(chan struct{}, 1),
		logger:   logger.Named("events"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	rt.OnCommit(f.enqueue)
	return f
}

func (f *Forwarder) enqueue(receipt chain.Receipt) {
	if len(receipt.Events) == 0 {
		return
	}
	f.mu.Lock()
	f.pending = append(f.pending, receipt.Events...)
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// Pending 返回尚未发布的事件数。
func (f *Forwarder) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Run 持续发布事件直到 ctx 结束。单条发布失败时按间隔重试，不跳过，保证顺序。
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		f.mu.Lock()
		var next *chain.Event
		if len(f.pending) > 0 {
			evt := f.pending[0]
			next = &evt
		}
		f.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-f.notify:
				continue
			}
		}

		if err := f.producer.Publish(ctx, NewEnvelope(f.chainID, *next)); err != nil {
			f.logger.Warn("事件发布失败，稍后重试",
				slog.Uint64("event_index", next.Index),
				slog.String("event", next.Name),
				slog.Any("error", err))
			timer := time.NewTimer(f.retry)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}

		f.mu.Lock()
		f.pending[0] = chain.Event{}
		f.pending = f.pending[1:]
		f.mu.Unlock()
	}
}
