package indexer

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "FlowACP-Chain/internal/errors"
	"FlowACP-Chain/internal/events"
	"FlowACP-Chain/internal/observability/alerting"
	"FlowACP-Chain/pkg/logger"
)

// Recorder 接收入库结果，通常由指标模块实现。
type Recorder interface {
	EventIndexed(contract, name string, duplicate bool)
}

// Processor 从总线消费事件并写入 Store。
type Processor struct {
	store       Store
	consumer    events.Consumer
	workerCount int
	alerter     alerting.Dispatcher
	recorder    Recorder
	now         func() time.Time
	logger      *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置存储失败时的告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithRecorder 配置入库结果的观察者。
func WithRecorder(r Recorder) ProcessorOption {
	return func(p *Processor) {
		p.recorder = r
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(store Store, consumer events.Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:       store,
		consumer:    consumer,
		workerCount: 1,
		now:         time.Now,
		logger:      logger.Named("indexer"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动消费循环直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "索引器未初始化")
	}
	if last, ok, err := p.store.LastIndex(ctx); err != nil {
		return err
	} else if ok {
		p.logger.Info("索引器启动", slog.Uint64("last_index", last))
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 写入单条事件。重复投递视为成功；其余错误返回给总线以便重投。
func (p *Processor) Handle(ctx context.Context, env events.Envelope) error {
	err := p.store.Append(ctx, recordFrom(env, p.now()))
	duplicate := stdErrors.Is(err, ErrDuplicate)
	if err != nil && !duplicate {
		p.logger.Error("事件入库失败",
			slog.String("envelope_id", env.ID),
			slog.Uint64("event_index", env.Event.Index),
			slog.Any("error", err))
		if p.alerter != nil && xerrors.ShouldAlert(err) {
			alert := alerting.FromError(err, env.Event.Contract, "index", env.Event.Address.Hex())
			if alert.Metadata == nil {
				alert.Metadata = make(map[string]string)
			}
			alert.Metadata["event_index"] = fmt.Sprint(env.Event.Index)
			alert.Metadata["event"] = env.Event.Name
			if notifyErr := p.alerter.Notify(context.WithoutCancel(ctx), alert); notifyErr != nil {
				p.logger.Error("告警通知失败", slog.Any("error", notifyErr))
			}
		}
		return err
	}
	if p.recorder != nil {
		p.recorder.EventIndexed(env.Event.Contract, env.Event.Name, duplicate)
	}
	if duplicate {
		p.logger.Debug("跳过重复事件", slog.Uint64("event_index", env.Event.Index))
		return nil
	}
	p.logger.Debug("事件已入库",
		slog.Uint64("event_index", env.Event.Index),
		slog.String("contract", env.Event.Contract),
		slog.String("event", env.Event.Name))
	return nil
}
