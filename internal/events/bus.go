// Package events 把运行时已提交的合约事件转发到消息总线，供链下消费者（索引器等）订阅。
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"FlowACP-Chain/internal/chain"
	xerrors "FlowACP-Chain/internal/errors"
)

// Envelope 是总线上传输的消息。ID 用于链下去重，Event.Index 是链上全局序号。
type Envelope struct {
	ID          string      `json:"id"`
	ChainID     string      `json:"chain_id"`
	Event       chain.Event `json:"event"`
	PublishedAt time.Time   `json:"published_at"`
}

// NewEnvelope 包装一条事件。
func NewEnvelope(chainID string, evt chain.Event) Envelope {
	return Envelope{
		ID:          uuid.NewString(),
		ChainID:     chainID,
		Event:       evt,
		PublishedAt: time.Now().UTC(),
	}
}

// Handler 处理来自总线的一条消息。
type Handler func(ctx context.Context, env Envelope) error

// Producer 负责向总线投递消息。
type Producer interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// Consumer 负责从总线消费消息。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Bus 同时具备生产者与消费者能力。
type Bus interface {
	Producer
	Consumer
}

func encode(env Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "序列化事件失败")
	}
	return body, nil
}

func decode(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "解析事件失败")
	}
	return env, nil
}
