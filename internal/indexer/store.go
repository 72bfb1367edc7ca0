// Package indexer 消费事件总线上的已提交事件并持久化，供历史查询使用。
package indexer

import (
	"context"
	"strings"
	"time"

	"FlowACP-Chain/internal/chain"
	xerrors "FlowACP-Chain/internal/errors"
	"FlowACP-Chain/internal/events"
)

// ErrDuplicate 表示同一事件序号已经入库。
var ErrDuplicate = xerrors.New(xerrors.CodeConflict, "event already indexed")

// Record 是入库后的事件。
type Record struct {
	chain.Event
	EnvelopeID string    `json:"envelope_id"`
	ChainID    string    `json:"chain_id"`
	IndexedAt  time.Time `json:"indexed_at"`
}

func recordFrom(env events.Envelope, now time.Time) Record {
	return Record{Event: env.Event, EnvelopeID: env.ID, ChainID: env.ChainID, IndexedAt: now.UTC()}
}

// ListOptions 控制事件查询。
type ListOptions struct {
	FromIndex uint64
	Contract  string
	Name      string
	Limit     int
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 500 {
		opts.Limit = 500
	}
	opts.Contract = strings.TrimSpace(opts.Contract)
	opts.Name = strings.TrimSpace(opts.Name)
}

func (opts ListOptions) matches(r Record) bool {
	if r.Index < opts.FromIndex {
		return false
	}
	if opts.Contract != "" && r.Contract != opts.Contract {
		return false
	}
	if opts.Name != "" && r.Name != opts.Name {
		return false
	}
	return true
}

// Store 持久化事件。Append 对同一 Index 必须幂等地返回 ErrDuplicate。
type Store interface {
	Append(ctx context.Context, record Record) error
	List(ctx context.Context, opts ListOptions) ([]Record, error)
	// LastIndex 返回已入库的最大事件序号，库为空时 ok 为 false。
	LastIndex(ctx context.Context) (index uint64, ok bool, err error)
	Close() error
}

func cloneRecord(r Record) Record {
	if r.Fields != nil {
		fields := make(map[string]string, len(r.Fields))
		for k, v := range r.Fields {
			fields[k] = v
		}
		r.Fields = fields
	}
	return r
}
