package indexer

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"

	xerrors "FlowACP-Chain/internal/errors"
)

// MemoryStore 在内存中保存事件；配置了 path 时同时以 JSON lines 追加写入文件，重启后重放。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[uint64]Record
	file    *os.File
}

// NewMemoryStore 创建内存存储。path 为空时不落盘。
func NewMemoryStore(path string) (*MemoryStore, error) {
	s := &MemoryStore{records: make(map[uint64]Record)}
	if path == "" {
		return s, nil
	}
	if err := s.replay(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开事件文件失败")
	}
	s.file = f
	return s, nil
}

func (s *MemoryStore) replay(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取事件文件失败")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析事件文件失败")
		}
		s.records[r.Index] = r
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取事件文件失败")
	}
	return nil
}

// Append 实现 Store。
func (s *MemoryStore) Append(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.Index]; ok {
		return ErrDuplicate
	}
	if s.file != nil {
		line, err := json.Marshal(record)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码事件失败")
		}
		if _, err := s.file.Write(append(line, '\n')); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入事件文件失败")
		}
	}
	s.records[record.Index] = cloneRecord(record)
	return nil
}

// List 实现 Store，按事件序号升序返回。
func (s *MemoryStore) List(_ context.Context, opts ListOptions) ([]Record, error) {
	opts.applyDefaults()
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, opts.Limit)
	for _, r := range s.records {
		if opts.matches(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	for i := range out {
		out[i] = cloneRecord(out[i])
	}
	return out, nil
}

// LastIndex 实现 Store。
func (s *MemoryStore) LastIndex(context.Context) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		last uint64
		ok   bool
	)
	for idx := range s.records {
		if !ok || idx > last {
			last, ok = idx, true
		}
	}
	return last, ok, nil
}

// Close 关闭事件文件。
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

var _ Store = (*MemoryStore)(nil)
