package auth

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// replayCache 记录窗口内已接受的签名载荷。键是签名者与载荷哈希，
// 因此同一载荷的 s 翻转或 v 取值变体也会被视为重放。
type replayCache struct {
	mu        sync.Mutex
	seen      map[common.Hash]time.Time
	lastSweep time.Time
}

func newReplayCache() *replayCache {
	return &replayCache{seen: make(map[common.Hash]time.Time)}
}

// claim 在 key 未出现过时记下它并返回 true；expires 之后该记录可以被清理，
// 此时对应的时间戳已经超出签名窗口。
func (c *replayCache) claim(key common.Hash, now, expires time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastSweep) > time.Minute {
		for k, exp := range c.seen {
			if now.After(exp) {
				delete(c.seen, k)
			}
		}
		c.lastSweep = now
	}
	if exp, ok := c.seen[key]; ok && !now.After(exp) {
		return false
	}
	c.seen[key] = expires
	return true
}

func (c *replayCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
