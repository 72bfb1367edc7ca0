package chain

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Event 是一条已提交的合约事件。Index 是全局事件日志中的位置。
type Event struct {
	Index     uint64            `json:"index"`
	Block     uint64            `json:"block"`
	Timestamp time.Time         `json:"timestamp"`
	TxHash    common.Hash       `json:"tx_hash"`
	Contract  string            `json:"contract"`
	Address   common.Address    `json:"address"`
	Name      string            `json:"name"`
	Signature string            `json:"signature"`
	Topic     common.Hash       `json:"topic"`
	Fields    map[string]string `json:"fields"`
}

// EventSpec 描述事件的签名，Topic 为签名的 keccak256。
type EventSpec struct {
	Name      string
	Signature string
	Topic     common.Hash
}

// NewEventSpec 由形如 "Delegated(address,uint8,uint256)" 的签名构造事件描述。
func NewEventSpec(signature string) EventSpec {
	name, _, _ := strings.Cut(signature, "(")
	return EventSpec{
		Name:      name,
		Signature: signature,
		Topic:     crypto.Keccak256Hash([]byte(signature)),
	}
}
