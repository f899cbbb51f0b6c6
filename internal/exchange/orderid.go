package exchange

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jxskiss/base62"
)

var orderSeq atomic.Uint32

// NewClientOrderID 生成紧凑的自定义订单ID，格式 cb_<bot>_<purpose>_<time><seq>。
// 币安要求长度不超过36且只含 [.A-Z:/a-z0-9_-]。
func NewClientOrderID(botID int64, purpose string) string {
	ts := base62.FormatInt(time.Now().UnixMilli())
	seq := base62.FormatUint(uint64(orderSeq.Add(1) % 3844)) // 两位 base62
	id := fmt.Sprintf("cb_%s_%s_%s%s", base62.FormatInt(botID), purpose, ts, seq)
	if len(id) > 36 {
		id = id[:36]
	}
	return id
}
