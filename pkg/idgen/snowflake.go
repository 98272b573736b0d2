package idgen

import (
	"fmt"
	"sync"
	"time"
)

// 雪花算法：1 位符号 | 41 位毫秒时间戳 | 10 位机器 ID | 12 位序列号
// 单号在 ID 前拼业务前缀和时间，便于人工排查

const (
	epoch          = int64(1704067200000) // 2024-01-01 00:00:00 UTC
	workerIDBits   = 10
	sequenceBits   = 12
	maxWorkerID    = -1 ^ (-1 << workerIDBits)
	maxSequence    = -1 ^ (-1 << sequenceBits)
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

const (
	PrefixOrder       = "ORD"
	PrefixPayment     = "PAY"
	PrefixTransaction = "TXN"
	PrefixRefund      = "REF"
)

type Snowflake struct {
	mu        sync.Mutex
	timestamp int64
	workerID  int64
	sequence  int64
}

var (
	defaultGenerator = &Snowflake{workerID: 1}
	initOnce         sync.Once
)

func NewSnowflake(workerID int64) (*Snowflake, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, fmt.Errorf("workerID 必须在 0-%d 之间", maxWorkerID)
	}
	return &Snowflake{workerID: workerID}, nil
}

// Init 设置默认生成器的机器 ID，只在第一次调用时生效
func Init(workerID int64) error {
	var err error
	initOnce.Do(func() {
		var s *Snowflake
		s, err = NewSnowflake(workerID)
		if err == nil {
			defaultGenerator = s
		}
	})
	return err
}

func NextID() int64 {
	return defaultGenerator.Generate()
}

func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()

	if now == s.timestamp {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			// 序列号用完，等待下一毫秒
			for now <= s.timestamp {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}

	s.timestamp = now

	return ((now - epoch) << timestampShift) |
		(s.workerID << workerIDShift) |
		s.sequence
}

// 格式：前缀 + 年月日时分秒 + 雪花 ID 后 10 位，例如 ORD202401151430520012345678
func generateNo(prefix string) string {
	id := NextID()
	timestamp := time.Now().Format("20060102150405")
	return fmt.Sprintf("%s%s%010d", prefix, timestamp, id%10000000000)
}

func GenerateOrderNo() string {
	return generateNo(PrefixOrder)
}

// GeneratePaymentID 非加密货币支付没有上游 uuid，用本地单号作为支付标识
func GeneratePaymentID() string {
	return generateNo(PrefixPayment)
}

func GenerateTransactionNo() string {
	return generateNo(PrefixTransaction)
}

func GenerateRefundNo() string {
	return generateNo(PrefixRefund)
}
