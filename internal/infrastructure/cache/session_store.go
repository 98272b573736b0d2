package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"proxyhub/internal/model"
	"proxyhub/pkg/logger"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	sessionKeyPrefix  = "payment:session:"
	DefaultSessionTTL = 2 * time.Hour
)

var ErrSessionNotFound = errors.New("支付会话不存在")

// SessionData 支付会话快照，供轮询接口在上游不可用时返回
type SessionData struct {
	PaymentID             string              `json:"payment_id"`
	Status                model.PaymentStatus `json:"status"`
	Confirmations         int                 `json:"confirmations"`
	RequiredConfirmations int                 `json:"required_confirmations"`
	TransactionHash       string              `json:"transaction_hash,omitempty"`
	WalletAddress         string              `json:"wallet_address,omitempty"`
	CryptoCurrency        string              `json:"crypto_currency,omitempty"`
	CryptoAmount          string              `json:"crypto_amount,omitempty"`
	Network               string              `json:"network,omitempty"`
	ExpiresAt             *time.Time          `json:"expires_at,omitempty"`
	UpdatedAt             time.Time           `json:"updated_at"`
}

// SessionFromPayment 由支付记录生成会话快照
func SessionFromPayment(p *model.Payment) *SessionData {
	data := &SessionData{
		PaymentID:             p.PaymentID,
		Status:                p.Status,
		Confirmations:         p.Confirmations,
		RequiredConfirmations: p.RequiredConfirmations,
		TransactionHash:       p.TransactionHash,
		WalletAddress:         p.WalletAddress,
		CryptoCurrency:        p.CryptoCurrency,
		Network:               p.Network,
		ExpiresAt:             p.ExpiresAt,
		UpdatedAt:             time.Now(),
	}
	if p.CryptoAmount != nil {
		data.CryptoAmount = p.CryptoAmount.String()
	}
	return data
}

type localEntry struct {
	data     SessionData
	expireAt time.Time
}

// SessionCache 两级支付会话缓存：进程内 map + Redis
// 读：Redis 优先，其次本地；写：先本地再 Redis，Redis 失败只记日志
// 多个写者之间不加锁，后写覆盖先写
type SessionCache struct {
	mu    sync.RWMutex
	local map[string]localEntry
	rdb   *redis.Client
	ttl   time.Duration
}

// NewSessionCache rdb 可以为 nil，此时只使用本地缓存
func NewSessionCache(rdb *redis.Client, ttl time.Duration) *SessionCache {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionCache{
		local: make(map[string]localEntry),
		rdb:   rdb,
		ttl:   ttl,
	}
}

func sessionKey(paymentID string) string {
	return sessionKeyPrefix + paymentID
}

// Save 写入会话，永不返回错误
func (c *SessionCache) Save(ctx context.Context, paymentID string, data *SessionData) {
	if data == nil {
		return
	}

	c.mu.Lock()
	c.local[paymentID] = localEntry{data: *data, expireAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	if c.rdb == nil {
		return
	}

	body, err := json.Marshal(data)
	if err != nil {
		logger.Warn(ctx, "序列化支付会话失败", zap.String("payment_id", paymentID), zap.Error(err))
		return
	}
	if err := c.rdb.Set(ctx, sessionKey(paymentID), body, c.ttl).Err(); err != nil {
		logger.Warn(ctx, "写入 Redis 支付会话失败，仅保留本地缓存",
			zap.String("payment_id", paymentID), zap.Error(err))
	}
}

// Load 读取会话，两级都没有时返回 ErrSessionNotFound
func (c *SessionCache) Load(ctx context.Context, paymentID string) (*SessionData, error) {
	if c.rdb != nil {
		body, err := c.rdb.Get(ctx, sessionKey(paymentID)).Bytes()
		switch {
		case err == nil:
			var data SessionData
			if err := json.Unmarshal(body, &data); err == nil {
				return &data, nil
			}
			logger.Warn(ctx, "Redis 支付会话格式错误", zap.String("payment_id", paymentID))
		case !errors.Is(err, redis.Nil):
			logger.Warn(ctx, "读取 Redis 支付会话失败，回退本地缓存",
				zap.String("payment_id", paymentID), zap.Error(err))
		}
	}

	c.mu.RLock()
	entry, ok := c.local[paymentID]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.expireAt) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, paymentID)
	}
	data := entry.data
	return &data, nil
}

// Cleanup 清理本地过期条目，返回清理数量
func (c *SessionCache) Cleanup() int {
	now := time.Now()
	removed := 0

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, entry := range c.local {
		if now.After(entry.expireAt) {
			delete(c.local, id)
			removed++
		}
	}
	return removed
}
