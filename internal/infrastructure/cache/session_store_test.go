package cache

import (
	"context"
	"testing"
	"time"

	"proxyhub/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestSessionCacheSaveAndLoadFromRedis(t *testing.T) {
	mr, client := newTestRedis(t)
	c := NewSessionCache(client, time.Hour)
	ctx := context.Background()

	c.Save(ctx, "pay-1", &SessionData{
		PaymentID:             "pay-1",
		Status:                model.PaymentStatusPending,
		Confirmations:         3,
		RequiredConfirmations: 12,
	})

	assert.True(t, mr.Exists("payment:session:pay-1"))
	assert.Equal(t, time.Hour, mr.TTL("payment:session:pay-1"))

	// 另一个实例只有 Redis 层也能读到
	other := NewSessionCache(client, time.Hour)
	data, err := other.Load(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusPending, data.Status)
	assert.Equal(t, 3, data.Confirmations)
	assert.Equal(t, 12, data.RequiredConfirmations)
}

func TestSessionCacheFallsBackToLocalWhenRedisDown(t *testing.T) {
	mr, client := newTestRedis(t)
	c := NewSessionCache(client, time.Hour)
	ctx := context.Background()

	mr.Close()

	c.Save(ctx, "pay-2", &SessionData{PaymentID: "pay-2", Status: model.PaymentStatusConfirmed})

	data, err := c.Load(ctx, "pay-2")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusConfirmed, data.Status)
}

func TestSessionCacheRedisPreferredOverLocal(t *testing.T) {
	_, client := newTestRedis(t)
	a := NewSessionCache(client, time.Hour)
	b := NewSessionCache(client, time.Hour)
	ctx := context.Background()

	a.Save(ctx, "pay-3", &SessionData{PaymentID: "pay-3", Status: model.PaymentStatusPending})
	b.Save(ctx, "pay-3", &SessionData{PaymentID: "pay-3", Status: model.PaymentStatusConfirmed})

	data, err := a.Load(ctx, "pay-3")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusConfirmed, data.Status)
}

func TestSessionCacheWithoutRedis(t *testing.T) {
	c := NewSessionCache(nil, 0)
	ctx := context.Background()

	_, err := c.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	c.Save(ctx, "pay-4", &SessionData{PaymentID: "pay-4", Status: model.PaymentStatusExpired})
	data, err := c.Load(ctx, "pay-4")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusExpired, data.Status)

	c.Save(ctx, "pay-5", nil)
	_, err = c.Load(ctx, "pay-5")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionCacheCleanup(t *testing.T) {
	c := NewSessionCache(nil, 10*time.Millisecond)
	ctx := context.Background()

	c.Save(ctx, "pay-6", &SessionData{PaymentID: "pay-6"})
	time.Sleep(30 * time.Millisecond)

	_, err := c.Load(ctx, "pay-6")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 1, c.Cleanup())
	assert.Equal(t, 0, c.Cleanup())
}

func TestSessionFromPayment(t *testing.T) {
	amount := decimal.RequireFromString("0.00123456")
	p := &model.Payment{
		PaymentID:             "pay-7",
		Status:                model.PaymentStatusPending,
		RequiredConfirmations: 1,
		CryptoCurrency:        "BTC",
		Network:               "btc",
		CryptoAmount:          &amount,
		WalletAddress:         "bc1qaddr",
	}

	data := SessionFromPayment(p)
	assert.Equal(t, "pay-7", data.PaymentID)
	assert.Equal(t, "0.00123456", data.CryptoAmount)
	assert.Equal(t, "bc1qaddr", data.WalletAddress)
	assert.Equal(t, 1, data.RequiredConfirmations)
}
