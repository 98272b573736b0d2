package service

import (
	"context"
	"sync"
	"testing"

	"proxyhub/internal/model"
	"proxyhub/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPurchaseDeductsBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := seedUser(t, env.db, "100.00")
	svc := NewPurchaseService(env.db, newTestRedisClient(t), env.cfg)

	resp, err := svc.Purchase(ctx, &PurchaseRequest{
		RequestID:   "buy-1",
		UserID:      user.ID,
		Amount:      decimal.RequireFromString("30.25"),
		Description: "住宅代理 30 天",
	})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCompleted, resp.Status)
	assert.True(t, decimal.RequireFromString("69.75").Equal(resp.BalanceAfter))
	assert.True(t, decimal.RequireFromString("69.75").Equal(reloadUser(t, env.db, user.ID).Balance))

	var trans model.Transaction
	require.NoError(t, env.db.Where("user_id = ? AND type = ?", user.ID, model.TransactionTypePurchase).First(&trans).Error)
	assert.True(t, decimal.RequireFromString("-30.25").Equal(trans.Amount))
	assert.Equal(t, int64(1), countRows(t, env.db, &model.OutboxMessage{}, "topic = ? AND message_key = ?", "pay_result", resp.OrderNo))

	// 重复请求不会重复扣款
	again, err := svc.Purchase(ctx, &PurchaseRequest{RequestID: "buy-1", UserID: user.ID, Amount: decimal.RequireFromString("30.25")})
	require.NoError(t, err)
	assert.Equal(t, resp.OrderNo, again.OrderNo)
	assert.Equal(t, "订单已存在", again.Message)
	assert.True(t, decimal.RequireFromString("69.75").Equal(reloadUser(t, env.db, user.ID).Balance))
}

func TestPurchaseInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	user := seedUser(t, env.db, "10.00")
	svc := NewPurchaseService(env.db, nil, env.cfg)

	_, err := svc.Purchase(context.Background(), &PurchaseRequest{RequestID: "buy-2", UserID: user.ID, Amount: decimal.NewFromInt(11)})
	assert.ErrorIs(t, err, repository.ErrBalanceNotEnough)
	assert.Equal(t, int64(0), countRows(t, env.db, &model.Order{}, "1 = 1"))
	assert.True(t, decimal.NewFromInt(10).Equal(reloadUser(t, env.db, user.ID).Balance))
}

func TestConcurrentPurchasesNeverOverdraw(t *testing.T) {
	env := newTestEnv(t)
	user := seedUser(t, env.db, "50.00")
	svc := NewPurchaseService(env.db, newTestRedisClient(t), env.cfg)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Purchase(context.Background(), &PurchaseRequest{
				RequestID: "buy-c-" + string(rune('a'+i)),
				UserID:    user.ID,
				Amount:    decimal.NewFromInt(20),
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 2, succeeded)
	assert.True(t, decimal.NewFromInt(10).Equal(reloadUser(t, env.db, user.ID).Balance))
}

func TestRefundPurchase(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := seedUser(t, env.db, "100.00")
	redisClient := newTestRedisClient(t)
	purchases := NewPurchaseService(env.db, redisClient, env.cfg)
	refunds := NewRefundService(env.db, redisClient, env.cfg)

	bought, err := purchases.Purchase(ctx, &PurchaseRequest{RequestID: "buy-r", UserID: user.ID, Amount: decimal.NewFromInt(40)})
	require.NoError(t, err)

	resp, err := refunds.Refund(ctx, &RefundRequest{RequestID: "refund-1", OrderNo: bought.OrderNo, Reason: "代理不可用"})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusRefunded, resp.Status)
	assert.NotEmpty(t, resp.RefundNo)
	assert.True(t, decimal.NewFromInt(100).Equal(reloadUser(t, env.db, user.ID).Balance))

	again, err := refunds.Refund(ctx, &RefundRequest{RequestID: "refund-2", OrderNo: bought.OrderNo})
	require.NoError(t, err)
	assert.Equal(t, "已退款，请勿重复操作", again.Message)
	assert.True(t, decimal.NewFromInt(100).Equal(reloadUser(t, env.db, user.ID).Balance))

	var logs []model.BalanceLog
	require.NoError(t, env.db.Where("user_id = ?", user.ID).Order("id").Find(&logs).Error)
	require.Len(t, logs, 2)
	assert.Equal(t, model.TransactionTypePurchase, logs[0].Type)
	assert.Equal(t, model.TransactionTypeRefund, logs[1].Type)
}

func TestRefundRejectsRechargeAndPendingOrders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := seedUser(t, env.db, "0")
	refunds := NewRefundService(env.db, nil, env.cfg)

	recharge, _ := seedRecharge(t, env.db, user.ID, "50.00", 1)
	_, err := refunds.Refund(ctx, &RefundRequest{RequestID: "r1", OrderNo: recharge.OrderNo})
	assert.ErrorIs(t, err, ErrRefundNotAllowed)

	require.NoError(t, env.db.Model(&model.Order{}).Where("id = ?", recharge.ID).Update("type", model.OrderTypePurchase).Error)
	_, err = refunds.Refund(ctx, &RefundRequest{RequestID: "r2", OrderNo: recharge.OrderNo})
	assert.ErrorIs(t, err, ErrRefundNotAllowed)

	_, err = refunds.Refund(ctx, &RefundRequest{RequestID: "r3", OrderNo: "missing"})
	assert.ErrorIs(t, err, repository.ErrOrderNotFound)
}

func TestAccountQueries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := seedUser(t, env.db, "0")
	accounts := NewAccountService(env.db)
	_, payment := seedRecharge(t, env.db, user.ID, "50.00", 1)
	_, err := env.confirm.Confirm(ctx, &ConfirmInput{PaymentID: payment.PaymentID, Status: "paid", Confirmations: 1})
	require.NoError(t, err)

	balance, err := accounts.GetBalance(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50).Equal(balance.Balance))

	logs, total, err := accounts.ListBalanceLogs(ctx, user.ID, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, logs, 1)

	list, _, err := accounts.ListTransactions(ctx, user.ID, 1, 20)
	require.NoError(t, err)
	require.Len(t, list, 1)

	trans, err := accounts.GetTransaction(ctx, list[0].TransactionNo, user.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionTypeRecharge, trans.Type)

	_, err = accounts.GetTransaction(ctx, list[0].TransactionNo, user.ID+1)
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	_, err = accounts.GetBalance(ctx, user.ID+1000)
	assert.ErrorIs(t, err, repository.ErrUserNotFound)
}
