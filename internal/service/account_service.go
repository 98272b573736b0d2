package service

import (
	"context"

	"proxyhub/internal/model"
	"proxyhub/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type AccountService struct {
	userRepo        *repository.UserRepository
	transactionRepo *repository.TransactionRepository
	balanceLogRepo  *repository.BalanceLogRepository
}

func NewAccountService(db *gorm.DB) *AccountService {
	return &AccountService{
		userRepo:        repository.NewUserRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		balanceLogRepo:  repository.NewBalanceLogRepository(db),
	}
}

type BalanceView struct {
	UserID  int64           `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

func (s *AccountService) GetBalance(ctx context.Context, userID int64) (*BalanceView, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &BalanceView{UserID: user.ID, Balance: user.Balance}, nil
}

func (s *AccountService) ListBalanceLogs(ctx context.Context, userID int64, page, pageSize int) ([]*model.BalanceLog, int64, error) {
	return s.balanceLogRepo.ListByUserID(ctx, userID, page, pageSize)
}

func (s *AccountService) ListTransactions(ctx context.Context, userID int64, page, pageSize int) ([]*model.Transaction, int64, error) {
	return s.transactionRepo.ListByUserID(ctx, userID, page, pageSize)
}

// GetTransaction 按流水号查询，不属于该用户时按不存在处理
func (s *AccountService) GetTransaction(ctx context.Context, transactionNo string, userID int64) (*model.Transaction, error) {
	trans, err := s.transactionRepo.GetByTransactionNo(ctx, transactionNo)
	if err != nil {
		return nil, err
	}
	if trans == nil || trans.UserID != userID {
		return nil, ErrTransactionNotFound
	}
	return trans, nil
}
