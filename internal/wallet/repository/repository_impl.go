package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	walletdomain "github.com/smallbiznis/simvault/internal/wallet/domain"
	"github.com/smallbiznis/simvault/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() walletdomain.Repository {
	return &repo{}
}

func (r *repo) FindByCompanyID(ctx context.Context, conn *gorm.DB, companyID snowflake.ID) (*walletdomain.Wallet, error) {
	var wallet walletdomain.Wallet
	err := conn.WithContext(ctx).Raw(
		`SELECT id, company_id, balance_cents, currency, created_at, updated_at
		 FROM wallets WHERE company_id = ?`,
		companyID,
	).Scan(&wallet).Error
	if err != nil {
		return nil, err
	}
	if wallet.ID == 0 {
		return nil, nil
	}
	return &wallet, nil
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, wallet *walletdomain.Wallet) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO wallets (id, company_id, balance_cents, currency, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		wallet.ID,
		wallet.CompanyID,
		wallet.BalanceCents,
		wallet.Currency,
		wallet.CreatedAt,
		wallet.UpdatedAt,
	).Error
}

func (r *repo) Credit(ctx context.Context, conn *gorm.DB, companyID snowflake.ID, amountCents int64) error {
	res := conn.WithContext(ctx).Exec(
		`UPDATE wallets SET balance_cents = balance_cents + ?, updated_at = CURRENT_TIMESTAMP
		 WHERE company_id = ?`,
		amountCents,
		companyID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return walletdomain.ErrWalletNotFound
	}
	return nil
}

// DebitForRenewal decrements the balance only when it covers the amount, so
// concurrent renewals for the same company can never overdraw the wallet. The
// debit row's unique constraint turns a replayed cycle into
// ErrDuplicateRenewalCost instead of a second charge.
func (r *repo) DebitForRenewal(ctx context.Context, conn *gorm.DB, req walletdomain.DebitRequest) error {
	wallet, err := r.FindByCompanyID(ctx, conn, req.CompanyID)
	if err != nil {
		return err
	}
	if wallet == nil {
		return walletdomain.ErrWalletNotFound
	}

	if err := conn.WithContext(ctx).Exec(
		`INSERT INTO wallet_debits (id, wallet_id, esim_id, renewal_order_id, amount_cents, currency, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		req.DebitID,
		wallet.ID,
		req.EsimID,
		req.RenewalOrderID,
		req.AmountCents,
		req.Currency,
	).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return walletdomain.ErrDuplicateRenewalCost
		}
		return err
	}

	res := conn.WithContext(ctx).Exec(
		`UPDATE wallets SET balance_cents = balance_cents - ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND balance_cents >= ?`,
		req.AmountCents,
		wallet.ID,
		req.AmountCents,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return walletdomain.ErrInsufficientBalance
	}
	return nil
}
