package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const franchiseeColumns = `id, username, password_hash, store_name, qr_code, shop_id, shop_name, total_quota, used_quota, remaining_quota, status, created_at, updated_at`

func scanFranchisee(row rowScanner) (FranchiseeAccount, error) {
	var a FranchiseeAccount
	if err := row.Scan(&a.ID, &a.Username, &a.PasswordHash, &a.StoreName, &a.QRCode, &a.ShopID, &a.ShopName,
		&a.TotalQuota, &a.UsedQuota, &a.RemainingQuota, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return FranchiseeAccount{}, err
	}
	a.TotalQuota = cny(a.TotalQuota)
	a.UsedQuota = cny(a.UsedQuota)
	a.RemainingQuota = cny(a.RemainingQuota)
	return a, nil
}

type CreateFranchiseeInput struct {
	Username     string
	PasswordHash []byte
	StoreName    string
	QRCode       string
	ShopID       string
	ShopName     string
	InitialQuota decimal.Decimal
	Operator     string
}

// CreateFranchisee 创建加盟商账号；初始额度以 manual 充值记录入账。
func (s *Store) CreateFranchisee(ctx context.Context, in CreateFranchiseeInput) (FranchiseeAccount, error) {
	username := strings.TrimSpace(in.Username)
	qr := strings.TrimSpace(in.QRCode)
	if username == "" || qr == "" {
		return FranchiseeAccount{}, errors.New("用户名与二维码不能为空")
	}
	if len(in.PasswordHash) == 0 {
		return FranchiseeAccount{}, errors.New("密码不能为空")
	}
	initial := cny(in.InitialQuota)
	if initial.IsNegative() {
		return FranchiseeAccount{}, errors.New("初始额度不能为负")
	}

	var out FranchiseeAccount
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.clock()
		res, err := tx.ExecContext(ctx, `
INSERT INTO franchisee_accounts(username, password_hash, store_name, qr_code, shop_id, shop_name, total_quota, used_quota, remaining_quota, status, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?, ?)
`, username, in.PasswordHash, in.StoreName, qr, in.ShopID, in.ShopName, FranchiseeStatusActive, now, now)
		if err != nil {
			if isDuplicateKeyError(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("创建加盟商失败: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("获取加盟商 id 失败: %w", err)
		}
		if initial.GreaterThan(decimal.Zero) {
			if _, err := s.adjustQuotaTx(ctx, tx, id, initial, RechargeTypeManual, nil, in.Operator, "开户充值"); err != nil {
				return err
			}
		}
		out, err = scanFranchisee(tx.QueryRowContext(ctx, `SELECT `+franchiseeColumns+` FROM franchisee_accounts WHERE id=?`, id))
		return err
	})
	if err != nil {
		return FranchiseeAccount{}, err
	}
	return out, nil
}

func (s *Store) GetFranchiseeByID(ctx context.Context, id int64) (FranchiseeAccount, error) {
	a, err := scanFranchisee(s.db.QueryRowContext(ctx, `SELECT `+franchiseeColumns+` FROM franchisee_accounts WHERE id=?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FranchiseeAccount{}, sql.ErrNoRows
		}
		return FranchiseeAccount{}, fmt.Errorf("查询加盟商失败: %w", err)
	}
	return a, nil
}

func (s *Store) GetFranchiseeByUsername(ctx context.Context, username string) (FranchiseeAccount, error) {
	a, err := scanFranchisee(s.db.QueryRowContext(ctx, `SELECT `+franchiseeColumns+` FROM franchisee_accounts WHERE username=?`, strings.TrimSpace(username)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FranchiseeAccount{}, sql.ErrNoRows
		}
		return FranchiseeAccount{}, fmt.Errorf("查询加盟商失败: %w", err)
	}
	return a, nil
}

func (s *Store) GetFranchiseeByQRCode(ctx context.Context, qr string) (FranchiseeAccount, error) {
	a, err := scanFranchisee(s.db.QueryRowContext(ctx, `SELECT `+franchiseeColumns+` FROM franchisee_accounts WHERE qr_code=?`, strings.TrimSpace(qr)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FranchiseeAccount{}, sql.ErrNoRows
		}
		return FranchiseeAccount{}, fmt.Errorf("查询加盟商失败: %w", err)
	}
	return a, nil
}

func (s *Store) lockFranchiseeByQRTx(ctx context.Context, tx *sql.Tx, qr string) (FranchiseeAccount, error) {
	a, err := scanFranchisee(tx.QueryRowContext(ctx, `SELECT `+franchiseeColumns+` FROM franchisee_accounts WHERE qr_code=?`+forUpdateClause(s.dialect), qr))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FranchiseeAccount{}, sql.ErrNoRows
		}
		return FranchiseeAccount{}, fmt.Errorf("锁定加盟商失败: %w", err)
	}
	return a, nil
}

func (s *Store) lockFranchiseeTx(ctx context.Context, tx *sql.Tx, id int64) (FranchiseeAccount, error) {
	a, err := scanFranchisee(tx.QueryRowContext(ctx, `SELECT `+franchiseeColumns+` FROM franchisee_accounts WHERE id=?`+forUpdateClause(s.dialect), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FranchiseeAccount{}, sql.ErrNoRows
		}
		return FranchiseeAccount{}, fmt.Errorf("锁定加盟商失败: %w", err)
	}
	return a, nil
}

// adjustQuotaTx 是额度变动的唯一入口，每次变动写一条 franchisee_recharges 审计记录。
//
// debit/refund 的 amount 为正数的变动量；manual/adjustment 的 amount 为带符号的总额度增量。
func (s *Store) adjustQuotaTx(ctx context.Context, tx *sql.Tx, accountID int64, amount decimal.Decimal, kind string, orderID *int64, operator string, notes string) (FranchiseeAccount, error) {
	amount = cny(amount)
	acc, err := s.lockFranchiseeTx(ctx, tx, accountID)
	if err != nil {
		return FranchiseeAccount{}, err
	}

	total, used, remaining := acc.TotalQuota, acc.UsedQuota, acc.RemainingQuota
	var signed decimal.Decimal
	switch kind {
	case RechargeTypeDebit:
		if !amount.IsPositive() {
			return FranchiseeAccount{}, errors.New("扣减额度必须大于 0")
		}
		if remaining.LessThan(amount) {
			return FranchiseeAccount{}, ErrInsufficientQuota
		}
		used = used.Add(amount)
		remaining = remaining.Sub(amount)
		signed = amount.Neg()
	case RechargeTypeRefund:
		if !amount.IsPositive() {
			return FranchiseeAccount{}, errors.New("退还额度必须大于 0")
		}
		if used.LessThan(amount) {
			return FranchiseeAccount{}, fmt.Errorf("退还额度 %s 超过已用额度 %s", amount.StringFixed(CNYScale), used.StringFixed(CNYScale))
		}
		used = used.Sub(amount)
		remaining = remaining.Add(amount)
		signed = amount
	case RechargeTypeManual, RechargeTypeAdjustment:
		if amount.IsZero() {
			return FranchiseeAccount{}, errors.New("调整额度不能为 0")
		}
		if remaining.Add(amount).IsNegative() {
			return FranchiseeAccount{}, ErrInsufficientQuota
		}
		total = total.Add(amount)
		remaining = remaining.Add(amount)
		signed = amount
	default:
		return FranchiseeAccount{}, fmt.Errorf("未知的额度变动类型: %s", kind)
	}

	now := s.clock()
	if _, err := tx.ExecContext(ctx, `
UPDATE franchisee_accounts SET total_quota=?, used_quota=?, remaining_quota=?, updated_at=? WHERE id=?
`, total, used, remaining, now, acc.ID); err != nil {
		return FranchiseeAccount{}, fmt.Errorf("更新加盟商额度失败: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO franchisee_recharges(franchisee_id, recharge_type, amount, remaining_after, order_id, operator, notes, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
`, acc.ID, kind, signed, remaining, nullInt64(orderID), operator, notes, now); err != nil {
		return FranchiseeAccount{}, fmt.Errorf("写入额度审计失败: %w", err)
	}
	acc.TotalQuota, acc.UsedQuota, acc.RemainingQuota, acc.UpdatedAt = total, used, remaining, now
	return acc, nil
}

// RechargeFranchisee 后台充值或调整总额度。
func (s *Store) RechargeFranchisee(ctx context.Context, accountID int64, kind string, amount decimal.Decimal, operator string, notes string) (FranchiseeAccount, error) {
	if kind != RechargeTypeManual && kind != RechargeTypeAdjustment && kind != RechargeTypeRefund {
		return FranchiseeAccount{}, fmt.Errorf("不支持的充值类型: %s", kind)
	}
	var out FranchiseeAccount
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = s.adjustQuotaTx(ctx, tx, accountID, amount, kind, nil, operator, notes)
		return err
	})
	if err != nil {
		return FranchiseeAccount{}, err
	}
	return out, nil
}

func (s *Store) SetFranchiseeStatus(ctx context.Context, accountID int64, status string) error {
	if status != FranchiseeStatusActive && status != FranchiseeStatusDisabled {
		return fmt.Errorf("不支持的状态: %s", status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE franchisee_accounts SET status=?, updated_at=? WHERE id=?`, status, s.clock(), accountID)
	if err != nil {
		return fmt.Errorf("更新加盟商状态失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) ListFranchiseeRecharges(ctx context.Context, accountID int64, limit int) ([]FranchiseeRecharge, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, franchisee_id, recharge_type, amount, remaining_after, order_id, operator, notes, created_at
FROM franchisee_recharges
WHERE franchisee_id=?
ORDER BY id ASC
LIMIT ?
`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询额度记录失败: %w", err)
	}
	defer rows.Close()

	var out []FranchiseeRecharge
	for rows.Next() {
		var r FranchiseeRecharge
		var orderID sql.NullInt64
		if err := rows.Scan(&r.ID, &r.FranchiseeID, &r.RechargeType, &r.Amount, &r.RemainingAfter, &orderID, &r.Operator, &r.Notes, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("扫描额度记录失败: %w", err)
		}
		r.Amount = cny(r.Amount)
		r.RemainingAfter = cny(r.RemainingAfter)
		r.OrderID = ptrInt64(orderID)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历额度记录失败: %w", err)
	}
	return out, nil
}

// SumFranchiseeDeductions 汇总加盟商未取消订单的扣减额度，用于对账。
func (s *Store) SumFranchiseeDeductions(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	var sum decimal.NullDecimal
	if err := s.db.QueryRowContext(ctx, `
SELECT SUM(franchisee_deduction) FROM orders WHERE franchisee_id=? AND status<>'cancelled'
`, accountID).Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("汇总加盟商扣减失败: %w", err)
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return cny(sum.Decimal), nil
}

func (s *Store) GetSelfieMachine(ctx context.Context, serial string) (SelfieMachine, error) {
	var m SelfieMachine
	var franchiseeID sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
SELECT id, serial_number, franchisee_id, name, status, created_at FROM selfie_machines WHERE serial_number=?
`, strings.TrimSpace(serial)).Scan(&m.ID, &m.SerialNumber, &franchiseeID, &m.Name, &m.Status, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SelfieMachine{}, sql.ErrNoRows
		}
		return SelfieMachine{}, fmt.Errorf("查询自拍机失败: %w", err)
	}
	m.FranchiseeID = ptrInt64(franchiseeID)
	return m, nil
}

func (s *Store) CreateSelfieMachine(ctx context.Context, serial string, franchiseeID *int64, name string) (SelfieMachine, error) {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return SelfieMachine{}, errors.New("序列号不能为空")
	}
	now := s.clock()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO selfie_machines(serial_number, franchisee_id, name, status, created_at) VALUES(?, ?, ?, 'active', ?)
`, serial, nullInt64(franchiseeID), name, now)
	if err != nil {
		if isDuplicateKeyError(err) {
			return SelfieMachine{}, ErrDuplicate
		}
		return SelfieMachine{}, fmt.Errorf("创建自拍机失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return SelfieMachine{}, fmt.Errorf("获取自拍机 id 失败: %w", err)
	}
	return SelfieMachine{ID: id, SerialNumber: serial, FranchiseeID: franchiseeID, Name: name, Status: "active", CreatedAt: now}, nil
}
