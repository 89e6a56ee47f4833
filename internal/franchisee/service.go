// Package franchisee 是加盟商额度账本的门面：开户、登录、额度查询、扣减、退还与后台充值。
package franchisee

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"petstudio/internal/apperr"
	"petstudio/internal/auth"
	"petstudio/internal/store"
)

type Service struct {
	st *store.Store
}

func New(st *store.Store) *Service {
	return &Service{st: st}
}

type CreateInput struct {
	Username     string
	Password     string
	StoreName    string
	QRCode       string
	ShopID       string
	ShopName     string
	InitialQuota decimal.Decimal
	Operator     string
}

func (s *Service) Create(ctx context.Context, in CreateInput) (store.FranchiseeAccount, error) {
	if strings.TrimSpace(in.Username) == "" || strings.TrimSpace(in.QRCode) == "" {
		return store.FranchiseeAccount{}, apperr.InvalidInput("用户名与二维码不能为空")
	}
	if in.InitialQuota.IsNegative() {
		return store.FranchiseeAccount{}, apperr.InvalidInput("初始额度不能为负")
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return store.FranchiseeAccount{}, apperr.InvalidInput(err.Error())
	}
	acc, err := s.st.CreateFranchisee(ctx, store.CreateFranchiseeInput{
		Username:     in.Username,
		PasswordHash: hash,
		StoreName:    in.StoreName,
		QRCode:       in.QRCode,
		ShopID:       in.ShopID,
		ShopName:     in.ShopName,
		InitialQuota: in.InitialQuota,
		Operator:     in.Operator,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return store.FranchiseeAccount{}, apperr.New(apperr.KindInvalidInput, "用户名或二维码已被使用")
		}
		return store.FranchiseeAccount{}, apperr.Internal("创建加盟商失败", err)
	}
	slog.Info("加盟商已创建", "franchisee_id", acc.ID, "username", acc.Username, "operator", in.Operator)
	return acc, nil
}

// Login 校验用户名密码；账号停用时拒绝登录。
func (s *Service) Login(ctx context.Context, username, password string) (store.FranchiseeAccount, error) {
	acc, err := s.st.GetFranchiseeByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.FranchiseeAccount{}, apperr.InvalidInput("用户名或密码错误")
		}
		return store.FranchiseeAccount{}, apperr.Internal("查询加盟商失败", err)
	}
	if !auth.CheckPassword(acc.PasswordHash, password) {
		return store.FranchiseeAccount{}, apperr.InvalidInput("用户名或密码错误")
	}
	if acc.Status != store.FranchiseeStatusActive {
		return store.FranchiseeAccount{}, apperr.InsufficientFunds("franchisee_inactive", "加盟商账号已停用")
	}
	return acc, nil
}

// Quota 是额度概览与最近的额度变动。
type Quota struct {
	Account store.FranchiseeAccount
	Records []store.FranchiseeRecharge
}

func (s *Service) Quota(ctx context.Context, accountID int64, limit int) (Quota, error) {
	acc, err := s.st.GetFranchiseeByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Quota{}, apperr.NotFound("加盟商不存在")
		}
		return Quota{}, apperr.Internal("查询加盟商失败", err)
	}
	records, err := s.st.ListFranchiseeRecharges(ctx, accountID, limit)
	if err != nil {
		return Quota{}, apperr.Internal("查询额度记录失败", err)
	}
	return Quota{Account: acc, Records: records}, nil
}

// Recharge 后台充值：kind 为 manual、refund 或 adjustment。
func (s *Service) Recharge(ctx context.Context, accountID int64, kind string, amount decimal.Decimal, operator, notes string) (store.FranchiseeAccount, error) {
	switch kind {
	case store.RechargeTypeManual, store.RechargeTypeRefund, store.RechargeTypeAdjustment:
	case "":
		kind = store.RechargeTypeManual
	default:
		return store.FranchiseeAccount{}, apperr.InvalidInput("不支持的充值类型")
	}
	if amount.IsZero() {
		return store.FranchiseeAccount{}, apperr.InvalidInput("充值金额不能为 0")
	}
	acc, err := s.st.RechargeFranchisee(ctx, accountID, kind, amount, operator, notes)
	if err != nil {
		return store.FranchiseeAccount{}, MapError(err)
	}
	slog.Info("加盟商额度已调整", "franchisee_id", accountID, "kind", kind, "amount", amount.StringFixed(2), "operator", operator)
	return acc, nil
}

// MapError 把额度相关的存储层错误归类为对外错误。
func MapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return apperr.NotFound("加盟商不存在")
	case errors.Is(err, store.ErrInsufficientQuota):
		return apperr.InsufficientFunds("insufficient_quota", "加盟商额度不足")
	case errors.Is(err, store.ErrFranchiseeInactive):
		return apperr.InsufficientFunds("franchisee_inactive", "加盟商账号已停用")
	default:
		return apperr.Internal("加盟商额度操作失败", err)
	}
}
