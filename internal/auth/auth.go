// Package auth 提供统一的主体信息（管理员会话/Token、加盟商会话）与密码/随机数工具，便于鉴权与审计。
package auth

import (
	"context"
	"strconv"
)

type ActorType string

const (
	ActorTypeAdminToken   ActorType = "admin_token"
	ActorTypeAdminSession ActorType = "admin_session"
	ActorTypeFranchisee   ActorType = "franchisee"
)

const (
	RoleAdmin      = "admin"
	RoleFranchisee = "franchisee"
)

type Principal struct {
	ActorType ActorType
	// UserID 为管理员 id；Token 登录时为 0。
	UserID       int64
	FranchiseeID int64
	Role         string
}

// Operator 返回写入审计记录的操作人标识。
func (p Principal) Operator() string {
	switch p.ActorType {
	case ActorTypeAdminToken:
		return "admin-token"
	case ActorTypeAdminSession:
		return "admin:" + strconv.FormatInt(p.UserID, 10)
	case ActorTypeFranchisee:
		return "franchisee:" + strconv.FormatInt(p.FranchiseeID, 10)
	default:
		return "system"
	}
}

type ctxKey int

const principalKey ctxKey = 1

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}
