package router

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"petstudio/internal/auth"
	"petstudio/internal/store"
)

func bearerToken(c *gin.Context) string {
	h := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

func unauthorized(c *gin.Context, msg string) {
	c.JSON(http.StatusUnauthorized, gin.H{"success": false, "code": "unauthorized", "message": msg})
	c.Abort()
}

// requireAdmin 接受静态 Bearer Token 或管理员会话。
func requireAdmin(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tok := bearerToken(c); tok != "" {
			if !auth.TokenEqual(opts.AdminToken, tok) {
				unauthorized(c, "管理 Token 无效")
				return
			}
			setPrincipal(c, auth.Principal{ActorType: auth.ActorTypeAdminToken, Role: auth.RoleAdmin})
			c.Next()
			return
		}

		adminID, ok := sessionInt64(c, sessionAdminIDKey)
		if !ok {
			unauthorized(c, "未登录")
			return
		}
		if opts.Store == nil {
			unauthorized(c, "store 未初始化")
			return
		}
		u, err := opts.Store.GetAdminUserByID(c.Request.Context(), adminID)
		if err != nil || u.Status != 1 {
			clearSession(c)
			unauthorized(c, "未登录")
			return
		}
		setPrincipal(c, auth.Principal{ActorType: auth.ActorTypeAdminSession, UserID: u.ID, Role: auth.RoleAdmin})
		c.Next()
	}
}

func requireFranchiseeSession(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := sessionInt64(c, sessionFranchiseeIDKey)
		if !ok {
			unauthorized(c, "未登录")
			return
		}
		if opts.Store == nil {
			unauthorized(c, "store 未初始化")
			return
		}
		acc, err := opts.Store.GetFranchiseeByID(c.Request.Context(), id)
		if err != nil || acc.Status != store.FranchiseeStatusActive {
			clearSession(c)
			unauthorized(c, "账号不可用，请重新登录")
			return
		}
		setPrincipal(c, auth.Principal{ActorType: auth.ActorTypeFranchisee, FranchiseeID: acc.ID, Role: auth.RoleFranchisee})
		c.Next()
	}
}

func setPrincipal(c *gin.Context, p auth.Principal) {
	c.Request = c.Request.WithContext(auth.WithPrincipal(c.Request.Context(), p))
}

func principal(c *gin.Context) auth.Principal {
	p, _ := auth.PrincipalFromContext(c.Request.Context())
	return p
}
