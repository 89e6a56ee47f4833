package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"petstudio/internal/auth"
	"petstudio/internal/config"
	"petstudio/internal/store"
)

// ensureBootstrapAdmin 仅在 admin_users 为空时创建初始管理员；已有管理员时忽略配置。
func ensureBootstrapAdmin(ctx context.Context, st *store.Store, sec config.SecurityConfig) error {
	username := strings.TrimSpace(sec.BootstrapAdminUsername)
	if username == "" || sec.BootstrapAdminPassword == "" {
		return nil
	}
	n, err := st.CountAdminUsers(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	hash, err := auth.HashPassword(sec.BootstrapAdminPassword)
	if err != nil {
		return fmt.Errorf("生成管理员密码哈希失败: %w", err)
	}
	id, err := st.CreateAdminUser(ctx, username, hash)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil
		}
		return err
	}
	slog.Info("已创建初始管理员", "admin_id", id, "username", username)
	return nil
}
