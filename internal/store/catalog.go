package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

func (s *Store) CreateStyleCategory(ctx context.Context, c StyleCategory) (int64, error) {
	if strings.TrimSpace(c.Name) == "" {
		return 0, errors.New("风格分类名称不能为空")
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO style_categories(name, code, is_portrait, watermark_text, watermark_asset, is_active, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
`, strings.TrimSpace(c.Name), c.Code, boolToInt(c.IsPortrait), c.WatermarkText, c.WatermarkAsset, boolToInt(c.IsActive), s.clock())
	if err != nil {
		if isDuplicateKeyError(err) {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("创建风格分类失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("获取风格分类 id 失败: %w", err)
	}
	return id, nil
}

const styleCategoryColumns = `id, name, code, is_portrait, watermark_text, watermark_asset, is_active, created_at`

func scanStyleCategory(row rowScanner) (StyleCategory, error) {
	var c StyleCategory
	var portrait, active int
	if err := row.Scan(&c.ID, &c.Name, &c.Code, &portrait, &c.WatermarkText, &c.WatermarkAsset, &active, &c.CreatedAt); err != nil {
		return StyleCategory{}, err
	}
	c.IsPortrait = portrait != 0
	c.IsActive = active != 0
	return c, nil
}

func (s *Store) GetStyleCategory(ctx context.Context, id int64) (StyleCategory, error) {
	c, err := scanStyleCategory(s.db.QueryRowContext(ctx, `SELECT `+styleCategoryColumns+` FROM style_categories WHERE id=?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StyleCategory{}, sql.ErrNoRows
		}
		return StyleCategory{}, fmt.Errorf("查询风格分类失败: %w", err)
	}
	return c, nil
}

func (s *Store) CreateStyleImage(ctx context.Context, img StyleImage) (int64, error) {
	if img.CategoryID <= 0 || strings.TrimSpace(img.Name) == "" {
		return 0, errors.New("风格图片必须有分类与名称")
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO style_images(category_id, name, is_active, created_at) VALUES(?, ?, ?, ?)`,
		img.CategoryID, strings.TrimSpace(img.Name), boolToInt(img.IsActive), s.clock())
	if err != nil {
		return 0, fmt.Errorf("创建风格图片失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("获取风格图片 id 失败: %w", err)
	}
	return id, nil
}

func (s *Store) GetStyleImage(ctx context.Context, id int64) (StyleImage, error) {
	var img StyleImage
	var active int
	err := s.db.QueryRowContext(ctx, `SELECT id, category_id, name, is_active, created_at FROM style_images WHERE id=?`, id).
		Scan(&img.ID, &img.CategoryID, &img.Name, &active, &img.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StyleImage{}, sql.ErrNoRows
		}
		return StyleImage{}, fmt.Errorf("查询风格图片失败: %w", err)
	}
	img.IsActive = active != 0
	return img, nil
}

// ResolveStyle 按下单时的风格名称定位风格：先匹配启用的风格图片，再匹配风格分类。
func (s *Store) ResolveStyle(ctx context.Context, name string) (categoryID *int64, imageID *int64, err error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil, nil
	}
	var img StyleImage
	err = s.db.QueryRowContext(ctx, `SELECT id, category_id FROM style_images WHERE name=? AND is_active=1 ORDER BY id ASC LIMIT 1`, name).
		Scan(&img.ID, &img.CategoryID)
	if err == nil {
		return &img.CategoryID, &img.ID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("查询风格图片失败: %w", err)
	}
	var cid int64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM style_categories WHERE (name=? OR code=?) AND is_active=1 ORDER BY id ASC LIMIT 1`, name, name).Scan(&cid)
	if err == nil {
		return &cid, nil, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	return nil, nil, fmt.Errorf("查询风格分类失败: %w", err)
}

func (s *Store) CreateProduct(ctx context.Context, code string, name string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO products(code, name, is_active, created_at) VALUES(?, ?, 1, ?)`,
		strings.TrimSpace(code), strings.TrimSpace(name), s.clock())
	if err != nil {
		if isDuplicateKeyError(err) {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("创建产品失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("获取产品 id 失败: %w", err)
	}
	return id, nil
}

func (s *Store) CreateProductSize(ctx context.Context, ps ProductSize) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO product_sizes(product_id, size_code, size_name, price, print_width_cm, print_height_cm, printer_product_id, is_active)
VALUES(?, ?, ?, ?, ?, ?, ?, 1)
`, ps.ProductID, strings.TrimSpace(ps.SizeCode), ps.SizeName, cny(ps.Price), ps.PrintWidthCM, ps.PrintHeightCM, ps.PrinterProductID)
	if err != nil {
		if isDuplicateKeyError(err) {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("创建产品规格失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("获取产品规格 id 失败: %w", err)
	}
	return id, nil
}

// FindProductSize 按产品名称（或编码）与规格编码（或名称）查找启用的规格；找不到返回 sql.ErrNoRows。
func (s *Store) FindProductSize(ctx context.Context, product string, size string) (ProductSize, error) {
	var ps ProductSize
	err := s.db.QueryRowContext(ctx, `
SELECT ps.id, ps.product_id, p.code, p.name, ps.size_code, ps.size_name, ps.price, ps.print_width_cm, ps.print_height_cm, ps.printer_product_id
FROM product_sizes ps
JOIN products p ON p.id=ps.product_id
WHERE (p.name=? OR p.code=?) AND (ps.size_code=? OR ps.size_name=?) AND p.is_active=1 AND ps.is_active=1
ORDER BY ps.id ASC LIMIT 1
`, strings.TrimSpace(product), strings.TrimSpace(product), strings.TrimSpace(size), strings.TrimSpace(size)).
		Scan(&ps.ID, &ps.ProductID, &ps.ProductCode, &ps.ProductName, &ps.SizeCode, &ps.SizeName, &ps.Price, &ps.PrintWidthCM, &ps.PrintHeightCM, &ps.PrinterProductID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ProductSize{}, sql.ErrNoRows
		}
		return ProductSize{}, fmt.Errorf("查询产品规格失败: %w", err)
	}
	ps.Price = cny(ps.Price)
	return ps, nil
}

// PriceOrDefault 返回规格价格；未配置时回落到 fallback。
func (ps ProductSize) PriceOrDefault(fallback decimal.Decimal) decimal.Decimal {
	if ps.ID == 0 || !ps.Price.IsPositive() {
		return cny(fallback)
	}
	return ps.Price
}

const adminUserColumns = `id, username, password_hash, status, created_at, updated_at`

func (s *Store) CreateAdminUser(ctx context.Context, username string, passwordHash []byte) (int64, error) {
	username = strings.TrimSpace(username)
	if username == "" || len(passwordHash) == 0 {
		return 0, errors.New("用户名与密码不能为空")
	}
	now := s.clock()
	res, err := s.db.ExecContext(ctx, `INSERT INTO admin_users(username, password_hash, status, created_at, updated_at) VALUES(?, ?, 1, ?, ?)`,
		username, passwordHash, now, now)
	if err != nil {
		if isDuplicateKeyError(err) {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("创建管理员失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("获取管理员 id 失败: %w", err)
	}
	return id, nil
}

func (s *Store) GetAdminUserByUsername(ctx context.Context, username string) (AdminUser, error) {
	var u AdminUser
	err := s.db.QueryRowContext(ctx, `SELECT `+adminUserColumns+` FROM admin_users WHERE username=?`, strings.TrimSpace(username)).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AdminUser{}, sql.ErrNoRows
		}
		return AdminUser{}, fmt.Errorf("查询管理员失败: %w", err)
	}
	return u, nil
}

func (s *Store) GetAdminUserByID(ctx context.Context, id int64) (AdminUser, error) {
	var u AdminUser
	err := s.db.QueryRowContext(ctx, `SELECT `+adminUserColumns+` FROM admin_users WHERE id=?`, id).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AdminUser{}, sql.ErrNoRows
		}
		return AdminUser{}, fmt.Errorf("查询管理员失败: %w", err)
	}
	return u, nil
}

func (s *Store) CountAdminUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM admin_users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("统计管理员失败: %w", err)
	}
	return n, nil
}
