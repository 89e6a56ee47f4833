package store

import (
	"context"
	"database/sql"
	"fmt"
)

// replaceOrderImagesTx 用新的有序列表替换订单照片，第一张为主图。
func (s *Store) replaceOrderImagesTx(ctx context.Context, tx *sql.Tx, orderID int64, paths []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM order_images WHERE order_id=?`, orderID); err != nil {
		return fmt.Errorf("清理订单照片失败: %w", err)
	}
	now := s.clock()
	for i, p := range paths {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO order_images(order_id, path, sort_order, is_main, created_at)
VALUES(?, ?, ?, ?, ?)
`, orderID, p, i, boolToInt(i == 0), now); err != nil {
			return fmt.Errorf("写入订单照片失败: %w", err)
		}
	}
	return nil
}

func (s *Store) ListOrderImages(ctx context.Context, orderID int64) ([]OrderImage, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, order_id, path, sort_order, is_main, created_at
FROM order_images
WHERE order_id=?
ORDER BY sort_order ASC, id ASC
`, orderID)
	if err != nil {
		return nil, fmt.Errorf("查询订单照片失败: %w", err)
	}
	defer rows.Close()

	var out []OrderImage
	for rows.Next() {
		var img OrderImage
		var isMain int
		if err := rows.Scan(&img.ID, &img.OrderID, &img.Path, &img.SortOrder, &isMain, &img.CreatedAt); err != nil {
			return nil, fmt.Errorf("扫描订单照片失败: %w", err)
		}
		img.IsMain = isMain != 0
		out = append(out, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历订单照片失败: %w", err)
	}
	return out, nil
}
