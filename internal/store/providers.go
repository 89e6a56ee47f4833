package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const providerColumns = `id, name, api_type, domestic_host, overseas_host, use_overseas, draw_endpoint, result_endpoint, upload_endpoint,
api_key, is_sync, retry_enabled, priority, is_active, created_at, updated_at`

func scanProvider(row rowScanner) (APIProviderConfig, error) {
	var p APIProviderConfig
	var useOverseas, isSync, retryEnabled, isActive int
	if err := row.Scan(&p.ID, &p.Name, &p.APIType, &p.DomesticHost, &p.OverseasHost, &useOverseas, &p.DrawEndpoint, &p.ResultEndpoint, &p.UploadEndpoint,
		&p.APIKey, &isSync, &retryEnabled, &p.Priority, &isActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return APIProviderConfig{}, err
	}
	p.UseOverseas = useOverseas != 0
	p.IsSync = isSync != 0
	p.RetryEnabled = retryEnabled != 0
	p.IsActive = isActive != 0
	return p, nil
}

func (s *Store) CreateProvider(ctx context.Context, p APIProviderConfig) (int64, error) {
	if strings.TrimSpace(p.Name) == "" || strings.TrimSpace(p.APIType) == "" {
		return 0, errors.New("服务商名称与类型不能为空")
	}
	now := s.clock()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO api_provider_configs(name, api_type, domestic_host, overseas_host, use_overseas, draw_endpoint, result_endpoint, upload_endpoint,
  api_key, is_sync, retry_enabled, priority, is_active, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, strings.TrimSpace(p.Name), strings.TrimSpace(p.APIType), strings.TrimSpace(p.DomesticHost), strings.TrimSpace(p.OverseasHost), boolToInt(p.UseOverseas),
		p.DrawEndpoint, p.ResultEndpoint, p.UploadEndpoint, p.APIKey, boolToInt(p.IsSync), boolToInt(p.RetryEnabled), p.Priority, boolToInt(p.IsActive), now, now)
	if err != nil {
		return 0, fmt.Errorf("创建服务商失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("获取服务商 id 失败: %w", err)
	}
	return id, nil
}

func (s *Store) UpdateProvider(ctx context.Context, p APIProviderConfig) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE api_provider_configs SET name=?, api_type=?, domestic_host=?, overseas_host=?, use_overseas=?, draw_endpoint=?, result_endpoint=?,
  upload_endpoint=?, api_key=?, is_sync=?, retry_enabled=?, priority=?, is_active=?, updated_at=?
WHERE id=?
`, strings.TrimSpace(p.Name), strings.TrimSpace(p.APIType), strings.TrimSpace(p.DomesticHost), strings.TrimSpace(p.OverseasHost), boolToInt(p.UseOverseas),
		p.DrawEndpoint, p.ResultEndpoint, p.UploadEndpoint, p.APIKey, boolToInt(p.IsSync), boolToInt(p.RetryEnabled), p.Priority, boolToInt(p.IsActive), s.clock(), p.ID)
	if err != nil {
		return fmt.Errorf("更新服务商失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) GetProvider(ctx context.Context, id int64) (APIProviderConfig, error) {
	p, err := scanProvider(s.db.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM api_provider_configs WHERE id=?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return APIProviderConfig{}, sql.ErrNoRows
		}
		return APIProviderConfig{}, fmt.Errorf("查询服务商失败: %w", err)
	}
	return p, nil
}

func (s *Store) ListProviders(ctx context.Context, activeOnly bool) ([]APIProviderConfig, error) {
	q := `SELECT ` + providerColumns + ` FROM api_provider_configs`
	if activeOnly {
		q += ` WHERE is_active=1`
	}
	q += ` ORDER BY priority DESC, id ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("查询服务商失败: %w", err)
	}
	defer rows.Close()

	var out []APIProviderConfig
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描服务商失败: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历服务商失败: %w", err)
	}
	return out, nil
}

const templateColumns = `id, name, provider_id, style_category_id, style_image_id, request_body_template, prompt, aspect_ratio, workflow_id,
node_mapping, estimated_seconds, priority, is_active, created_at`

func scanTemplate(row rowScanner) (APITemplate, error) {
	var t APITemplate
	var categoryID, imageID sql.NullInt64
	var isActive int
	if err := row.Scan(&t.ID, &t.Name, &t.ProviderID, &categoryID, &imageID, &t.RequestBodyTemplate, &t.Prompt, &t.AspectRatio, &t.WorkflowID,
		&t.NodeMapping, &t.EstimatedSeconds, &t.Priority, &isActive, &t.CreatedAt); err != nil {
		return APITemplate{}, err
	}
	t.StyleCategoryID = ptrInt64(categoryID)
	t.StyleImageID = ptrInt64(imageID)
	t.IsActive = isActive != 0
	return t, nil
}

func (s *Store) CreateTemplate(ctx context.Context, t APITemplate) (int64, error) {
	if t.ProviderID <= 0 {
		return 0, errors.New("模板必须绑定服务商")
	}
	if t.StyleCategoryID == nil && t.StyleImageID == nil && t.Name == "" {
		return 0, errors.New("模板必须绑定风格，未绑定风格的工具模板必须有名称")
	}
	if t.EstimatedSeconds <= 0 {
		t.EstimatedSeconds = 120
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO api_templates(name, provider_id, style_category_id, style_image_id, request_body_template, prompt, aspect_ratio, workflow_id,
  node_mapping, estimated_seconds, priority, is_active, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, t.Name, t.ProviderID, nullInt64(t.StyleCategoryID), nullInt64(t.StyleImageID), t.RequestBodyTemplate, t.Prompt, t.AspectRatio, t.WorkflowID,
		t.NodeMapping, t.EstimatedSeconds, t.Priority, boolToInt(t.IsActive), s.clock())
	if err != nil {
		return 0, fmt.Errorf("创建模板失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("获取模板 id 失败: %w", err)
	}
	return id, nil
}

func (s *Store) GetTemplate(ctx context.Context, id int64) (APITemplate, error) {
	t, err := scanTemplate(s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM api_templates WHERE id=?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return APITemplate{}, sql.ErrNoRows
		}
		return APITemplate{}, fmt.Errorf("查询模板失败: %w", err)
	}
	return t, nil
}

// FindToolTemplate 按名称查找服务商的工具模板（美颜、放大等不绑定风格的模板），
// 同名多个时取优先级最高的启用模板。没有时返回 sql.ErrNoRows。
func (s *Store) FindToolTemplate(ctx context.Context, providerID int64, name string) (APITemplate, error) {
	t, err := scanTemplate(s.db.QueryRowContext(ctx, `
SELECT `+templateColumns+` FROM api_templates
WHERE provider_id=? AND name=? AND style_category_id IS NULL AND style_image_id IS NULL AND is_active=1
ORDER BY priority DESC, id ASC LIMIT 1
`, providerID, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return APITemplate{}, sql.ErrNoRows
		}
		return APITemplate{}, fmt.Errorf("查询工具模板失败: %w", err)
	}
	return t, nil
}

// TemplateCandidate 是可用于某风格的一组 (模板, 服务商)。
type TemplateCandidate struct {
	Template APITemplate
	Provider APIProviderConfig
}

// ListTemplateCandidates 返回风格可用的模板，风格图片专属模板排在分类模板之前；
// 同一层级内按服务商优先级、模板优先级降序。只返回启用的模板与服务商。
func (s *Store) ListTemplateCandidates(ctx context.Context, styleCategoryID *int64, styleImageID *int64) ([]TemplateCandidate, error) {
	var out []TemplateCandidate
	seen := make(map[int64]struct{})
	load := func(column string, id int64) error {
		rows, err := s.db.QueryContext(ctx, `
SELECT t.id, t.name, t.provider_id, t.style_category_id, t.style_image_id, t.request_body_template, t.prompt, t.aspect_ratio, t.workflow_id,
  t.node_mapping, t.estimated_seconds, t.priority, t.is_active, t.created_at,
  p.id, p.name, p.api_type, p.domestic_host, p.overseas_host, p.use_overseas, p.draw_endpoint, p.result_endpoint, p.upload_endpoint,
  p.api_key, p.is_sync, p.retry_enabled, p.priority, p.is_active, p.created_at, p.updated_at
FROM api_templates t
JOIN api_provider_configs p ON p.id=t.provider_id
WHERE t.`+column+`=? AND t.is_active=1 AND p.is_active=1
ORDER BY p.priority DESC, t.priority DESC, t.id ASC
`, id)
		if err != nil {
			return fmt.Errorf("查询风格模板失败: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			c, err := scanCandidate(rows)
			if err != nil {
				return fmt.Errorf("扫描风格模板失败: %w", err)
			}
			if _, ok := seen[c.Template.ID]; ok {
				continue
			}
			seen[c.Template.ID] = struct{}{}
			out = append(out, c)
		}
		return rows.Err()
	}
	if styleImageID != nil {
		if err := load("style_image_id", *styleImageID); err != nil {
			return nil, err
		}
	}
	if styleCategoryID != nil {
		if err := load("style_category_id", *styleCategoryID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanCandidate(row rowScanner) (TemplateCandidate, error) {
	var c TemplateCandidate
	var categoryID, imageID sql.NullInt64
	var tActive, useOverseas, isSync, retryEnabled, pActive int
	t := &c.Template
	p := &c.Provider
	if err := row.Scan(&t.ID, &t.Name, &t.ProviderID, &categoryID, &imageID, &t.RequestBodyTemplate, &t.Prompt, &t.AspectRatio, &t.WorkflowID,
		&t.NodeMapping, &t.EstimatedSeconds, &t.Priority, &tActive, &t.CreatedAt,
		&p.ID, &p.Name, &p.APIType, &p.DomesticHost, &p.OverseasHost, &useOverseas, &p.DrawEndpoint, &p.ResultEndpoint, &p.UploadEndpoint,
		&p.APIKey, &isSync, &retryEnabled, &p.Priority, &pActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return TemplateCandidate{}, err
	}
	t.StyleCategoryID = ptrInt64(categoryID)
	t.StyleImageID = ptrInt64(imageID)
	t.IsActive = tActive != 0
	p.UseOverseas = useOverseas != 0
	p.IsSync = isSync != 0
	p.RetryEnabled = retryEnabled != 0
	p.IsActive = pActive != 0
	return c, nil
}
