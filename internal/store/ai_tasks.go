package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"petstudio/internal/orderstate"
)

var ErrRetryCapReached = errors.New("已达到自动重试上限")

const aiTaskColumns = `id, order_id, attempt, style_category_id, style_image_id, input_image, provider_id, template_id, external_task_id,
status, output_image, error_kind, error_message, retry_count, processing_log, started_at, completed_at, estimated_completion_time,
created_at, updated_at`

func scanAITask(row rowScanner) (AITask, error) {
	var t AITask
	var styleCategoryID, styleImageID sql.NullInt64
	var startedAt, completedAt, estimated sql.NullTime
	if err := row.Scan(&t.ID, &t.OrderID, &t.Attempt, &styleCategoryID, &styleImageID, &t.InputImage, &t.ProviderID, &t.TemplateID, &t.ExternalTaskID,
		&t.Status, &t.OutputImage, &t.ErrorKind, &t.ErrorMessage, &t.RetryCount, &t.ProcessingLog, &startedAt, &completedAt, &estimated,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return AITask{}, err
	}
	t.StyleCategoryID = ptrInt64(styleCategoryID)
	t.StyleImageID = ptrInt64(styleImageID)
	t.StartedAt = ptrTime(startedAt)
	t.CompletedAt = ptrTime(completedAt)
	t.EstimatedCompletionTime = ptrTime(estimated)
	return t, nil
}

func (s *Store) GetAITask(ctx context.Context, id int64) (AITask, error) {
	t, err := scanAITask(s.db.QueryRowContext(ctx, `SELECT `+aiTaskColumns+` FROM ai_tasks WHERE id=?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AITask{}, sql.ErrNoRows
		}
		return AITask{}, fmt.Errorf("查询生成任务失败: %w", err)
	}
	return t, nil
}

func (s *Store) lockAITaskTx(ctx context.Context, tx *sql.Tx, id int64) (AITask, error) {
	t, err := scanAITask(tx.QueryRowContext(ctx, `SELECT `+aiTaskColumns+` FROM ai_tasks WHERE id=?`+forUpdateClause(s.dialect), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AITask{}, sql.ErrNoRows
		}
		return AITask{}, fmt.Errorf("锁定生成任务失败: %w", err)
	}
	return t, nil
}

func (s *Store) queryAITasks(ctx context.Context, q string, args ...any) ([]AITask, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("查询生成任务失败: %w", err)
	}
	defer rows.Close()

	var out []AITask
	for rows.Next() {
		t, err := scanAITask(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描生成任务失败: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历生成任务失败: %w", err)
	}
	return out, nil
}

func (s *Store) ListAITasksByOrder(ctx context.Context, orderID int64) ([]AITask, error) {
	return s.queryAITasks(ctx, `SELECT `+aiTaskColumns+` FROM ai_tasks WHERE order_id=? ORDER BY attempt ASC`, orderID)
}

// ListActiveAITasks 返回 pending/processing 任务，按 id 升序，供轮询器使用。
func (s *Store) ListActiveAITasks(ctx context.Context, limit int) ([]AITask, error) {
	if limit <= 0 {
		limit = 200
	}
	return s.queryAITasks(ctx, `SELECT `+aiTaskColumns+` FROM ai_tasks WHERE status IN (?, ?) ORDER BY id ASC LIMIT ?`,
		AITaskPending, AITaskProcessing, limit)
}

func (s *Store) SumRetryCount(ctx context.Context, orderID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(retry_count), 0) FROM ai_tasks WHERE order_id=?`, orderID).Scan(&n); err != nil {
		return 0, fmt.Errorf("统计重试次数失败: %w", err)
	}
	return n, nil
}

func (s *Store) countActiveTasksTx(ctx context.Context, tx *sql.Tx, orderID int64) (int, error) {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM ai_tasks WHERE order_id=? AND status IN (?, ?)`, orderID, AITaskPending, AITaskProcessing).Scan(&n); err != nil {
		return 0, fmt.Errorf("统计进行中任务失败: %w", err)
	}
	return n, nil
}

type StartAITaskInput struct {
	OrderID         int64
	ProviderID      int64
	TemplateID      int64
	StyleCategoryID *int64
	StyleImageID    *int64
	InputImage      string
	ProcessingLog   string
}

// StartAITask 在订单行锁内创建 pending 任务，订单由 shooting 进入 processing。
//
// 同一订单同时只允许一个未结束的任务；已在 processing 的订单（人工重试）直接追加新的 attempt。
func (s *Store) StartAITask(ctx context.Context, in StartAITaskInput) (AITask, error) {
	var out AITask
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		o, err := s.lockOrderTx(ctx, tx, in.OrderID)
		if err != nil {
			return err
		}
		switch o.Status {
		case orderstate.Shooting:
			if err := s.transitionTx(ctx, tx, o, orderstate.Processing, nil, nil); err != nil {
				return err
			}
		case orderstate.Processing:
		default:
			return fmt.Errorf("%w: 订单状态 %s 不能开始生成", orderstate.ErrInvalidTransition, o.Status)
		}
		n, err := s.countActiveTasksTx(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrActiveTaskExists
		}
		var next int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(attempt)+1, 0) FROM ai_tasks WHERE order_id=?`, o.ID).Scan(&next); err != nil {
			return fmt.Errorf("计算任务序号失败: %w", err)
		}
		out, err = s.insertAITaskTx(ctx, tx, AITask{
			OrderID:         o.ID,
			Attempt:         next,
			StyleCategoryID: in.StyleCategoryID,
			StyleImageID:    in.StyleImageID,
			InputImage:      in.InputImage,
			ProviderID:      in.ProviderID,
			TemplateID:      in.TemplateID,
			ProcessingLog:   in.ProcessingLog,
		})
		return err
	})
	if err != nil {
		return AITask{}, err
	}
	return out, nil
}

func (s *Store) insertAITaskTx(ctx context.Context, tx *sql.Tx, t AITask) (AITask, error) {
	now := s.clock()
	if strings.TrimSpace(t.ProcessingLog) == "" {
		t.ProcessingLog = "[]"
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO ai_tasks(order_id, attempt, style_category_id, style_image_id, input_image, provider_id, template_id, external_task_id,
  status, output_image, error_kind, error_message, retry_count, processing_log, started_at, completed_at, estimated_completion_time,
  created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, '', ?, '', '', '', ?, ?, ?, NULL, NULL, ?, ?)
`, t.OrderID, t.Attempt, nullInt64(t.StyleCategoryID), nullInt64(t.StyleImageID), t.InputImage, t.ProviderID, t.TemplateID,
		AITaskPending, t.RetryCount, t.ProcessingLog, now, now, now)
	if err != nil {
		if isDuplicateKeyError(err) {
			return AITask{}, ErrDuplicate
		}
		return AITask{}, fmt.Errorf("创建生成任务失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return AITask{}, fmt.Errorf("获取生成任务 id 失败: %w", err)
	}
	t.ID = id
	t.Status = AITaskPending
	t.StartedAt = &now
	t.CreatedAt, t.UpdatedAt = now, now
	return t, nil
}

// MarkTaskDispatched 记录异步任务句柄：pending -> processing。
func (s *Store) MarkTaskDispatched(ctx context.Context, taskID int64, externalID string, estimated time.Time, log string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE ai_tasks SET status=?, external_task_id=?, estimated_completion_time=?, processing_log=?, updated_at=?
WHERE id=? AND status=?
`, AITaskProcessing, externalID, estimated.UTC(), log, s.clock(), taskID, AITaskPending)
	if err != nil {
		return fmt.Errorf("记录任务句柄失败: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return ErrTaskNotActive
	}
	return nil
}

// UpdateTaskLog 仅在任务未结束时覆盖处理日志。
func (s *Store) UpdateTaskLog(ctx context.Context, taskID int64, log string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE ai_tasks SET processing_log=?, updated_at=? WHERE id=? AND status IN (?, ?)`,
		log, s.clock(), taskID, AITaskPending, AITaskProcessing); err != nil {
		return fmt.Errorf("更新处理日志失败: %w", err)
	}
	return nil
}

// FailAITask 把未结束任务置为 failed 或 expired；任务已结束时返回 ErrTaskNotActive。
func (s *Store) FailAITask(ctx context.Context, taskID int64, status string, kind string, message string, log string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := s.lockAITaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		return s.finishTaskTx(ctx, tx, t, status, kind, message, log)
	})
}

func (s *Store) finishTaskTx(ctx context.Context, tx *sql.Tx, t AITask, status string, kind string, message string, log string) error {
	if t.Terminal() {
		return ErrTaskNotActive
	}
	if status != AITaskFailed && status != AITaskExpired {
		return fmt.Errorf("不支持的任务终态: %s", status)
	}
	now := s.clock()
	if _, err := tx.ExecContext(ctx, `
UPDATE ai_tasks SET status=?, error_kind=?, error_message=?, processing_log=?, completed_at=?, updated_at=? WHERE id=?
`, status, kind, truncate(message, 1000), log, now, now, t.ID); err != nil {
		return fmt.Errorf("结束生成任务失败: %w", err)
	}
	return nil
}

type FailoverInput struct {
	PrevTaskID    int64
	PrevStatus    string
	ErrorKind     string
	ErrorMessage  string
	ProviderID    int64
	TemplateID    int64
	ProcessingLog string
	RetryCap      int
}

// FailoverAITask 在一个事务内结束旧任务并为备用服务商创建下一次 attempt（retry_count=1）。
//
// 订单累计重试次数达到上限时不做任何修改并返回 ErrRetryCapReached。
func (s *Store) FailoverAITask(ctx context.Context, in FailoverInput) (AITask, error) {
	var out AITask
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		prev, err := s.lockAITaskTx(ctx, tx, in.PrevTaskID)
		if err != nil {
			return err
		}
		if prev.Terminal() {
			return ErrTaskNotActive
		}
		o, err := s.lockOrderTx(ctx, tx, prev.OrderID)
		if err != nil {
			return err
		}
		if o.Status != orderstate.Processing {
			return fmt.Errorf("%w: 订单状态 %s 不能重试生成", orderstate.ErrInvalidTransition, o.Status)
		}
		var used int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(retry_count), 0) FROM ai_tasks WHERE order_id=?`, o.ID).Scan(&used); err != nil {
			return fmt.Errorf("统计重试次数失败: %w", err)
		}
		if used+1 > in.RetryCap {
			return ErrRetryCapReached
		}
		if err := s.finishTaskTx(ctx, tx, prev, in.PrevStatus, in.ErrorKind, in.ErrorMessage, in.ProcessingLog); err != nil {
			return err
		}
		out, err = s.insertAITaskTx(ctx, tx, AITask{
			OrderID:         o.ID,
			Attempt:         prev.Attempt + 1,
			StyleCategoryID: prev.StyleCategoryID,
			StyleImageID:    prev.StyleImageID,
			InputImage:      prev.InputImage,
			ProviderID:      in.ProviderID,
			TemplateID:      in.TemplateID,
			RetryCount:      1,
			ProcessingLog:   in.ProcessingLog,
		})
		return err
	})
	if err != nil {
		return AITask{}, err
	}
	return out, nil
}

type CompleteAITaskInput struct {
	TaskID          int64
	OutputImage     string
	FinalImage      string
	FinalImageClean string
	ProcessingLog   string
}

// CompleteAITask 任务置为 succeeded，订单带着成品图与无水印图进入 pending。
//
// 订单已不在 processing（例如被取消）时只结束任务，返回的 bool 为 false。
func (s *Store) CompleteAITask(ctx context.Context, in CompleteAITaskInput) (bool, error) {
	if strings.TrimSpace(in.FinalImage) == "" || strings.TrimSpace(in.FinalImageClean) == "" {
		return false, ErrArtifactsMissing
	}
	var advanced bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := s.lockAITaskTx(ctx, tx, in.TaskID)
		if err != nil {
			return err
		}
		if t.Terminal() {
			return ErrTaskNotActive
		}
		o, err := s.lockOrderTx(ctx, tx, t.OrderID)
		if err != nil {
			return err
		}
		now := s.clock()
		if _, err := tx.ExecContext(ctx, `
UPDATE ai_tasks SET status=?, output_image=?, processing_log=?, completed_at=?, updated_at=? WHERE id=?
`, AITaskSucceeded, in.OutputImage, in.ProcessingLog, now, now, t.ID); err != nil {
			return fmt.Errorf("完成生成任务失败: %w", err)
		}
		if o.Status != orderstate.Processing {
			return nil
		}
		if err := s.transitionTx(ctx, tx, o, orderstate.Pending,
			[]string{"final_image=?", "final_image_clean=?", "production_time=?"},
			[]any{in.FinalImage, in.FinalImageClean, now}); err != nil {
			return err
		}
		advanced = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return advanced, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
