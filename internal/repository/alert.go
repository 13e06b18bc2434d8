package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chevastian666/forten-sub002/internal/models"
)

// AlertRepository 报警通知仓库
// 状态推进使用 compare-and-set（WHERE status = 期望值），
// 保证并发扫描不会对同一条通知乱序推进或重复派发
type AlertRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertRepository 创建报警通知仓库
func NewAlertRepository(db *sql.DB, logger *zap.Logger) *AlertRepository {
	return &AlertRepository{
		db:     db,
		logger: logger,
	}
}

const alertColumns = `
	id,
	building_id,
	event_id,
	recipient_id,
	type,
	method,
	title,
	message,
	priority,
	status,
	scheduled_at,
	sent_at,
	delivered_at,
	read_at,
	failed_at,
	failure_reason,
	retry_count,
	max_retries,
	metadata,
	created_at,
	updated_at
`

func scanAlert(row interface{ Scan(...interface{}) error }) (*models.Alert, error) {
	var alert models.Alert
	var sentAt, deliveredAt, readAt, failedAt sql.NullTime
	var failureReason sql.NullString
	var metadata []byte

	err := row.Scan(
		&alert.ID,
		&alert.BuildingID,
		&alert.EventID,
		&alert.RecipientID,
		&alert.Type,
		&alert.Method,
		&alert.Title,
		&alert.Message,
		&alert.Priority,
		&alert.Status,
		&alert.ScheduledAt,
		&sentAt,
		&deliveredAt,
		&readAt,
		&failedAt,
		&failureReason,
		&alert.RetryCount,
		&alert.MaxRetries,
		&metadata,
		&alert.CreatedAt,
		&alert.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if sentAt.Valid {
		alert.SentAt = &sentAt.Time
	}
	if deliveredAt.Valid {
		alert.DeliveredAt = &deliveredAt.Time
	}
	if readAt.Valid {
		alert.ReadAt = &readAt.Time
	}
	if failedAt.Valid {
		alert.FailedAt = &failedAt.Time
	}
	if failureReason.Valid {
		alert.FailureReason = &failureReason.String
	}
	if len(metadata) > 0 {
		alert.Metadata = metadata
	} else {
		alert.Metadata = json.RawMessage("{}")
	}

	return &alert, nil
}

// Create 创建报警通知（status = pending）
func (r *AlertRepository) Create(ctx context.Context, alert *models.Alert) error {
	if alert == nil {
		return fmt.Errorf("alert is required")
	}
	if alert.ID == "" {
		return fmt.Errorf("alert id is required")
	}

	query := `
		INSERT INTO alerts (
			id,
			building_id,
			event_id,
			recipient_id,
			type,
			method,
			title,
			message,
			priority,
			status,
			scheduled_at,
			retry_count,
			max_retries,
			metadata,
			created_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
		)
	`

	metadata := alert.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}

	_, err := r.db.ExecContext(ctx,
		query,
		alert.ID,
		alert.BuildingID,
		alert.EventID,
		alert.RecipientID,
		alert.Type,
		alert.Method,
		alert.Title,
		alert.Message,
		alert.Priority,
		alert.Status,
		alert.ScheduledAt,
		alert.RetryCount,
		alert.MaxRetries,
		[]byte(metadata),
		alert.CreatedAt,
		alert.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}

	return nil
}

// GetAlert 根据 id 获取报警通知
func (r *AlertRepository) GetAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert id is required")
	}

	query := fmt.Sprintf(`SELECT %s FROM alerts WHERE id = $1`, alertColumns)

	alert, err := scanAlert(r.db.QueryRowContext(ctx, query, alertID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("alert not found: %s", alertID)
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}

	return alert, nil
}

// FindPending 查找到期待发送的通知（status = pending 且 scheduled_at <= now）
func (r *AlertRepository) FindPending(ctx context.Context, now time.Time, limit int) ([]*models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM alerts
		WHERE status = 'pending'
		  AND scheduled_at <= $1
		ORDER BY priority = 'urgent' DESC, scheduled_at ASC
		LIMIT $2
	`, alertColumns)

	return r.queryAlerts(ctx, query, now, limit)
}

// FindForRetry 查找可重试的通知
// 条件：status = failed 且 retry_count < max_retries 且退避时间已到
func (r *AlertRepository) FindForRetry(ctx context.Context, now time.Time, limit int) ([]*models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM alerts
		WHERE status = 'failed'
		  AND retry_count < max_retries
		  AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2
	`, alertColumns)

	return r.queryAlerts(ctx, query, now, limit)
}

func (r *AlertRepository) queryAlerts(ctx context.Context, query string, args ...interface{}) ([]*models.Alert, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := []*models.Alert{}
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}

	return alerts, nil
}

// ClaimForSending 占用通知进入 sending 状态（CAS：仅当当前状态为 from 时生效）
// 返回 false 表示已被并发扫描占用，调用方应跳过
func (r *AlertRepository) ClaimForSending(ctx context.Context, alertID string, from models.AlertStatus) (bool, error) {
	if alertID == "" {
		return false, fmt.Errorf("alert id is required")
	}

	query := `
		UPDATE alerts
		SET status = 'sending',
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		  AND status = $2
	`

	result, err := r.db.ExecContext(ctx, query, alertID, from)
	if err != nil {
		return false, fmt.Errorf("failed to claim alert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// MarkAsSent 标记为已发送（仅从 sending 推进）
func (r *AlertRepository) MarkAsSent(ctx context.Context, alertID string) error {
	return r.advance(ctx, alertID,
		`UPDATE alerts
		 SET status = 'sent', sent_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $1 AND status = 'sending'`)
}

// MarkAsDelivered 标记为已送达（仅从 sent 推进）
func (r *AlertRepository) MarkAsDelivered(ctx context.Context, alertID string) error {
	return r.advance(ctx, alertID,
		`UPDATE alerts
		 SET status = 'delivered', delivered_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $1 AND status = 'sent'`)
}

// MarkAsRead 标记为已读（从 sent 或 delivered 推进）
func (r *AlertRepository) MarkAsRead(ctx context.Context, alertID string) error {
	return r.advance(ctx, alertID,
		`UPDATE alerts
		 SET status = 'read', read_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $1 AND status IN ('sent', 'delivered')`)
}

// MarkAsFailed 标记为失败并记录原因（仅从 sending 推进）
func (r *AlertRepository) MarkAsFailed(ctx context.Context, alertID, reason string) error {
	if alertID == "" {
		return fmt.Errorf("alert id is required")
	}

	query := `
		UPDATE alerts
		SET status = 'failed',
		    failed_at = CURRENT_TIMESTAMP,
		    failure_reason = $2,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		  AND status = 'sending'
	`

	result, err := r.db.ExecContext(ctx, query, alertID, reason)
	if err != nil {
		return fmt.Errorf("failed to mark alert as failed: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("alert not in sending state: %s", alertID)
	}

	return nil
}

// Cancel 取消通知（仅从 pending 可达，管理操作）
func (r *AlertRepository) Cancel(ctx context.Context, alertID string) error {
	return r.advance(ctx, alertID,
		`UPDATE alerts
		 SET status = 'cancelled', updated_at = CURRENT_TIMESTAMP
		 WHERE id = $1 AND status = 'pending'`)
}

// IncrementRetryCount 递增重试计数，返回新值
func (r *AlertRepository) IncrementRetryCount(ctx context.Context, alertID string) (int, error) {
	if alertID == "" {
		return 0, fmt.Errorf("alert id is required")
	}

	query := `
		UPDATE alerts
		SET retry_count = retry_count + 1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		  AND retry_count < max_retries
		RETURNING retry_count
	`

	var count int
	err := r.db.QueryRowContext(ctx, query, alertID).Scan(&count)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("alert not found or retries exhausted: %s", alertID)
		}
		return 0, fmt.Errorf("failed to increment retry count: %w", err)
	}

	return count, nil
}

// UpdateScheduledAt 调整下次派发时间（用于重试退避）
func (r *AlertRepository) UpdateScheduledAt(ctx context.Context, alertID string, at time.Time) error {
	if alertID == "" {
		return fmt.Errorf("alert id is required")
	}

	query := `
		UPDATE alerts
		SET scheduled_at = $2,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, alertID, at)
	if err != nil {
		return fmt.Errorf("failed to update scheduled_at: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("alert not found: %s", alertID)
	}

	return nil
}

func (r *AlertRepository) advance(ctx context.Context, alertID, query string) error {
	if alertID == "" {
		return fmt.Errorf("alert id is required")
	}

	result, err := r.db.ExecContext(ctx, query, alertID)
	if err != nil {
		return fmt.Errorf("failed to advance alert status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("alert not in expected state: %s", alertID)
	}

	return nil
}
