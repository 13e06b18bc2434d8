package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/chevastian666/forten-sub002/internal/models"
)

// EventRepository 监控事件仓库
// 事件本体只插入不更新，确认操作仅补写 acknowledged 两列
type EventRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewEventRepository 创建监控事件仓库
func NewEventRepository(db *sql.DB, logger *zap.Logger) *EventRepository {
	return &EventRepository{
		db:     db,
		logger: logger,
	}
}

// Create 创建监控事件
func (r *EventRepository) Create(ctx context.Context, event *models.MonitoringEvent) error {
	if event == nil {
		return fmt.Errorf("event is required")
	}
	if event.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if event.BuildingID == "" {
		return fmt.Errorf("building_id is required")
	}

	query := `
		INSERT INTO monitoring_events (
			event_id,
			building_id,
			device_id,
			event_type,
			severity,
			metadata,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
	`

	metadata := event.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}

	_, err := r.db.ExecContext(ctx,
		query,
		event.EventID,
		event.BuildingID,
		event.DeviceID,
		event.EventType,
		event.Severity,
		[]byte(metadata),
		event.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create monitoring event: %w", err)
	}

	return nil
}

// FindRecent 获取楼宇最近的监控事件
func (r *EventRepository) FindRecent(ctx context.Context, buildingID string, limit int) ([]*models.MonitoringEvent, error) {
	if buildingID == "" {
		return nil, fmt.Errorf("building_id is required")
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT
			event_id,
			building_id,
			device_id,
			event_type,
			severity,
			metadata,
			acknowledged_by,
			acknowledged_at,
			created_at
		FROM monitoring_events
		WHERE building_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, buildingID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query monitoring events: %w", err)
	}
	defer rows.Close()

	events := []*models.MonitoringEvent{}
	for rows.Next() {
		var event models.MonitoringEvent
		var metadata []byte

		err := rows.Scan(
			&event.EventID,
			&event.BuildingID,
			&event.DeviceID,
			&event.EventType,
			&event.Severity,
			&metadata,
			&event.AcknowledgedBy,
			&event.AcknowledgedAt,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan monitoring event: %w", err)
		}

		if len(metadata) > 0 {
			event.Metadata = metadata
		} else {
			event.Metadata = json.RawMessage("{}")
		}

		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate monitoring events: %w", err)
	}

	return events, nil
}

// Acknowledge 值班人员确认事件，返回事件所属楼宇
// 已确认的事件保持第一次确认的记录不变
func (r *EventRepository) Acknowledge(ctx context.Context, eventID, userID string) (string, error) {
	if eventID == "" {
		return "", fmt.Errorf("event_id is required")
	}
	if userID == "" {
		return "", fmt.Errorf("user_id is required")
	}

	query := `
		UPDATE monitoring_events
		SET acknowledged_by = $2,
		    acknowledged_at = NOW()
		WHERE event_id = $1
		  AND acknowledged_at IS NULL
		RETURNING building_id
	`

	var buildingID string
	err := r.db.QueryRowContext(ctx, query, eventID, userID).Scan(&buildingID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("event %s not found or already acknowledged", eventID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to acknowledge event: %w", err)
	}

	return buildingID, nil
}
