package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/chevastian666/forten-sub002/internal/models"
)

// DeviceRepository 设备仓库
type DeviceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeviceRepository 创建设备仓库
func NewDeviceRepository(db *sql.DB, logger *zap.Logger) *DeviceRepository {
	return &DeviceRepository{
		db:     db,
		logger: logger,
	}
}

const deviceColumns = `
	device_id,
	building_id,
	name,
	type,
	floor,
	zone,
	status,
	capabilities,
	external_id,
	probe_addr,
	last_heartbeat,
	metadata,
	created_at,
	updated_at
`

func scanDevice(row interface{ Scan(...interface{}) error }) (*models.Device, error) {
	var device models.Device
	var heartbeat sql.NullTime
	var capabilities pq.StringArray
	var metadata []byte

	err := row.Scan(
		&device.DeviceID,
		&device.BuildingID,
		&device.Name,
		&device.Type,
		&device.Floor,
		&device.Zone,
		&device.Status,
		&capabilities,
		&device.ExternalID,
		&device.ProbeAddr,
		&heartbeat,
		&metadata,
		&device.CreatedAt,
		&device.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if heartbeat.Valid {
		device.LastHeartbeat = &heartbeat.Time
	}
	device.Capabilities = []string(capabilities)
	if len(metadata) > 0 {
		device.Metadata = metadata
	}

	return &device, nil
}

// GetDevice 根据 device_id 获取设备
func (r *DeviceRepository) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}

	query := fmt.Sprintf(`SELECT %s FROM devices WHERE device_id = $1`, deviceColumns)

	device, err := scanDevice(r.db.QueryRowContext(ctx, query, deviceID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("device not found: %s", deviceID)
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	return device, nil
}

// FindByStatus 获取指定状态的设备列表
func (r *DeviceRepository) FindByStatus(ctx context.Context, statuses ...models.DeviceStatus) ([]*models.Device, error) {
	if len(statuses) == 0 {
		return []*models.Device{}, nil
	}

	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM devices
		WHERE status = ANY($1)
		ORDER BY building_id, device_id
	`, deviceColumns)

	rows, err := r.db.QueryContext(ctx, query, pq.Array(values))
	if err != nil {
		return nil, fmt.Errorf("failed to query devices by status: %w", err)
	}
	defer rows.Close()

	devices := []*models.Device{}
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate devices: %w", err)
	}

	return devices, nil
}

// UpdateStatus 更新设备状态
// 状态只应由健康监控、流管理器（error）或管理员覆盖调用
func (r *DeviceRepository) UpdateStatus(ctx context.Context, deviceID string, status models.DeviceStatus) error {
	if deviceID == "" {
		return fmt.Errorf("device_id is required")
	}

	query := `
		UPDATE devices
		SET status = $1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE device_id = $2
	`

	result, err := r.db.ExecContext(ctx, query, status, deviceID)
	if err != nil {
		return fmt.Errorf("failed to update device status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("device not found: %s", deviceID)
	}

	return nil
}

// UpdateHeartbeat 更新设备心跳时间
func (r *DeviceRepository) UpdateHeartbeat(ctx context.Context, deviceID string, at time.Time) error {
	if deviceID == "" {
		return fmt.Errorf("device_id is required")
	}

	query := `
		UPDATE devices
		SET last_heartbeat = $1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE device_id = $2
	`

	result, err := r.db.ExecContext(ctx, query, at, deviceID)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("device not found: %s", deviceID)
	}

	return nil
}

// FindOffline 查找心跳超过阈值但仍标记为 online 的设备
// 用于兜底扫描：探测不到的设备最终必须被标记 offline
func (r *DeviceRepository) FindOffline(ctx context.Context, thresholdMinutes int) ([]*models.Device, error) {
	threshold := time.Now().Add(-time.Duration(thresholdMinutes) * time.Minute)

	query := fmt.Sprintf(`
		SELECT %s
		FROM devices
		WHERE status = 'online'
		  AND last_heartbeat IS NOT NULL
		  AND last_heartbeat < $1
		ORDER BY last_heartbeat ASC
	`, deviceColumns)

	rows, err := r.db.QueryContext(ctx, query, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale devices: %w", err)
	}
	defer rows.Close()

	devices := []*models.Device{}
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate devices: %w", err)
	}

	return devices, nil
}
