package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chevastian666/forten-sub002/internal/models"
)

func setupMockDeviceDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *DeviceRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewDeviceRepository(db, logger)

	return db, mock, repo
}

func deviceRows(deviceID string, status models.DeviceStatus, heartbeat interface{}) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"device_id", "building_id", "name", "type", "floor",
		"zone", "status", "capabilities", "external_id", "probe_addr",
		"last_heartbeat", "metadata", "created_at", "updated_at",
	}).AddRow(
		deviceID, "building-1", "Lobby Cam", "camera", "1",
		"lobby", status, "{ptz,recording}", "ext-42", "http://10.0.0.42/health",
		heartbeat, `{}`, now, now,
	)
}

func TestGetDevice_Success(t *testing.T) {
	db, mock, repo := setupMockDeviceDB(t)
	defer db.Close()

	heartbeat := time.Now()
	mock.ExpectQuery(`SELECT(.|\n)*FROM devices`).
		WithArgs("dev-1").
		WillReturnRows(deviceRows("dev-1", models.DeviceStatusOnline, heartbeat))

	device, err := repo.GetDevice(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", device.DeviceID)
	assert.Equal(t, models.DeviceStatusOnline, device.Status)
	assert.Equal(t, []string{"ptz", "recording"}, device.Capabilities)
	assert.True(t, device.HasCapability(models.CapabilityPTZ))
	assert.True(t, device.IsCamera())
	require.NotNil(t, device.LastHeartbeat)
}

func TestGetDevice_NotFound(t *testing.T) {
	db, mock, repo := setupMockDeviceDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT(.|\n)*FROM devices`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetDevice(context.Background(), "missing")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestFindByStatus_Success(t *testing.T) {
	db, mock, repo := setupMockDeviceDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT(.|\n)*WHERE status = ANY`).
		WillReturnRows(deviceRows("dev-1", models.DeviceStatusOffline, nil))

	devices, err := repo.FindByStatus(context.Background(), models.DeviceStatusOnline, models.DeviceStatusOffline)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, models.DeviceStatusOffline, devices[0].Status)
	// 从未上线的设备心跳为空
	assert.Nil(t, devices[0].LastHeartbeat)
}

func TestFindByStatus_NoStatuses(t *testing.T) {
	db, _, repo := setupMockDeviceDB(t)
	defer db.Close()

	devices, err := repo.FindByStatus(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestUpdateStatus_Success(t *testing.T) {
	db, mock, repo := setupMockDeviceDB(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE devices`).
		WithArgs(models.DeviceStatusOffline, "dev-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateStatus(context.Background(), "dev-1", models.DeviceStatusOffline)
	assert.NoError(t, err)
}

func TestUpdateStatus_NotFound(t *testing.T) {
	db, mock, repo := setupMockDeviceDB(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE devices`).
		WithArgs(models.DeviceStatusOffline, "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateStatus(context.Background(), "missing", models.DeviceStatusOffline)
	assert.Error(t, err)
}

func TestUpdateHeartbeat_Success(t *testing.T) {
	db, mock, repo := setupMockDeviceDB(t)
	defer db.Close()

	at := time.Now()
	mock.ExpectExec(`UPDATE devices`).
		WithArgs(at, "dev-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateHeartbeat(context.Background(), "dev-1", at)
	assert.NoError(t, err)
}

func TestFindOffline_Success(t *testing.T) {
	db, mock, repo := setupMockDeviceDB(t)
	defer db.Close()

	stale := time.Now().Add(-10 * time.Minute)
	mock.ExpectQuery(`SELECT(.|\n)*WHERE status = 'online'`).
		WillReturnRows(deviceRows("dev-1", models.DeviceStatusOnline, stale))

	devices, err := repo.FindOffline(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "dev-1", devices[0].DeviceID)
}
