package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/chevastian666/forten-sub002/internal/alerts"
	"github.com/chevastian666/forten-sub002/internal/models"
)

// RecipientRepository 报警接收人目录（对应 alert_recipients 表）
// 实现 alerts.RecipientDirectory
type RecipientRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRecipientRepository 创建接收人目录
func NewRecipientRepository(db *sql.DB, logger *zap.Logger) *RecipientRepository {
	return &RecipientRepository{
		db:     db,
		logger: logger,
	}
}

// RecipientsForBuilding 获取楼宇的报警接收人及其渠道偏好
// preferences 为 JSONB：{"urgent": ["sms","push"], "high": ["email"]}
func (r *RecipientRepository) RecipientsForBuilding(ctx context.Context, buildingID string) ([]alerts.Recipient, error) {
	if buildingID == "" {
		return nil, fmt.Errorf("building_id is required")
	}

	query := `
		SELECT user_id, preferences
		FROM alert_recipients
		WHERE building_id = $1
		  AND enabled = TRUE
	`

	rows, err := r.db.QueryContext(ctx, query, buildingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert recipients: %w", err)
	}
	defer rows.Close()

	recipients := []alerts.Recipient{}
	for rows.Next() {
		var userID string
		var preferences []byte

		if err := rows.Scan(&userID, &preferences); err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}

		recipient := alerts.Recipient{UserID: userID}
		if len(preferences) > 0 {
			var prefs map[models.AlertPriority][]models.AlertMethod
			if err := json.Unmarshal(preferences, &prefs); err != nil {
				// 偏好损坏时退回默认渠道集合，不阻塞报警
				r.logger.Warn("Invalid recipient preferences, using defaults",
					zap.String("user_id", userID),
					zap.String("building_id", buildingID),
					zap.Error(err),
				)
			} else {
				recipient.Preferences = prefs
			}
		}

		recipients = append(recipients, recipient)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate recipients: %w", err)
	}

	return recipients, nil
}
