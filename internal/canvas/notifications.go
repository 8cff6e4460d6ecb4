package canvas

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
)

const (
	opEnqueueNotification = "canvas.enqueue_notification"
	opPendingNotification = "canvas.pending_notifications"
	opMarkDelivered       = "canvas.mark_notification_delivered"

	// DefaultNotificationChannel routes records through the push adapter.
	DefaultNotificationChannel = "push"
)

// ErrNotificationNotFound reports a delivery mark for an unknown or already
// delivered record.
var ErrNotificationNotFound = errors.New("canvas: notification not found or already delivered")

// EnqueueNotification appends a pending notification record for later
// at-least-once delivery.
func (s *Service) EnqueueNotification(ctx context.Context, userID UserID, artworkID *ArtworkID, notificationType, payloadJSON, channel string) (NotificationRecord, error) {
	notificationID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opEnqueueNotification, "id_generation_failed", err)
		return NotificationRecord{}, newServiceError(opEnqueueNotification, "id_generation_failed", err)
	}
	if channel == "" {
		channel = DefaultNotificationChannel
	}

	record := NotificationRecord{
		NotificationID:   notificationID,
		UserID:           userID.String(),
		Type:             notificationType,
		PayloadJSON:      payloadJSON,
		Channel:          channel,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if artworkID != nil {
		value := artworkID.String()
		record.ArtworkID = &value
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opEnqueueNotification, "insert_failed", err, zap.String("user_id", userID.String()))
		return NotificationRecord{}, newServiceError(opEnqueueNotification, "insert_failed", err)
	}
	return record, nil
}

// PendingNotifications returns up to limit undelivered records, oldest first.
func (s *Service) PendingNotifications(ctx context.Context, limit int) ([]NotificationRecord, error) {
	var records []NotificationRecord
	query := s.db.WithContext(ctx).
		Where("delivered_at_s IS NULL").
		Order("created_at_s ASC, notification_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		s.logError(opPendingNotification, "query_failed", err)
		return nil, newServiceError(opPendingNotification, "query_failed", err)
	}
	return records, nil
}

// MarkNotificationDelivered flips deliveredAt from null to now. A record that
// is missing or already delivered yields ErrNotificationNotFound so the
// dispatcher never double-acknowledges.
func (s *Service) MarkNotificationDelivered(ctx context.Context, notificationID string) error {
	deliveredAt := s.clock().UTC().Unix()
	result := s.db.WithContext(ctx).Model(&NotificationRecord{}).
		Where("notification_id = ? AND delivered_at_s IS NULL", notificationID).
		Update("delivered_at_s", deliveredAt)
	if result.Error != nil {
		s.logError(opMarkDelivered, "update_failed", result.Error, zap.String("notification_id", notificationID))
		return newServiceError(opMarkDelivered, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

type turnNotificationPayload struct {
	ArtworkID  string `json:"artwork_id"`
	TurnNumber int64  `json:"turn_number"`
	DueAt      *int64 `json:"due_at,omitempty"`
}

func (s *Service) enqueueTurnNotification(ctx context.Context, rawUserID string, artworkID ArtworkID, notificationType string, turn TurnState) error {
	userID, err := NewUserID(rawUserID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(turnNotificationPayload{
		ArtworkID:  artworkID.String(),
		TurnNumber: turn.TurnNumber,
		DueAt:      turn.DueAtSeconds,
	})
	if err != nil {
		return err
	}
	_, err = s.EnqueueNotification(ctx, userID, &artworkID, notificationType, string(payload), DefaultNotificationChannel)
	return err
}
