package handler

import (
	"context"
	"time"

	"github.com/hitoshi/eventman/internal/model"
	"github.com/hitoshi/eventman/internal/notification"
)

// NotificationServiceAdapter は notification.Service を NotificationServiceInterface に適合させるアダプタ。
// リクエスト時点の現在時刻を基準に通知を導出する。
type NotificationServiceAdapter struct {
	svc *notification.Service
	now func() time.Time
}

// NewNotificationServiceAdapter はNotificationServiceAdapterを生成する。
func NewNotificationServiceAdapter(svc *notification.Service) *NotificationServiceAdapter {
	return &NotificationServiceAdapter{svc: svc, now: time.Now}
}

// List はユーザーの通知を現在時刻基準で返す。
func (a *NotificationServiceAdapter) List(ctx context.Context, userID string) ([]model.Notification, error) {
	return a.svc.List(ctx, userID, a.now())
}

// --- compile-time interface checks ---

var _ NotificationServiceInterface = (*NotificationServiceAdapter)(nil)
