package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/eventman/internal/model"
	"github.com/hitoshi/eventman/internal/registration"
)

// RegistrationServiceInterface は参加登録ハンドラーが必要とするサービスインターフェース。
type RegistrationServiceInterface interface {
	Register(ctx context.Context, eventID, userID string) (*registration.Result, error)
}

// NotificationServiceInterface は通知ハンドラーが必要とするサービスインターフェース。
type NotificationServiceInterface interface {
	List(ctx context.Context, userID string) ([]model.Notification, error)
}

// RegistrationHandler は参加登録と通知のHTTPハンドラー。
type RegistrationHandler struct {
	registrations RegistrationServiceInterface
	notifications NotificationServiceInterface
}

// NewRegistrationHandler はRegistrationHandlerを生成する。
func NewRegistrationHandler(registrations RegistrationServiceInterface, notifications NotificationServiceInterface) *RegistrationHandler {
	return &RegistrationHandler{
		registrations: registrations,
		notifications: notifications,
	}
}

type registrationResponse struct {
	Message string `json:"message"`
	EventID string `json:"eventId"`
	Count   int    `json:"count"`
}

type notificationResponse struct {
	EventID  string `json:"eventId"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Date     string `json:"date"`
	IsUrgent bool   `json:"isUrgent"`
	Link     string `json:"link"`
}

// Register は呼び出し元をイベントに登録する。
// POST /api/events/{id}/register
func (h *RegistrationHandler) Register(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrUnauthenticated(w, r)
	if !ok {
		return
	}

	res, err := h.registrations.Register(r.Context(), chi.URLParam(r, "id"), identity.UserID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, registrationResponse{
		Message: "参加登録が完了しました。",
		EventID: res.EventID,
		Count:   res.Count,
	})
}

// ListNotifications は呼び出し元の開催予定イベントの通知を返す。
// GET /api/notifications
func (h *RegistrationHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrUnauthenticated(w, r)
	if !ok {
		return
	}

	notifications, err := h.notifications.List(r.Context(), identity.UserID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]notificationResponse, len(notifications))
	for i, n := range notifications {
		resp[i] = notificationResponse{
			EventID:  n.EventID,
			Title:    n.Title,
			Message:  n.Message,
			Date:     n.Date.UTC().Format(time.RFC3339),
			IsUrgent: n.IsUrgent,
			Link:     n.Link,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
