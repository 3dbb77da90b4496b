// Package notification は登録済みの開催予定イベントからリマインダーを導出する。
// 通知は保存せず、取得のたびに再計算する。
package notification

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hitoshi/eventman/internal/model"
	"github.com/hitoshi/eventman/internal/repository"
)

// DefaultUrgentWindow は開催までの残り時間がこれ以下の通知を緊急とする期間。
const DefaultUrgentWindow = 24 * time.Hour

const dateFormat = "2006/01/02 15:04"

// Derive はuserIDが登録済みで開催日時がnow以降のイベントについて、開催日時の昇順で通知を返す。
func Derive(events []*model.Event, userID string, now time.Time, urgentWindow time.Duration) []model.Notification {
	if urgentWindow <= 0 {
		urgentWindow = DefaultUrgentWindow
	}

	upcoming := make([]*model.Event, 0, len(events))
	for _, ev := range events {
		if ev == nil || ev.Date.Before(now) || !ev.IsRegistered(userID) {
			continue
		}
		upcoming = append(upcoming, ev)
	}
	sort.SliceStable(upcoming, func(i, j int) bool {
		return upcoming[i].Date.Before(upcoming[j].Date)
	})

	notifications := make([]model.Notification, 0, len(upcoming))
	for _, ev := range upcoming {
		notifications = append(notifications, model.Notification{
			EventID:  ev.ID,
			Title:    "開催予定のイベント: " + ev.Title,
			Message:  fmt.Sprintf("%s に「%s」が%sで開催されます。", ev.Date.Format(dateFormat), ev.Title, ev.Location),
			Date:     ev.Date,
			IsUrgent: ev.Date.Sub(now) <= urgentWindow,
			Link:     "/events/" + ev.ID,
		})
	}
	return notifications
}

// Service は通知の取得を提供する。
type Service struct {
	repo         repository.EventRepository
	urgentWindow time.Duration
}

// NewService はServiceを生成する。urgentWindowが0以下の場合はDefaultUrgentWindowを使用する。
func NewService(repo repository.EventRepository, urgentWindow time.Duration) *Service {
	if urgentWindow <= 0 {
		urgentWindow = DefaultUrgentWindow
	}
	return &Service{repo: repo, urgentWindow: urgentWindow}
}

// List はuserIDの通知を返す。該当がない場合は空スライスを返す。
func (s *Service) List(ctx context.Context, userID string, now time.Time) ([]model.Notification, error) {
	events, err := s.repo.ListUpcomingByRegistrant(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("登録済みイベントの取得に失敗しました: %w", err)
	}
	return Derive(events, userID, now, s.urgentWindow), nil
}
