// Package event はイベントの作成・参照・検索・更新・削除を提供する。
package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/eventman/internal/model"
	"github.com/hitoshi/eventman/internal/repository"
	"github.com/hitoshi/eventman/internal/security"
)

// 入力値の最大長（DBのカラム長に合わせる）
const (
	maxTitleLength    = 255
	maxLocationLength = 255
	maxCategoryLength = 100
)

// dateLayouts は受け付ける開催日時の形式。
// 2番目はHTMLのdatetime-local入力値（タイムゾーンなし、UTCとして解釈）。
var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04"}

// CreateInput はイベント作成の入力値。
type CreateInput struct {
	Title       string
	Description string
	Location    string
	Category    string
	Date        string
	Capacity    *int
	ImageURL    string
}

// UpdateInput はイベント更新の入力値。nilのフィールドは変更しない。
// 登録者リストを変更するフィールドは持たない。
type UpdateInput struct {
	Title       *string
	Description *string
	Location    *string
	Category    *string
	Date        *string
	Capacity    *int
	ImageURL    *string
}

// Forgetter はイベント削除時に配信側のイベント単位の状態を破棄する。
type Forgetter interface {
	Forget(eventID string)
}

// OrganizerDirectory は主催者のユーザー名を引く。repository.UserRepositoryが実装する。
type OrganizerDirectory interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// Config はイベントサービスの設定。
type Config struct {
	RequireOrganizerRole bool   // trueの場合、role=organizer以外のイベント作成を拒否する
	CheckImageURL        bool   // trueの場合、画像URLへ到達確認を行う
	BaseURL              string // RSSのリンク生成に使用する公開URL
}

// Service はイベントに関するビジネスロジックを提供する。
type Service struct {
	repo      repository.EventRepository
	sanitizer security.ContentSanitizerService
	guard     security.URLGuard
	forgetter Forgetter
	users     OrganizerDirectory
	config    Config
	now       func() time.Time
}

// NewService はServiceを生成する。forgetterとusersはnilでもよい。
// usersがnilの場合、OrganizerNameは設定されない。
func NewService(
	repo repository.EventRepository,
	sanitizer security.ContentSanitizerService,
	guard security.URLGuard,
	forgetter Forgetter,
	users OrganizerDirectory,
	config Config,
) *Service {
	return &Service{
		repo:      repo,
		sanitizer: sanitizer,
		guard:     guard,
		forgetter: forgetter,
		users:     users,
		config:    config,
		now:       time.Now,
	}
}

// CreateEvent はイベントを作成する。主催者は呼び出し元で固定され、以後変更されない。
func (s *Service) CreateEvent(ctx context.Context, in CreateInput, caller model.Identity) (*model.Event, error) {
	if caller.UserID == "" {
		return nil, model.NewUnauthenticatedError()
	}
	if s.config.RequireOrganizerRole && caller.Role != model.RoleOrganizer {
		return nil, model.NewUnauthorizedError()
	}

	now := s.now()
	ev := &model.Event{
		ID:          uuid.New().String(),
		Title:       in.Title,
		Description: in.Description,
		Location:    in.Location,
		Category:    in.Category,
		OrganizerID: caller.UserID,
		Roster:      []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if in.Capacity == nil {
		return nil, model.NewValidationError("capacity", "必須項目です")
	}
	if *in.Capacity <= 0 {
		return nil, model.NewValidationError("capacity", "1以上の整数を指定してください")
	}
	ev.Capacity = *in.Capacity

	date, err := parseDate(in.Date)
	if err != nil {
		return nil, err
	}
	ev.Date = date

	imageURL, err := s.resolveImageURL(ctx, in.ImageURL)
	if err != nil {
		return nil, err
	}
	ev.ImageURL = imageURL

	if err := s.sanitizeAndValidate(ev); err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to create event: %w", err)
	}

	slog.Info("event created",
		slog.String("event_id", ev.ID),
		slog.String("organizer_id", ev.OrganizerID),
		slog.Int("capacity", ev.Capacity),
	)
	s.fillOrganizerNames(ctx, ev)
	return ev, nil
}

// GetEvent は指定IDのイベントを取得する。
func (s *Service) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	ev, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find event: %w", err)
	}
	if ev == nil {
		return nil, model.NewEventNotFoundError(id)
	}
	s.fillOrganizerNames(ctx, ev)
	return ev, nil
}

// ListEvents は絞り込み条件に一致するイベントを返す。
// UpcomingOnlyが指定され基準時刻が未設定の場合は現在時刻を使用する。
func (s *Service) ListEvents(ctx context.Context, filter model.EventFilter) ([]*model.Event, error) {
	filter.Query = strings.TrimSpace(filter.Query)
	filter.Location = strings.TrimSpace(filter.Location)
	filter.Category = strings.TrimSpace(filter.Category)
	if filter.UpcomingOnly && filter.Now.IsZero() {
		filter.Now = s.now()
	}

	events, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	if events == nil {
		events = []*model.Event{}
	}
	s.fillOrganizerNames(ctx, events...)
	return events, nil
}

// UpdateEvent は主催者本人によるイベントの部分更新を行う。
// 更新後の値に対して作成時と同じ検証を行う。定員の変更は受け付けない。
func (s *Service) UpdateEvent(ctx context.Context, id string, in UpdateInput, requesterID string) (*model.Event, error) {
	ev, err := s.authorize(ctx, id, requesterID)
	if err != nil {
		return nil, err
	}

	if in.Capacity != nil && *in.Capacity != ev.Capacity {
		return nil, model.NewValidationError("capacity", "定員は作成後に変更できません")
	}

	if in.Title != nil {
		ev.Title = *in.Title
	}
	if in.Description != nil {
		ev.Description = *in.Description
	}
	if in.Location != nil {
		ev.Location = *in.Location
	}
	if in.Category != nil {
		ev.Category = *in.Category
	}
	if in.Date != nil {
		date, err := parseDate(*in.Date)
		if err != nil {
			return nil, err
		}
		ev.Date = date
	}
	if in.ImageURL != nil {
		imageURL, err := s.resolveImageURL(ctx, *in.ImageURL)
		if err != nil {
			return nil, err
		}
		ev.ImageURL = imageURL
	}

	if err := s.sanitizeAndValidate(ev); err != nil {
		return nil, err
	}
	ev.UpdatedAt = s.now()

	if err := s.repo.Update(ctx, ev); err != nil {
		if errors.Is(err, repository.ErrEventNotFound) {
			return nil, model.NewEventNotFoundError(id)
		}
		return nil, fmt.Errorf("failed to update event: %w", err)
	}

	// 並行する登録を反映した最新の状態を返す
	updated, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to reload event: %w", err)
	}
	if updated == nil {
		return nil, model.NewEventNotFoundError(id)
	}

	slog.Info("event updated", slog.String("event_id", id))
	s.fillOrganizerNames(ctx, updated)
	return updated, nil
}

// DeleteEvent は主催者本人によるイベント削除を行う。
func (s *Service) DeleteEvent(ctx context.Context, id string, requesterID string) error {
	if _, err := s.authorize(ctx, id, requesterID); err != nil {
		return err
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrEventNotFound) {
			return model.NewEventNotFoundError(id)
		}
		return fmt.Errorf("failed to delete event: %w", err)
	}
	if s.forgetter != nil {
		s.forgetter.Forget(id)
	}

	slog.Info("event deleted", slog.String("event_id", id))
	return nil
}

// fillOrganizerNames は主催者のユーザー名を設定する。同じ主催者の問い合わせは1回にまとめる。
// ユーザーが見つからない、または取得に失敗した場合は空のままにする。
func (s *Service) fillOrganizerNames(ctx context.Context, events ...*model.Event) {
	if s.users == nil {
		return
	}
	names := make(map[string]string)
	for _, ev := range events {
		name, ok := names[ev.OrganizerID]
		if !ok {
			u, err := s.users.FindByID(ctx, ev.OrganizerID)
			if err != nil {
				slog.Warn("failed to look up organizer",
					slog.String("organizer_id", ev.OrganizerID),
					slog.String("error", err.Error()),
				)
			} else if u != nil {
				name = u.Username
			}
			names[ev.OrganizerID] = name
		}
		ev.OrganizerName = name
	}
}

// authorize はイベントの存在と、requesterIDが主催者であることを確認する。
func (s *Service) authorize(ctx context.Context, id, requesterID string) (*model.Event, error) {
	if requesterID == "" {
		return nil, model.NewUnauthenticatedError()
	}
	ev, err := s.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev.OrganizerID != requesterID {
		return nil, model.NewUnauthorizedError()
	}
	return ev, nil
}

// sanitizeAndValidate はテキスト項目をサニタイズし、必須項目と長さを検証する。
func (s *Service) sanitizeAndValidate(ev *model.Event) error {
	ev.Title = s.sanitizer.PlainText(ev.Title)
	ev.Location = s.sanitizer.PlainText(ev.Location)
	ev.Category = s.sanitizer.PlainText(ev.Category)
	ev.Description = s.sanitizer.Description(ev.Description)

	fields := []struct {
		name  string
		value string
		max   int
	}{
		{"title", ev.Title, maxTitleLength},
		{"description", ev.Description, 0},
		{"location", ev.Location, maxLocationLength},
		{"category", ev.Category, maxCategoryLength},
	}
	for _, f := range fields {
		if f.value == "" {
			return model.NewValidationError(f.name, "必須項目です")
		}
		if f.max > 0 && len([]rune(f.value)) > f.max {
			return model.NewValidationError(f.name, fmt.Sprintf("%d文字以内で入力してください", f.max))
		}
	}
	return nil
}

// resolveImageURL は画像URLを検証する。空の場合は既定の画像URLを返す。
func (s *Service) resolveImageURL(ctx context.Context, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return model.DefaultImageURL, nil
	}
	if err := s.guard.ValidateURL(raw); err != nil {
		return "", model.NewValidationError("imageUrl", "利用できないURLです")
	}
	if s.config.CheckImageURL {
		if err := s.guard.CheckImage(ctx, raw); err != nil {
			slog.Warn("image url check failed",
				slog.String("url", raw),
				slog.String("error", err.Error()),
			)
			return "", model.NewValidationError("imageUrl", "画像を取得できませんでした")
		}
	}
	return raw, nil
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, model.NewValidationError("date", "必須項目です")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, model.NewValidationError("date", "日時の形式が正しくありません")
}
