// Package registration はイベントへの参加登録を提供する。
// 定員チェックと登録者リストへの追加はストア側で原子的に行い、
// 成功した登録のみを登録者数の変更としてリアルタイム配信する。
package registration

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/eventman/internal/metrics"
	"github.com/hitoshi/eventman/internal/model"
	"github.com/hitoshi/eventman/internal/realtime"
	"github.com/hitoshi/eventman/internal/repository"
)

// DefaultTimeout は登録処理のデフォルトのタイムアウト。
const DefaultTimeout = 5 * time.Second

// Result は成功した登録の結果。
type Result struct {
	EventID string
	Count   int // 登録後の登録者数
}

// Recorder は登録処理のメトリクス記録に使用するインターフェース。
type Recorder interface {
	RecordRegistration(outcome string, duration time.Duration)
	RecordPublishFailure()
}

// Service は参加登録のビジネスロジックを提供する。
type Service struct {
	repo      repository.EventRepository
	publisher realtime.Publisher
	recorder  Recorder
	timeout   time.Duration
}

// NewService はServiceを生成する。
// publisherとrecorderはnilでもよい。timeoutが0以下の場合はDefaultTimeoutを使用する。
func NewService(repo repository.EventRepository, publisher realtime.Publisher, recorder Recorder, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{
		repo:      repo,
		publisher: publisher,
		recorder:  recorder,
		timeout:   timeout,
	}
}

// Register はuserIDをイベントの登録者リストに追加する。
// 失敗時はEVENT_NOT_FOUND、ALREADY_REGISTERED、EVENT_FULL、TRANSIENT_STORE_ERRORのいずれかを返す。
// 失敗した場合、登録者リストは変更されず配信も行わない。
func (s *Service) Register(ctx context.Context, eventID, userID string) (*Result, error) {
	start := time.Now()

	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	count, err := s.repo.AppendRegistrant(opCtx, eventID, userID)
	cancel()

	if err != nil {
		outcome, apiErr := classify(eventID, err)
		s.record(outcome, time.Since(start))
		if outcome == metrics.OutcomeTransientError {
			slog.Error("registration failed",
				slog.String("event_id", eventID),
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
		return nil, apiErr
	}
	s.record(metrics.OutcomeSuccess, time.Since(start))

	slog.Info("user registered for event",
		slog.String("event_id", eventID),
		slog.String("user_id", userID),
		slog.Int("count", count),
	)

	s.publish(ctx, model.RosterChange{EventID: eventID, Count: count})

	return &Result{EventID: eventID, Count: count}, nil
}

// classify はストアのエラーを結果ラベルとAPIErrorに変換する。
func classify(eventID string, err error) (string, *model.APIError) {
	switch {
	case errors.Is(err, repository.ErrEventNotFound):
		return metrics.OutcomeNotFound, model.NewEventNotFoundError(eventID)
	case errors.Is(err, repository.ErrAlreadyRegistered):
		return metrics.OutcomeAlreadyRegistered, model.NewAlreadyRegisteredError()
	case errors.Is(err, repository.ErrEventFull):
		return metrics.OutcomeFull, model.NewEventFullError()
	default:
		return metrics.OutcomeTransientError, model.NewTransientStoreError()
	}
}

// publish は登録者数の変更を配信する。失敗は呼び出し元へ返さない。
func (s *Service) publish(ctx context.Context, change model.RosterChange) {
	if s.publisher == nil {
		return
	}
	// リクエストのキャンセルで確定済みの変更が配信されなくならないようにする
	if err := s.publisher.Publish(context.WithoutCancel(ctx), change); err != nil {
		slog.Warn("roster change publish failed",
			slog.String("event_id", change.EventID),
			slog.Int("count", change.Count),
			slog.String("error", err.Error()),
		)
		if s.recorder != nil {
			s.recorder.RecordPublishFailure()
		}
	}
}

func (s *Service) record(outcome string, d time.Duration) {
	if s.recorder != nil {
		s.recorder.RecordRegistration(outcome, d)
	}
}
