// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/eventman/internal/model"
)

// 永続化層が返す番兵エラー。サービス層でAPIErrorへ変換される。
var (
	ErrEventNotFound     = errors.New("event not found")
	ErrAlreadyRegistered = errors.New("user already registered for event")
	ErrEventFull         = errors.New("event is at capacity")
	ErrDuplicateUser     = errors.New("username or email already exists")
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// Create はユーザーを作成する。ユーザー名またはメールアドレスが重複する場合はErrDuplicateUserを返す。
	Create(ctx context.Context, user *model.User) error

	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteExpired はnow時点で期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// EventRepository はイベントと登録者リストの永続化インターフェース。
// 定員制約（登録者数 <= 定員）はこの層が保証する。
type EventRepository interface {
	// Create はイベントを作成する。Rosterは空で保存される。
	Create(ctx context.Context, event *model.Event) error

	// FindByID は指定IDのイベントを登録順のRoster付きで取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Event, error)

	// List は絞り込み条件に一致するイベントを開催日時の昇順で返す。
	List(ctx context.Context, filter model.EventFilter) ([]*model.Event, error)

	// Update はタイトル・説明・日時・場所・カテゴリ・画像URLのみを更新する。
	// Roster、定員、主催者は変更しない。存在しない場合はErrEventNotFoundを返す。
	Update(ctx context.Context, event *model.Event) error

	// Delete はイベントを削除する。登録者リストも同時に削除される。
	// 存在しない場合はErrEventNotFoundを返す。
	Delete(ctx context.Context, id string) error

	// AppendRegistrant は登録者リストの末尾にuserIDを原子的に追加し、追加後の登録者数を返す。
	// 同一イベントへの呼び出しは直列化され、異なるイベントは並行に処理される。
	// 失敗時はErrEventNotFound、ErrAlreadyRegistered、ErrEventFull、またはラップされたストアエラーを返し、
	// いずれの場合もRosterは変更されない。
	AppendRegistrant(ctx context.Context, eventID, userID string) (int, error)

	// ListUpcomingByRegistrant はuserIDが登録済みで、開催日時がnow以降のイベントを返す。
	ListUpcomingByRegistrant(ctx context.Context, userID string, now time.Time) ([]*model.Event, error)
}
