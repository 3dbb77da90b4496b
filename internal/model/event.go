package model

import (
	"strings"
	"time"
)

// DefaultImageURL はイベント画像が未指定の場合に使用する表示用URL。
const DefaultImageURL = "https://via.placeholder.com/800x400"

// Event は主催者が公開するイベントを表す。
// Rosterは登録済みユーザーIDの順序付き列で、len(Roster) <= Capacity を常に満たす。
type Event struct {
	ID          string
	Title       string
	Description string
	Location    string
	Category    string
	Date        time.Time
	Capacity    int
	OrganizerID string
	Roster      []string
	ImageURL    string
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// OrganizerName は表示用の主催者ユーザー名。永続化しない。
	OrganizerName string
}

// RegisteredCount は現在の登録者数を返す。
func (e *Event) RegisteredCount() int {
	return len(e.Roster)
}

// IsRegistered は指定ユーザーが登録済みかどうかを返す。
func (e *Event) IsRegistered(userID string) bool {
	for _, id := range e.Roster {
		if id == userID {
			return true
		}
	}
	return false
}

// IsFull は登録者数が定員に達しているかどうかを返す。
func (e *Event) IsFull() bool {
	return len(e.Roster) >= e.Capacity
}

// Clone はRosterを含めたディープコピーを返す。
// インメモリストアが内部状態を外部に漏らさないために使用する。
func (e *Event) Clone() *Event {
	c := *e
	c.Roster = append([]string(nil), e.Roster...)
	return &c
}

// EventFilter はイベント一覧の絞り込み条件を表す。
// ゼロ値のフィールドは条件として扱わない。
type EventFilter struct {
	Query        string // タイトルの部分一致（大文字小文字を区別しない）
	Location     string // 開催場所の部分一致（大文字小文字を区別しない）
	Category     string // カテゴリの完全一致（大文字小文字を区別しない）
	OrganizerID  string
	UpcomingOnly bool
	Now          time.Time
}

// Matches はイベントが絞り込み条件に一致するかを判定する。
func (f EventFilter) Matches(e *Event) bool {
	if f.Query != "" && !containsFold(e.Title, f.Query) {
		return false
	}
	if f.Location != "" && !containsFold(e.Location, f.Location) {
		return false
	}
	if f.Category != "" && !strings.EqualFold(e.Category, f.Category) {
		return false
	}
	if f.OrganizerID != "" && e.OrganizerID != f.OrganizerID {
		return false
	}
	if f.UpcomingOnly && e.Date.Before(f.Now) {
		return false
	}
	return true
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// RosterChange は登録者数の変更通知を表す。
// トピック "roster-changed" で全接続クライアントへ配信される。
type RosterChange struct {
	EventID string `json:"eventId"`
	Count   int    `json:"count"`
}

// RosterChangedTopic は登録者数変更通知のトピック名。
const RosterChangedTopic = "roster-changed"
