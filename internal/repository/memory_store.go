package repository

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hitoshi/eventman/internal/model"
)

// eventRecord はインメモリストア内の1イベント分の状態。
// mu がイベント単位のロックとなり、同一イベントへの登録を直列化する。
type eventRecord struct {
	mu      sync.Mutex
	event   *model.Event
	deleted bool
}

// MemoryEventRepo はプロセス内メモリにイベントを保持するリポジトリ。
// マップ全体のロックはレコードの検索・追加・削除時のみ保持し、
// 定員確認と追加はレコード単位のロックで行うため、異なるイベントへの登録は並行に進む。
type MemoryEventRepo struct {
	mu      sync.RWMutex
	records map[string]*eventRecord
}

// NewMemoryEventRepo はMemoryEventRepoを生成する。
func NewMemoryEventRepo() *MemoryEventRepo {
	return &MemoryEventRepo{records: make(map[string]*eventRecord)}
}

func (r *MemoryEventRepo) record(id string) *eventRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records[id]
}

func (r *MemoryEventRepo) snapshot() []*eventRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	recs := make([]*eventRecord, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	return recs
}

// Create はイベントを作成する。
func (r *MemoryEventRepo) Create(ctx context.Context, event *model.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := event.Clone()
	stored.Roster = []string{}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[event.ID]; ok {
		return fmt.Errorf("event already exists: %s", event.ID)
	}
	r.records[event.ID] = &eventRecord{event: stored}
	return nil
}

// FindByID は指定IDのイベントのコピーを返す。見つからない場合はnilを返す。
func (r *MemoryEventRepo) FindByID(ctx context.Context, id string) (*model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec := r.record(id)
	if rec == nil {
		return nil, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return nil, nil
	}
	return rec.event.Clone(), nil
}

// List は絞り込み条件に一致するイベントを開催日時の昇順で返す。
func (r *MemoryEventRepo) List(ctx context.Context, filter model.EventFilter) ([]*model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.collect(func(e *model.Event) bool { return filter.Matches(e) }), nil
}

// Update はイベントの可変フィールドのみを更新する。
func (r *MemoryEventRepo) Update(ctx context.Context, event *model.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec := r.record(event.ID)
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrEventNotFound, event.ID)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return fmt.Errorf("%w: %s", ErrEventNotFound, event.ID)
	}

	stored := rec.event
	stored.Title = event.Title
	stored.Description = event.Description
	stored.Location = event.Location
	stored.Category = event.Category
	stored.Date = event.Date
	stored.ImageURL = event.ImageURL
	stored.UpdatedAt = event.UpdatedAt
	return nil
}

// Delete はイベントを削除する。
func (r *MemoryEventRepo) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	rec, ok := r.records[id]
	delete(r.records, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}

	rec.mu.Lock()
	rec.deleted = true
	rec.mu.Unlock()
	return nil
}

// AppendRegistrant はイベント単位のロックを保持したまま確認と追加を行う。
func (r *MemoryEventRepo) AppendRegistrant(ctx context.Context, eventID, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rec := r.record(eventID)
	if rec == nil {
		return 0, ErrEventNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.deleted {
		return 0, ErrEventNotFound
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if rec.event.IsRegistered(userID) {
		return 0, ErrAlreadyRegistered
	}
	if rec.event.IsFull() {
		return 0, ErrEventFull
	}
	rec.event.Roster = append(rec.event.Roster, userID)
	return len(rec.event.Roster), nil
}

// ListUpcomingByRegistrant はユーザーが登録済みの開催予定イベントを返す。
func (r *MemoryEventRepo) ListUpcomingByRegistrant(ctx context.Context, userID string, now time.Time) ([]*model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.collect(func(e *model.Event) bool {
		return e.IsRegistered(userID) && !e.Date.Before(now)
	}), nil
}

func (r *MemoryEventRepo) collect(match func(*model.Event) bool) []*model.Event {
	var events []*model.Event
	for _, rec := range r.snapshot() {
		rec.mu.Lock()
		if !rec.deleted && match(rec.event) {
			events = append(events, rec.event.Clone())
		}
		rec.mu.Unlock()
	}
	slices.SortFunc(events, func(a, b *model.Event) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return events
}

// MemoryUserRepo はプロセス内メモリにユーザーを保持するリポジトリ。
type MemoryUserRepo struct {
	mu    sync.RWMutex
	users map[string]*model.User
}

// NewMemoryUserRepo はMemoryUserRepoを生成する。
func NewMemoryUserRepo() *MemoryUserRepo {
	return &MemoryUserRepo{users: make(map[string]*model.User)}
}

// Create はユーザーを作成する。ユーザー名とメールアドレスの一意性を検査する。
func (r *MemoryUserRepo) Create(ctx context.Context, user *model.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Username == user.Username || u.Email == user.Email {
			return ErrDuplicateUser
		}
	}
	stored := *user
	r.users[user.ID] = &stored
	return nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *MemoryUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	c := *u
	return &c, nil
}

// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
func (r *MemoryUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if u.Email == email {
			c := *u
			return &c, nil
		}
	}
	return nil, nil
}

// MemorySessionRepo はプロセス内メモリにセッションを保持するリポジトリ。
type MemorySessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	now      func() time.Time
}

// NewMemorySessionRepo はMemorySessionRepoを生成する。
func NewMemorySessionRepo() *MemorySessionRepo {
	return &MemorySessionRepo{sessions: make(map[string]*model.Session), now: time.Now}
}

// Create はセッションを作成する。
func (r *MemorySessionRepo) Create(ctx context.Context, session *model.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *session
	r.sessions[session.ID] = &stored
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *MemorySessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || !s.ExpiresAt.After(r.now()) {
		return nil, nil
	}
	c := *s
	return &c, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *MemorySessionRepo) DeleteByID(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

// DeleteExpired は期限切れのセッションを削除する。
func (r *MemorySessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.sessions {
		if !s.ExpiresAt.After(now) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

// compile-time interface check
var (
	_ EventRepository   = (*MemoryEventRepo)(nil)
	_ UserRepository    = (*MemoryUserRepo)(nil)
	_ SessionRepository = (*MemorySessionRepo)(nil)
)
