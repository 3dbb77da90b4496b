package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/eventman/internal/model"
)

const eventColumns = `e.id, e.title, e.description, e.location, e.category, e.date,
		        e.capacity, e.organizer_id, e.image_url, e.created_at, e.updated_at`

// PostgresEventRepo はPostgreSQLを使用したイベントリポジトリ。
// 登録は events 行の行ロック（SELECT ... FOR UPDATE）でイベント単位に直列化する。
type PostgresEventRepo struct {
	db *sql.DB
}

// NewPostgresEventRepo はPostgresEventRepoを生成する。
func NewPostgresEventRepo(db *sql.DB) *PostgresEventRepo {
	return &PostgresEventRepo{db: db}
}

// Create はイベントを作成する。
func (r *PostgresEventRepo) Create(ctx context.Context, event *model.Event) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO events (id, title, description, location, category, date,
		                     capacity, registered_count, organizer_id, image_url, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $11)`,
		event.ID, event.Title, event.Description, event.Location, event.Category, event.Date,
		event.Capacity, event.OrganizerID, event.ImageURL, event.CreatedAt, event.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("イベントの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDのイベントを取得する。見つからない場合はnilを返す。
func (r *PostgresEventRepo) FindByID(ctx context.Context, id string) (*model.Event, error) {
	if !isEventID(id) {
		return nil, nil
	}
	event := &model.Event{}
	err := r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events e WHERE e.id = $1`,
		id,
	).Scan(eventScanTargets(event)...)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("イベントの取得に失敗しました: %w", err)
	}

	if err := r.loadRosters(ctx, []*model.Event{event}); err != nil {
		return nil, err
	}
	return event, nil
}

// List は絞り込み条件に一致するイベントを返す。
// 並び順は開催日時の昇順、同時刻の場合は作成日時の昇順。
func (r *PostgresEventRepo) List(ctx context.Context, filter model.EventFilter) ([]*model.Event, error) {
	var (
		conds []string
		args  []any
	)
	addCond := func(format string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(format, len(args)))
	}

	if filter.Query != "" {
		addCond("strpos(lower(e.title), lower($%d)) > 0", filter.Query)
	}
	if filter.Location != "" {
		addCond("strpos(lower(e.location), lower($%d)) > 0", filter.Location)
	}
	if filter.Category != "" {
		addCond("lower(e.category) = lower($%d)", filter.Category)
	}
	if filter.OrganizerID != "" {
		addCond("e.organizer_id::text = $%d", filter.OrganizerID)
	}
	if filter.UpcomingOnly {
		addCond("e.date >= $%d", filter.Now)
	}

	query := `SELECT ` + eventColumns + ` FROM events e`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY e.date ASC, e.created_at ASC`

	return r.queryEvents(ctx, query, args...)
}

// Update はイベントの可変フィールドのみを更新する。
// registered_count、capacity、organizer_id、登録者リストには触れない。
func (r *PostgresEventRepo) Update(ctx context.Context, event *model.Event) error {
	if !isEventID(event.ID) {
		return fmt.Errorf("%w: %s", ErrEventNotFound, event.ID)
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE events
		 SET title = $2, description = $3, location = $4, category = $5,
		     date = $6, image_url = $7, updated_at = $8
		 WHERE id = $1`,
		event.ID, event.Title, event.Description, event.Location, event.Category,
		event.Date, event.ImageURL, event.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("イベントの更新に失敗しました: %w", err)
	}
	return requireAffected(result, event.ID)
}

// Delete はイベントを削除する。event_registrationsはCASCADE削除される。
func (r *PostgresEventRepo) Delete(ctx context.Context, id string) error {
	if !isEventID(id) {
		return fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	result, err := r.db.ExecContext(ctx, `DELETE FROM events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("イベントの削除に失敗しました: %w", err)
	}
	return requireAffected(result, id)
}

// AppendRegistrant は単一トランザクション内で登録を追加する。
// イベント行をFOR UPDATEでロックし、重複確認、定員確認、追加、件数更新の順に行う。
// 途中で失敗した場合はロールバックされ、部分的な適用は残らない。
func (r *PostgresEventRepo) AppendRegistrant(ctx context.Context, eventID, userID string) (int, error) {
	if !isEventID(eventID) {
		return 0, ErrEventNotFound
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var capacity, count int
	err = tx.QueryRowContext(ctx,
		`SELECT capacity, registered_count
		 FROM events
		 WHERE id = $1
		 FOR UPDATE`,
		eventID,
	).Scan(&capacity, &count)
	if err == sql.ErrNoRows {
		return 0, ErrEventNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock event row: %w", err)
	}

	var exists bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM event_registrations WHERE event_id = $1 AND user_id = $2)`,
		eventID, userID,
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to check duplicate registration: %w", err)
	}
	if exists {
		return 0, ErrAlreadyRegistered
	}

	if count >= capacity {
		return 0, ErrEventFull
	}

	newCount := count + 1
	_, err = tx.ExecContext(ctx,
		`INSERT INTO event_registrations (event_id, user_id, position, registered_at)
		 VALUES ($1, $2, $3, now())`,
		eventID, userID, newCount,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrAlreadyRegistered
		}
		return 0, fmt.Errorf("failed to insert registration: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE events SET registered_count = $2 WHERE id = $1`,
		eventID, newCount,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to increment registered_count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return newCount, nil
}

// ListUpcomingByRegistrant はユーザーが登録済みの開催予定イベントを開催日時の昇順で返す。
func (r *PostgresEventRepo) ListUpcomingByRegistrant(ctx context.Context, userID string, now time.Time) ([]*model.Event, error) {
	return r.queryEvents(ctx,
		`SELECT `+eventColumns+`
		 FROM events e
		 JOIN event_registrations er ON er.event_id = e.id
		 WHERE er.user_id = $1 AND e.date >= $2
		 ORDER BY e.date ASC, e.created_at ASC`,
		userID, now,
	)
}

func (r *PostgresEventRepo) queryEvents(ctx context.Context, query string, args ...any) ([]*model.Event, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("イベント一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		event := &model.Event{}
		if err := rows.Scan(eventScanTargets(event)...); err != nil {
			return nil, fmt.Errorf("イベントのスキャンに失敗しました: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("イベント一覧の走査に失敗しました: %w", err)
	}

	if err := r.loadRosters(ctx, events); err != nil {
		return nil, err
	}
	return events, nil
}

// loadRosters は各イベントの登録者リストを登録順に読み込む。
func (r *PostgresEventRepo) loadRosters(ctx context.Context, events []*model.Event) error {
	if len(events) == 0 {
		return nil
	}

	byID := make(map[string]*model.Event, len(events))
	ids := make([]string, 0, len(events))
	for _, e := range events {
		e.Roster = []string{}
		byID[e.ID] = e
		ids = append(ids, e.ID)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT event_id, user_id
		 FROM event_registrations
		 WHERE event_id::text = ANY($1)
		 ORDER BY event_id, position ASC`,
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("登録者リストの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var eventID, userID string
		if err := rows.Scan(&eventID, &userID); err != nil {
			return fmt.Errorf("登録者のスキャンに失敗しました: %w", err)
		}
		if e, ok := byID[eventID]; ok {
			e.Roster = append(e.Roster, userID)
		}
	}
	return rows.Err()
}

func eventScanTargets(e *model.Event) []any {
	return []any{
		&e.ID, &e.Title, &e.Description, &e.Location, &e.Category, &e.Date,
		&e.Capacity, &e.OrganizerID, &e.ImageURL, &e.CreatedAt, &e.UpdatedAt,
	}
}

// isEventID はidがevents.id(UUID型)として解釈できるかを返す。
// 解釈できないIDはDBに問い合わせず、存在しないイベントとして扱う。
func isEventID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func requireAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	return nil
}

// compile-time interface check
var _ EventRepository = (*PostgresEventRepo)(nil)
