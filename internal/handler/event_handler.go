package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/eventman/internal/event"
	"github.com/hitoshi/eventman/internal/model"
)

// EventServiceInterface はイベントハンドラーが必要とするサービスインターフェース。
type EventServiceInterface interface {
	CreateEvent(ctx context.Context, in event.CreateInput, caller model.Identity) (*model.Event, error)
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	ListEvents(ctx context.Context, filter model.EventFilter) ([]*model.Event, error)
	UpdateEvent(ctx context.Context, id string, in event.UpdateInput, requesterID string) (*model.Event, error)
	DeleteEvent(ctx context.Context, id string, requesterID string) error
	FeedOfUpcoming(ctx context.Context, now time.Time) ([]byte, error)
}

// EventHandler はイベント管理のHTTPハンドラー。
type EventHandler struct {
	service EventServiceInterface
	now     func() time.Time
}

// NewEventHandler はEventHandlerを生成する。
func NewEventHandler(service EventServiceInterface) *EventHandler {
	return &EventHandler{service: service, now: time.Now}
}

// flexInt は数値と数値文字列の両方を受け付ける整数。
// HTMLフォームから送られる "50" のような値に対応する。
type flexInt int

// UnmarshalJSON はjson.Unmarshalerを実装する。
func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("capacity must be an integer: %q", s)
		}
		*f = flexInt(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

func (f *flexInt) intPtr() *int {
	if f == nil {
		return nil
	}
	n := int(*f)
	return &n
}

// eventRequest はイベント作成・更新リクエストのボディ。
// 更新時は指定されたフィールドのみ変更する。登録者リストは受け付けない。
type eventRequest struct {
	Title       *string  `json:"title"`
	Description *string  `json:"description"`
	Date        *string  `json:"date"`
	Location    *string  `json:"location"`
	Category    *string  `json:"category"`
	Capacity    *flexInt `json:"capacity"`
	ImageURL    *string  `json:"imageUrl"`
}

// eventResponse はイベント情報のAPIレスポンス。
type eventResponse struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Date            time.Time `json:"date"`
	Location        string    `json:"location"`
	Category        string    `json:"category"`
	Capacity        int       `json:"capacity"`
	OrganizerID     string    `json:"organizerId"`
	OrganizerName   string    `json:"organizerName"`
	RegisteredUsers []string  `json:"registeredUsers"`
	RegisteredCount int       `json:"registeredCount"`
	ImageURL        string    `json:"imageUrl"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// ListEvents はイベント一覧を返す。
// GET /api/events?search=&location=&category=&organizer=&upcoming=true
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.EventFilter{
		Query:       q.Get("search"),
		Location:    q.Get("location"),
		Category:    q.Get("category"),
		OrganizerID: q.Get("organizer"),
	}
	if v := q.Get("upcoming"); v != "" {
		upcoming, err := strconv.ParseBool(v)
		if err != nil {
			handleServiceError(w, model.NewValidationError("upcoming", "true または false を指定してください"))
			return
		}
		filter.UpcomingOnly = upcoming
	}

	events, err := h.service.ListEvents(r.Context(), filter)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]eventResponse, len(events))
	for i, ev := range events {
		resp[i] = toEventResponse(ev)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetEvent はイベント詳細を返す。
// GET /api/events/{id}
func (h *EventHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.service.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventResponse(ev))
}

// CreateEvent はイベントを作成する。主催者は呼び出し元になる。
// POST /api/events
func (h *EventHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrUnauthenticated(w, r)
	if !ok {
		return
	}

	var req eventRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	ev, err := h.service.CreateEvent(r.Context(), event.CreateInput{
		Title:       deref(req.Title),
		Description: deref(req.Description),
		Location:    deref(req.Location),
		Category:    deref(req.Category),
		Date:        deref(req.Date),
		Capacity:    req.Capacity.intPtr(),
		ImageURL:    deref(req.ImageURL),
	}, identity)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toEventResponse(ev))
}

// UpdateEvent はイベントを部分更新する。主催者のみ実行できる。
// PUT /api/events/{id}
func (h *EventHandler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrUnauthenticated(w, r)
	if !ok {
		return
	}

	var req eventRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	ev, err := h.service.UpdateEvent(r.Context(), chi.URLParam(r, "id"), event.UpdateInput{
		Title:       req.Title,
		Description: req.Description,
		Location:    req.Location,
		Category:    req.Category,
		Date:        req.Date,
		Capacity:    req.Capacity.intPtr(),
		ImageURL:    req.ImageURL,
	}, identity.UserID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toEventResponse(ev))
}

// DeleteEvent はイベントを削除する。主催者のみ実行できる。
// DELETE /api/events/{id}
func (h *EventHandler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrUnauthenticated(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteEvent(r.Context(), chi.URLParam(r, "id"), identity.UserID); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Feed は開催予定イベントのRSSフィードを返す。
// GET /api/events/feed.xml
func (h *EventHandler) Feed(w http.ResponseWriter, r *http.Request) {
	body, err := h.service.FeedOfUpcoming(r.Context(), h.now())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func toEventResponse(ev *model.Event) eventResponse {
	roster := ev.Roster
	if roster == nil {
		roster = []string{}
	}
	return eventResponse{
		ID:              ev.ID,
		Title:           ev.Title,
		Description:     ev.Description,
		Date:            ev.Date,
		Location:        ev.Location,
		Category:        ev.Category,
		Capacity:        ev.Capacity,
		OrganizerID:     ev.OrganizerID,
		OrganizerName:   ev.OrganizerName,
		RegisteredUsers: roster,
		RegisteredCount: ev.RegisteredCount(),
		ImageURL:        ev.ImageURL,
		CreatedAt:       ev.CreatedAt,
		UpdatedAt:       ev.UpdatedAt,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
