package cleanup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/eventman/internal/model"
	"github.com/hitoshi/eventman/internal/repository"
)

// mockDeleter はDeleteExpiredの呼び出しを記録するモック。
type mockDeleter struct {
	mu      sync.Mutex
	calls   int
	lastNow time.Time
	deleted int64
	err     error
}

func (m *mockDeleter) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastNow = now
	return m.deleted, m.err
}

func (m *mockDeleter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockRecorder struct {
	total int64
	calls int
}

func (m *mockRecorder) RecordSessionsCleaned(count int64) {
	m.total += count
	m.calls++
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestSessionCleanupJob_Run_DeletesWithCurrentTime(t *testing.T) {
	var buf bytes.Buffer
	deleter := &mockDeleter{deleted: 3}
	rec := &mockRecorder{}
	job := NewSessionCleanupJob(deleter, rec, newTestLogger(&buf))
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return fixed }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !deleter.lastNow.Equal(fixed) {
		t.Errorf("now = %v, want %v", deleter.lastNow, fixed)
	}
	if rec.total != 3 || rec.calls != 1 {
		t.Errorf("recorder total=%d calls=%d, want 3/1", rec.total, rec.calls)
	}
}

func TestSessionCleanupJob_Run_LogsDeletedCount(t *testing.T) {
	var buf bytes.Buffer
	job := NewSessionCleanupJob(&mockDeleter{deleted: 7}, nil, newTestLogger(&buf))

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("ログ出力がJSONではない: %v\n%s", err, buf.String())
	}
	if entry["deleted_count"] != float64(7) {
		t.Errorf("deleted_count = %v, want 7", entry["deleted_count"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("duration_ms がログに含まれていない")
	}
}

func TestSessionCleanupJob_Run_ReturnsErrorOnStoreFailure(t *testing.T) {
	var buf bytes.Buffer
	rec := &mockRecorder{}
	job := NewSessionCleanupJob(&mockDeleter{err: errors.New("connection refused")}, rec, newTestLogger(&buf))

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("ストア障害時はエラーを返すべき")
	}
	if !strings.Contains(buf.String(), "connection refused") {
		t.Errorf("エラー内容がログに出力されていない: %s", buf.String())
	}
	if rec.calls != 0 {
		t.Error("失敗時は削除件数を記録しないべき")
	}
}

func TestSessionCleanupJob_Run_Idempotent_ZeroRows(t *testing.T) {
	var buf bytes.Buffer
	job := NewSessionCleanupJob(&mockDeleter{deleted: 0}, nil, newTestLogger(&buf))

	for i := 0; i < 3; i++ {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("run %d: unexpected error: %v", i, err)
		}
	}
}

func TestSessionCleanupJob_Start_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	deleter := &mockDeleter{}
	job := NewSessionCleanupJob(deleter, nil, newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, time.Hour)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for deleter.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if deleter.callCount() == 0 {
		t.Fatal("起動直後に1回実行されるべき")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("コンテキストのキャンセルで停止しなかった")
	}
}

func TestSessionCleanupJob_WithMemoryStore(t *testing.T) {
	ctx := context.Background()
	sessions := repository.NewMemorySessionRepo()
	now := time.Now()

	for _, s := range []*model.Session{
		{ID: "expired", UserID: "u1", ExpiresAt: now.Add(-time.Minute), CreatedAt: now.Add(-time.Hour)},
		{ID: "active", UserID: "u1", ExpiresAt: now.Add(time.Hour), CreatedAt: now},
	} {
		if err := sessions.Create(ctx, s); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	var buf bytes.Buffer
	rec := &mockRecorder{}
	job := NewSessionCleanupJob(sessions, rec, newTestLogger(&buf))
	job.now = func() time.Time { return now }

	if err := job.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.total != 1 {
		t.Errorf("deleted = %d, want 1", rec.total)
	}

	got, err := sessions.FindByID(ctx, "active")
	if err != nil || got == nil {
		t.Errorf("有効なセッションが削除された: %v", err)
	}
}
