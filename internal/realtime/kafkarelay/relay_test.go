package kafkarelay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/hitoshi/eventman/internal/model"
	"github.com/hitoshi/eventman/internal/realtime"
)

// --- モック定義 ---

type mockWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, msgs...)
	return nil
}

func (m *mockWriter) Close() error { return nil }

type mockReader struct {
	messages chan kafka.Message
}

func (m *mockReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case msg := <-m.messages:
		return msg, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (m *mockReader) Close() error { return nil }

// --- テスト ---

func TestPublisher_KeysByEventID(t *testing.T) {
	w := &mockWriter{}
	p := &Publisher{writer: w}

	if err := p.Publish(context.Background(), model.RosterChange{EventID: "e1", Count: 4}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if len(w.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(w.messages))
	}
	msg := w.messages[0]
	if string(msg.Key) != "e1" {
		t.Errorf("key = %q, want e1", msg.Key)
	}
	var got model.RosterChange
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.EventID != "e1" || got.Count != 4 {
		t.Errorf("value = %+v", got)
	}
}

func TestPublisher_WriteError(t *testing.T) {
	p := &Publisher{writer: &mockWriter{err: errors.New("broker down")}}
	if err := p.Publish(context.Background(), model.RosterChange{EventID: "e1", Count: 1}); err == nil {
		t.Fatal("expected error")
	}
}

func TestConsumer_FeedsHub(t *testing.T) {
	hub := realtime.NewHub(4, nil)
	sub := hub.Subscribe()
	defer sub.Close()

	reader := &mockReader{messages: make(chan kafka.Message, 3)}
	c := &Consumer{reader: reader, target: hub}

	reader.messages <- kafka.Message{Key: []byte("e1"), Value: []byte("not json")}
	reader.messages <- kafka.Message{Key: []byte("e1"), Value: []byte(`{"eventId":"e1","count":2}`)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case got := <-sub.C:
		if got.EventID != "e1" || got.Count != 2 {
			t.Errorf("received %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Hubへ配信されなかった")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセル後にRunが終了しない")
	}
}

func TestRetryDelay_ExponentialWithCap(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := retryDelay(tt.failures); got != tt.want {
			t.Errorf("retryDelay(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}
