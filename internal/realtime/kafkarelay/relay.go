// Package kafkarelay は複数インスタンス間で登録者数の変更を中継する。
// 各インスタンスはKafkaへ変更を書き込み、トピックを読み取ってローカルのHubへ配信する。
package kafkarelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/hitoshi/eventman/internal/model"
	"github.com/hitoshi/eventman/internal/realtime"
)

// messageWriter はkafka.Writerのうち使用するメソッドを抽象化する。
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// messageReader はkafka.Readerのうち使用するメソッドを抽象化する。
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Publisher は登録者数の変更をKafkaトピックへ書き込む。
// イベントIDをキーとしてハッシュ分割するため、同一イベントの変更は同じパーティションに順序通り格納される。
type Publisher struct {
	writer messageWriter
}

// NewPublisher はPublisherを生成する。書き込みは非同期で、失敗はログにのみ記録する。
func NewPublisher(brokers []string, topic string) *Publisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		Async:                  true,
		BatchTimeout:           10 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				slog.Warn("roster change relay write failed",
					slog.Int("messages", len(messages)),
					slog.String("error", err.Error()),
				)
			}
		},
	}
	return &Publisher{writer: w}
}

// Publish は変更をKafkaへ書き込む。
func (p *Publisher) Publish(ctx context.Context, change model.RosterChange) error {
	value, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to encode roster change: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(change.EventID),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write roster change: %w", err)
	}
	return nil
}

// Close は未送信のメッセージを書き出してから接続を閉じる。
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Consumer はKafkaトピックを読み取り、ローカルのPublisher（通常はHub）へ配信する。
type Consumer struct {
	reader messageReader
	target realtime.Publisher
}

// NewConsumer はConsumerを生成する。
// インスタンスごとに固有のコンシューマーグループを使用し、全インスタンスが全ての変更を受信する。
// 接続前の履歴は配信しないため、最新のオフセットから読み始める。
func NewConsumer(brokers []string, topic string, target realtime.Publisher) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     "eventman-" + uuid.New().String(),
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    1e6,
		MaxWait:     500 * time.Millisecond,
	})
	return &Consumer{reader: r, target: target}
}

const (
	// initialRetryDelay は読み取り失敗後の初回待機時間。
	initialRetryDelay = time.Second
	// maxRetryDelay は読み取り失敗後の待機時間の上限。
	maxRetryDelay = 30 * time.Second
)

// retryDelay は連続失敗回数に基づいて指数バックオフの待機時間を計算する。
// 初回1秒、2倍ずつ増加、最大30秒。
func retryDelay(consecutiveErrors int) time.Duration {
	delay := initialRetryDelay
	for i := 1; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

// Run はctxがキャンセルされるまでメッセージを読み取り続ける。
// 読み取りに失敗した場合は指数バックオフで再試行する。
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("roster change relay consumer started")
	failures := 0
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				slog.Info("roster change relay consumer stopped")
				return nil
			}
			failures++
			delay := retryDelay(failures)
			slog.Error("roster change relay read failed",
				slog.String("error", err.Error()),
				slog.Int("consecutive_errors", failures),
				slog.Duration("retry_in", delay),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		failures = 0
		c.handle(ctx, msg)
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	var change model.RosterChange
	if err := json.Unmarshal(msg.Value, &change); err != nil {
		slog.Warn("invalid roster change message",
			slog.String("key", string(msg.Key)),
			slog.String("error", err.Error()),
		)
		return
	}
	if change.EventID == "" {
		change.EventID = string(msg.Key)
	}
	if err := c.target.Publish(ctx, change); err != nil {
		slog.Warn("local broadcast failed", slog.String("error", err.Error()))
	}
}

// Close は読み取りを終了する。
func (c *Consumer) Close() error {
	return c.reader.Close()
}

var _ realtime.Publisher = (*Publisher)(nil)
