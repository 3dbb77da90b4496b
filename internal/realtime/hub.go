// Package realtime は登録者数の変更を接続中の全クライアントへ配信する。
package realtime

import (
	"context"
	"sync"

	"github.com/hitoshi/eventman/internal/model"
)

// DefaultSubscriberBuffer は購読者ごとの送信バッファの既定サイズ。
const DefaultSubscriberBuffer = 16

// Publisher は登録者数の変更を配信するインターフェース。
// 配信は最大1回（at-most-once）で、失敗しても登録結果には影響しない。
type Publisher interface {
	Publish(ctx context.Context, change model.RosterChange) error
}

// HubObserver は配信結果を観測する。メトリクス収集に使用する。
type HubObserver interface {
	// ObserveBroadcast は1回の配信で送信できた購読者数と、バッファ満杯で破棄した購読者数を受け取る。
	ObserveBroadcast(delivered, dropped int)
	// ObserveStale は古い登録者数のため配信しなかったことを通知する。
	ObserveStale()
	// SetSubscribers は現在の購読者数を受け取る。
	SetSubscribers(n int)
}

// Hub はプロセス全体の購読者レジストリ。
// 配信はロックを保持したまま各購読者のバッファへ非ブロッキングで投入するため、
// 同一イベントの変更は全ての購読者に同じ順序で届く。
// さらにイベントごとに配信済みの最大登録者数を保持し、それ以下の変更は破棄する。
type Hub struct {
	mu        sync.Mutex
	subs      map[*Subscription]struct{}
	lastCount map[string]int
	buffer    int
	observer  HubObserver
}

// NewHub はHubを生成する。bufferが0以下の場合はDefaultSubscriberBufferを使用する。
// observerはnilでもよい。
func NewHub(buffer int, observer HubObserver) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{
		subs:      make(map[*Subscription]struct{}),
		lastCount: make(map[string]int),
		buffer:    buffer,
		observer:  observer,
	}
}

// Subscription は1クライアント分の購読。Cから変更を受信する。
type Subscription struct {
	C <-chan model.RosterChange

	ch   chan model.RosterChange
	hub  *Hub
	once sync.Once
}

// Close は購読を解除しCを閉じる。複数回呼んでも安全。
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s)
	})
}

// Subscribe は新しい購読を登録する。過去の変更は配信されない。
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan model.RosterChange, h.buffer)
	sub := &Subscription{C: ch, ch: ch, hub: h}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.setSubscribersLocked()
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs, sub)
	close(sub.ch)
	h.setSubscribersLocked()
	h.mu.Unlock()
}

// setSubscribersLocked は現在の購読者数をobserverへ通知する。h.muを保持して呼ぶこと。
func (h *Hub) setSubscribersLocked() {
	if h.observer != nil {
		h.observer.SetSubscribers(len(h.subs))
	}
}

// Publish は変更を全購読者のバッファへ投入する。
// バッファが満杯の購読者にはその変更を破棄する（再送しない）。
// 同一イベントについて配信済みの登録者数以下の変更は古いものとして破棄する。
func (h *Hub) Publish(ctx context.Context, change model.RosterChange) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	if last, ok := h.lastCount[change.EventID]; ok && change.Count <= last {
		h.mu.Unlock()
		if h.observer != nil {
			h.observer.ObserveStale()
		}
		return nil
	}
	h.lastCount[change.EventID] = change.Count

	delivered, dropped := 0, 0
	for sub := range h.subs {
		select {
		case sub.ch <- change:
			delivered++
		default:
			dropped++
		}
	}
	h.mu.Unlock()

	if h.observer != nil {
		h.observer.ObserveBroadcast(delivered, dropped)
	}
	return nil
}

// Forget はイベントの配信済み登録者数を破棄する。イベント削除時に呼ぶ。
func (h *Hub) Forget(eventID string) {
	h.mu.Lock()
	delete(h.lastCount, eventID)
	h.mu.Unlock()
}

// SubscriberCount は現在の購読者数を返す。
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

var _ Publisher = (*Hub)(nil)
