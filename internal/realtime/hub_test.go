package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/eventman/internal/model"
)

type recordingObserver struct {
	mu          sync.Mutex
	delivered   int
	dropped     int
	stale       int
	subscribers int
}

func (o *recordingObserver) ObserveBroadcast(delivered, dropped int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delivered += delivered
	o.dropped += dropped
}

func (o *recordingObserver) ObserveStale() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stale++
}

func (o *recordingObserver) SetSubscribers(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subscribers = n
}

func receive(t *testing.T, sub *Subscription) model.RosterChange {
	t.Helper()
	select {
	case c := <-sub.C:
		return c
	case <-time.After(time.Second):
		t.Fatal("変更を受信できなかった")
		return model.RosterChange{}
	}
}

func TestHub_PublishToAllSubscribers(t *testing.T) {
	obs := &recordingObserver{}
	hub := NewHub(4, obs)
	a := hub.Subscribe()
	b := hub.Subscribe()
	defer a.Close()
	defer b.Close()

	if hub.SubscriberCount() != 2 || obs.subscribers != 2 {
		t.Fatalf("subscribers = %d (observer %d), want 2", hub.SubscriberCount(), obs.subscribers)
	}

	change := model.RosterChange{EventID: "e1", Count: 1}
	if err := hub.Publish(context.Background(), change); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if got := receive(t, a); got != change {
		t.Errorf("a received %+v", got)
	}
	if got := receive(t, b); got != change {
		t.Errorf("b received %+v", got)
	}
	if obs.delivered != 2 {
		t.Errorf("delivered = %d, want 2", obs.delivered)
	}
}

func TestHub_NoHistoryForNewSubscribers(t *testing.T) {
	hub := NewHub(4, nil)
	_ = hub.Publish(context.Background(), model.RosterChange{EventID: "e1", Count: 1})

	sub := hub.Subscribe()
	defer sub.Close()
	select {
	case c := <-sub.C:
		t.Errorf("接続前の変更を受信した: %+v", c)
	default:
	}
}

func TestHub_FullBufferDropsWithoutBlocking(t *testing.T) {
	obs := &recordingObserver{}
	hub := NewHub(1, obs)
	slow := hub.Subscribe()
	fast := hub.Subscribe()
	defer slow.Close()
	defer fast.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Publish(context.Background(), model.RosterChange{EventID: "e1", Count: 1})
		<-fast.C
		_ = hub.Publish(context.Background(), model.RosterChange{EventID: "e1", Count: 2})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("満杯の購読者によってPublishがブロックされた")
	}

	if got := receive(t, slow); got.Count != 1 {
		t.Errorf("slow received %+v, want count 1", got)
	}
	select {
	case c := <-slow.C:
		t.Errorf("破棄されるべき変更を受信した: %+v", c)
	default:
	}
	if got := receive(t, fast); got.Count != 2 {
		t.Errorf("fast received %+v, want count 2", got)
	}
	if obs.dropped != 1 {
		t.Errorf("dropped = %d, want 1", obs.dropped)
	}
}

func TestHub_DropsStaleCounts(t *testing.T) {
	obs := &recordingObserver{}
	hub := NewHub(8, obs)
	sub := hub.Subscribe()
	defer sub.Close()
	ctx := context.Background()

	_ = hub.Publish(ctx, model.RosterChange{EventID: "e1", Count: 2})
	_ = hub.Publish(ctx, model.RosterChange{EventID: "e1", Count: 1})
	_ = hub.Publish(ctx, model.RosterChange{EventID: "e1", Count: 2})
	_ = hub.Publish(ctx, model.RosterChange{EventID: "e2", Count: 1})
	_ = hub.Publish(ctx, model.RosterChange{EventID: "e1", Count: 3})

	want := []model.RosterChange{
		{EventID: "e1", Count: 2},
		{EventID: "e2", Count: 1},
		{EventID: "e1", Count: 3},
	}
	for _, w := range want {
		if got := receive(t, sub); got != w {
			t.Errorf("received %+v, want %+v", got, w)
		}
	}
	if obs.stale != 2 {
		t.Errorf("stale = %d, want 2", obs.stale)
	}
}

func TestHub_Forget(t *testing.T) {
	hub := NewHub(4, nil)
	sub := hub.Subscribe()
	defer sub.Close()
	ctx := context.Background()

	_ = hub.Publish(ctx, model.RosterChange{EventID: "e1", Count: 5})
	receive(t, sub)
	hub.Forget("e1")
	_ = hub.Publish(ctx, model.RosterChange{EventID: "e1", Count: 1})

	if got := receive(t, sub); got.Count != 1 {
		t.Errorf("Forget後は再び配信される: got %+v", got)
	}
}

// TestHub_PerEventOrdering は並行に配信しても、各購読者が同一イベントの登録者数を単調増加で受信することを検証する。
func TestHub_PerEventOrdering(t *testing.T) {
	const publishes = 200
	hub := NewHub(publishes, nil)
	subs := []*Subscription{hub.Subscribe(), hub.Subscribe(), hub.Subscribe()}

	var wg sync.WaitGroup
	for i := 1; i <= publishes; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = hub.Publish(context.Background(), model.RosterChange{EventID: "e1", Count: n})
		}(i)
	}
	wg.Wait()

	var sequences [][]int
	for _, sub := range subs {
		sub.Close()
		var seq []int
		for c := range sub.C {
			seq = append(seq, c.Count)
		}
		for i := 1; i < len(seq); i++ {
			if seq[i] <= seq[i-1] {
				t.Fatalf("順序が逆転した: %v", seq)
			}
		}
		sequences = append(sequences, seq)
	}

	for i := 1; i < len(sequences); i++ {
		if len(sequences[i]) != len(sequences[0]) {
			t.Fatalf("購読者間で受信内容が異なる: %d vs %d", len(sequences[i]), len(sequences[0]))
		}
		for j := range sequences[i] {
			if sequences[i][j] != sequences[0][j] {
				t.Fatalf("購読者間で順序が異なる: %v vs %v", sequences[i], sequences[0])
			}
		}
	}
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	obs := &recordingObserver{}
	hub := NewHub(1, obs)
	sub := hub.Subscribe()

	sub.Close()
	sub.Close()

	if hub.SubscriberCount() != 0 || obs.subscribers != 0 {
		t.Errorf("subscribers = %d, want 0", hub.SubscriberCount())
	}
	if _, ok := <-sub.C; ok {
		t.Error("Close後のチャネルは閉じられているべき")
	}
	if err := hub.Publish(context.Background(), model.RosterChange{EventID: "e1", Count: 1}); err != nil {
		t.Errorf("購読者なしのPublishはエラーにならない: %v", err)
	}
}

func TestHub_PublishCancelledContext(t *testing.T) {
	hub := NewHub(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := hub.Publish(ctx, model.RosterChange{EventID: "e1", Count: 1}); err == nil {
		t.Error("キャンセル済みコンテキストではエラーを返す")
	}
}

// lockCheckingObserver はSetSubscribersの呼び出し時にHubのロックが保持されているかを記録する。
type lockCheckingObserver struct {
	recordingObserver
	hub      *Hub
	unlocked int
}

func (o *lockCheckingObserver) SetSubscribers(n int) {
	if o.hub.mu.TryLock() {
		o.hub.mu.Unlock()
		o.unlocked++
	}
	o.recordingObserver.SetSubscribers(n)
}

func TestHub_SetSubscribersCalledUnderLock(t *testing.T) {
	obs := &lockCheckingObserver{}
	hub := NewHub(1, obs)
	obs.hub = hub

	sub := hub.Subscribe()
	sub.Close()

	if obs.unlocked != 0 {
		t.Errorf("ロックを保持せずにSetSubscribersが%d回呼ばれた", obs.unlocked)
	}
}

func TestHub_SubscriberGaugeMatchesAfterConcurrentChurn(t *testing.T) {
	obs := &recordingObserver{}
	hub := NewHub(1, obs)

	const workers, rounds = 16, 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				hub.Subscribe().Close()
			}
		}()
	}
	wg.Wait()

	kept := []*Subscription{hub.Subscribe(), hub.Subscribe()}
	obs.mu.Lock()
	got := obs.subscribers
	obs.mu.Unlock()
	if got != hub.SubscriberCount() || got != len(kept) {
		t.Errorf("gauge = %d, SubscriberCount = %d, want %d", got, hub.SubscriberCount(), len(kept))
	}

	for _, s := range kept {
		s.Close()
	}
	if obs.subscribers != 0 {
		t.Errorf("全解除後のgauge = %d, want 0", obs.subscribers)
	}
}
