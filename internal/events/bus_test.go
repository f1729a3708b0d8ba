package events

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nugget/roundtable/internal/metrics"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertEmpty(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %+v", e)
	default:
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Kind: KindIdle})
	b.Emit(SourceScheduler, KindIdle, nil)
	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}
}

func TestEmit_FansOutToAllSubscribers(t *testing.T) {
	b := New()
	a := b.Subscribe(4)
	c := b.Subscribe(4)
	defer b.Unsubscribe(a)
	defer b.Unsubscribe(c)

	before := time.Now()
	b.Emit(SourceScheduler, KindTaskQueued, map[string]any{"task_id": "t1"})

	for _, ch := range []<-chan Event{a, c} {
		e := recv(t, ch)
		if e.Source != SourceScheduler || e.Kind != KindTaskQueued || e.Data["task_id"] != "t1" {
			t.Errorf("event = %+v", e)
		}
		if e.Timestamp.Before(before) {
			t.Errorf("timestamp %v before emit", e.Timestamp)
		}
	}
}

func TestSubscribe_Filters(t *testing.T) {
	b := New()
	kitchen := b.Subscribe(8, ForConversation("kitchen"))
	memOnly := b.Subscribe(8, OfSource(SourceMemory))
	both := b.Subscribe(8, ForConversation("den"), OfSource(SourceAgent, SourceMemory))
	all := b.Subscribe(8, ForConversation(""))
	defer func() {
		for _, ch := range []<-chan Event{kitchen, memOnly, both, all} {
			b.Unsubscribe(ch)
		}
	}()

	b.Emit(SourceScheduler, KindTaskStarted, map[string]any{"conversation_id": "kitchen"})
	b.Emit(SourceMemory, KindCompressionStart, map[string]any{"conversation_id": "den"})
	b.Emit(SourceAgent, KindLLMCall, map[string]any{"conversation_id": "den"})
	b.Emit(SourceScheduler, KindIdle, nil)

	if e := recv(t, kitchen); e.Kind != KindTaskStarted {
		t.Errorf("kitchen got %q", e.Kind)
	}
	assertEmpty(t, kitchen)

	if e := recv(t, memOnly); e.Kind != KindCompressionStart {
		t.Errorf("memory got %q", e.Kind)
	}
	assertEmpty(t, memOnly)

	if e := recv(t, both); e.Kind != KindCompressionStart {
		t.Errorf("both[0] got %q", e.Kind)
	}
	if e := recv(t, both); e.Kind != KindLLMCall {
		t.Errorf("both[1] got %q", e.Kind)
	}
	assertEmpty(t, both)

	if len(all) != 4 {
		t.Errorf("unfiltered subscriber buffered %d events, want 4", len(all))
	}
}

func TestPublish_DropsWhenFull(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	before := testutil.ToFloat64(metrics.EventsDropped)
	b.Emit(SourceSession, KindMessageAppended, nil)
	b.Emit(SourceSession, KindMessageAppended, nil)
	b.Emit(SourceSession, KindMessageAppended, nil)

	if got := testutil.ToFloat64(metrics.EventsDropped) - before; got != 2 {
		t.Errorf("dropped = %v, want 2", got)
	}
	recv(t, ch)
	assertEmpty(t, ch)
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	other := b.Subscribe(1)
	if n := b.SubscriberCount(); n != 2 {
		t.Fatalf("SubscriberCount = %d, want 2", n)
	}

	b.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	b.Unsubscribe(ch)
	if n := b.SubscriberCount(); n != 1 {
		t.Errorf("SubscriberCount = %d, want 1", n)
	}

	b.Emit(SourceAgent, KindToolCall, nil)
	recv(t, other)
	b.Unsubscribe(other)
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := b.Subscribe(16, ForConversation("c"))
			for j := 0; j < 50; j++ {
				b.Emit(SourceScheduler, KindTaskQueued, map[string]any{"conversation_id": "c"})
			}
			b.Unsubscribe(ch)
		}()
	}
	wg.Wait()

	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount = %d after all unsubscribed, want 0", n)
	}
}
