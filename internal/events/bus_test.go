package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestPublishFiltersByTopic(t *testing.T) {
	bus := NewBus()
	id, ch := bus.Subscribe(TopicStepAppended)
	defer bus.Unsubscribe(id)

	bus.Publish(TopicScreenshot, map[string]int{"w": 1})
	bus.Publish(TopicStepAppended, map[string]string{"id": "s1"})

	select {
	case evt := <-ch:
		if evt.Topic != TopicStepAppended {
			t.Fatalf("received topic = %q; want %q", evt.Topic, TopicStepAppended)
		}
		var got map[string]string
		if err := json.Unmarshal(evt.Data, &got); err != nil || got["id"] != "s1" {
			t.Fatalf("payload = %s (%v); want id s1", evt.Data, err)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	select {
	case evt := <-ch:
		t.Fatalf("unexpected extra event %q", evt.Topic)
	default:
	}
}

func TestPublishDoesNotBlockOnSlowConsumer(t *testing.T) {
	bus := NewBus()
	id, _ := bus.Subscribe()
	defer bus.Unsubscribe(id)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufSize+10; i++ {
			bus.Publish(TopicLiveState, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if got := bus.Dropped(); got != 10 {
		t.Fatalf("Dropped() = %d; want 10", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	id, ch := bus.Subscribe()
	bus.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after Unsubscribe")
	}
	if got := bus.ClientCount(); got != 0 {
		t.Fatalf("ClientCount() = %d; want 0", got)
	}
}

func TestSSEHandlerStreamsSelectedTopics(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/events?topics=tab.opened", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		SSEHandler(bus)(rec, req)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for bus.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	bus.Publish(TopicScreenshot, "skip")
	bus.Publish(TopicTabOpened, map[string]string{"tab_id": "t2"})
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	if !strings.Contains(body, "event: tab.opened\ndata: {\"tab_id\":\"t2\"}") {
		t.Fatalf("SSE body = %q; want tab.opened event", body)
	}
	if strings.Contains(body, "screenshot.updated") {
		t.Fatalf("SSE body = %q; want screenshot filtered out", body)
	}
}
