package rooms

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	first := b.Subscribe(ctx)
	second := b.Subscribe(context.Background())

	b.Publish(StatusEvent{Chambre: Chambre{ID: 7, Status: StatusOccupee}})
	for _, ch := range []<-chan StatusEvent{first, second} {
		select {
		case ev := <-ch:
			if ev.Chambre.ID != 7 {
				t.Fatalf("unexpected event %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	cancel()
	select {
	case _, ok := <-first:
		if ok {
			t.Fatal("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	if n := b.Subscribers(); n != 1 {
		t.Fatalf("expected 1 subscriber left, got %d", n)
	}
}

func TestBrokerNeverBlocks(t *testing.T) {
	b := NewBroker()
	_ = b.Subscribe(context.Background())
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(StatusEvent{})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestStatusChangesAreStreamed(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.handler)
	defer srv.Close()

	tok, _, err := e.tokens.IssueInternal(3, "nurses", 15*time.Second)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/chambres/events", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	for e.rooms.Events().Subscribers() == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("stream never subscribed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	id := e.cardio.ID + 1
	rec := e.do(t, http.MethodPut, "/api/chambres/"+strconv.FormatInt(id, 10), `{"status":"occupee"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("put: %d", rec.Code)
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev StatusEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Chambre.ID != id || ev.Chambre.Status != StatusOccupee {
			t.Fatalf("unexpected event %+v", ev)
		}
		return
	}
	t.Fatalf("stream ended without an event: %v", sc.Err())
}

func TestEventsRequireToken(t *testing.T) {
	e := newTestEnv(t)
	if rec := e.do(t, http.MethodGet, "/api/chambres/events", "", false); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
