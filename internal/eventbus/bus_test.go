package eventbus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forgerun/forge/internal/heal"
)

func dialBus(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestHelloSentOnConnect(t *testing.T) {
	b := New(nil)
	srv := httptest.NewServer(http.HandlerFunc(b.ServeHTTP))
	defer srv.Close()

	b.RegisterSkillStart("s1", "start_work", 3)

	conn := dialBus(t, srv)
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read hello: %v", err)
	}
	var hello HelloPayload
	if err := json.Unmarshal(data, &hello); err != nil {
		t.Fatalf("unmarshal hello: %v", err)
	}
	if hello.Type != EventHello {
		t.Fatalf("expected hello type, got %q", hello.Type)
	}
	if len(hello.RunningSkills) != 1 || hello.RunningSkills[0].ID != "s1" {
		t.Fatalf("expected running skill replay, got %+v", hello.RunningSkills)
	}
}

func TestPublishFansOutToAllClients(t *testing.T) {
	b := New(nil)
	srv := httptest.NewServer(http.HandlerFunc(b.ServeHTTP))
	defer srv.Close()

	c1 := dialBus(t, srv)
	defer c1.Close()
	c2 := dialBus(t, srv)
	defer c2.Close()

	// Drain hello frames.
	c1.ReadMessage()
	c2.ReadMessage()

	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	b.Publish(Event{Type: EventSkillStarted, SkillID: "s1", SkillName: "start_work"})

	for _, c := range []*websocket.Conn{c1, c2} {
		_, data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read broadcast: %v", err)
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if ev.Type != EventSkillStarted || ev.SkillID != "s1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	}
}

func TestRequestConfirmationResolvesFromClientResponse(t *testing.T) {
	b := New(nil)
	srv := httptest.NewServer(http.HandlerFunc(b.ServeHTTP))
	defer srv.Close()

	conn := dialBus(t, srv)
	defer conn.Close()
	conn.ReadMessage() // hello

	resultCh := make(chan string, 1)
	go func() {
		resp, err := b.RequestConfirmation(context.Background(), "s1", "proceed?", []string{"yes", "no"}, "no", "", 5*time.Second)
		if err != nil {
			t.Errorf("RequestConfirmation: %v", err)
			return
		}
		resultCh <- resp
	}()

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read confirmation_required: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != EventConfirmationRequired {
		t.Fatalf("expected confirmation_required, got %q", ev.Type)
	}

	reply, _ := json.Marshal(inboundFrame{Type: "confirmation_response", ID: ev.ConfirmationID, Response: "yes"})
	if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
		t.Fatalf("write reply: %v", err)
	}

	select {
	case resp := <-resultCh:
		if resp != "yes" {
			t.Fatalf("expected resp=yes, got %q", resp)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for confirmation resolution")
	}
}

// TestRequestConfirmationTimeoutUsesDefault locks in spec property 9:
// with no client response, a 1s timeout resolves to the default value
// in well under 2s.
func TestRequestConfirmationTimeoutUsesDefault(t *testing.T) {
	b := New(nil)

	start := time.Now()
	resp, err := b.RequestConfirmation(context.Background(), "s1", "proceed?", []string{"yes", "no"}, "yes", "", 1*time.Second)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("RequestConfirmation: %v", err)
	}
	if resp != "yes" {
		t.Fatalf("expected default resp=yes, got %q", resp)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("expected resolution within 2s, took %v", elapsed)
	}
}

// TestRequestConfirmationTimeoutPrefersSuggestionOverLetClaude locks in
// spec §4.8 step 3's let_claude handling: when def is the sentinel and a
// claude_suggestion was configured, a timeout resolves to the suggestion
// rather than to the literal "let_claude" string.
func TestRequestConfirmationTimeoutPrefersSuggestionOverLetClaude(t *testing.T) {
	b := New(nil)

	resp, err := b.RequestConfirmation(context.Background(), "s1", "deploy?", []string{"yes", "no", "let_claude"}, LetClaudeDefault, "yes", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("RequestConfirmation: %v", err)
	}
	if resp != "yes" {
		t.Fatalf("expected the configured suggestion to win on timeout, got %q", resp)
	}
}

// TestRequestConfirmationTimeoutFallsBackToLetClaudeWithoutSuggestion
// covers the case the engine's confirm() handles explicitly: def is the
// sentinel but no suggestion was configured, so the literal sentinel is
// what a timeout resolves to.
func TestRequestConfirmationTimeoutFallsBackToLetClaudeWithoutSuggestion(t *testing.T) {
	b := New(nil)

	resp, err := b.RequestConfirmation(context.Background(), "s1", "deploy?", []string{"yes", "no", "let_claude"}, LetClaudeDefault, "", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("RequestConfirmation: %v", err)
	}
	if resp != LetClaudeDefault {
		t.Fatalf("expected the bare sentinel with no suggestion configured, got %q", resp)
	}
}

func TestHealEventsPublishTriggeredAndCompleted(t *testing.T) {
	b := New(nil)
	srv := httptest.NewServer(http.HandlerFunc(b.ServeHTTP))
	defer srv.Close()

	conn := dialBus(t, srv)
	defer conn.Close()
	conn.ReadMessage() // hello

	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	b.HealTriggered("kube_get_pods", heal.ClassAuth)
	b.HealCompleted("kube_get_pods", heal.ClassAuth, "refresh_credentials:stage", true)

	var triggered, completed Event
	for _, dst := range []*Event{&triggered, &completed} {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read heal event: %v", err)
		}
		if err := json.Unmarshal(data, dst); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
	}

	if triggered.Type != EventHealTriggered || triggered.Tool != "kube_get_pods" || triggered.Class != string(heal.ClassAuth) {
		t.Fatalf("unexpected heal_triggered event: %+v", triggered)
	}
	if completed.Type != EventHealCompleted || completed.FixAction != "refresh_credentials:stage" || !completed.Success {
		t.Fatalf("unexpected heal_completed event: %+v", completed)
	}
}

func TestShutdownBroadcastsServerStopping(t *testing.T) {
	b := New(nil)
	srv := httptest.NewServer(http.HandlerFunc(b.ServeHTTP))
	defer srv.Close()

	conn := dialBus(t, srv)
	defer conn.Close()
	conn.ReadMessage() // hello

	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	b.Shutdown()

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read shutdown event: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != EventServerStopping {
		t.Fatalf("expected server_stopping, got %q", ev.Type)
	}
}
