package alerts_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/basket/go-beacon/internal/alerts"
)

func TestSlackNotifier_PostsText(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := &alerts.SlackNotifier{WebhookURL: srv.URL}
	if err := n.Notify(context.Background(), "Alert triggered: disk", alerts.Context{}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got["text"] != "Alert triggered: disk" {
		t.Fatalf("payload = %#v", got)
	}
}

func TestSlackNotifier_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_token", http.StatusForbidden)
	}))
	defer srv.Close()

	err := (&alerts.SlackNotifier{WebhookURL: srv.URL}).Notify(context.Background(), "x", alerts.Context{})
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestMastodonNotifier_DirectStatusWithBearer(t *testing.T) {
	var auth, path string
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := &alerts.MastodonNotifier{InstanceURL: srv.URL + "/", Token: "tok"}
	if err := n.Notify(context.Background(), "hello", alerts.Context{}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if auth != "Bearer tok" || path != "/api/v1/statuses" {
		t.Fatalf("auth=%q path=%q", auth, path)
	}
	if body["visibility"] != "direct" || body["status"] != "hello" {
		t.Fatalf("body = %#v", body)
	}
}

func TestUnconfiguredNotifiers(t *testing.T) {
	for _, n := range []alerts.Notifier{
		&alerts.SlackNotifier{},
		&alerts.MastodonNotifier{},
		alerts.SignalNotifier{},
	} {
		err := n.Notify(context.Background(), "x", alerts.Context{})
		if !errors.Is(err, alerts.ErrNotifierNotConfigured) {
			t.Fatalf("%s: expected ErrNotifierNotConfigured, got %v", n.Name(), err)
		}
	}
}

func TestTelegramNotifier_SendsToChat(t *testing.T) {
	var mu sync.Mutex
	var chatID, text, mode string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"beacon","username":"beacon_bot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			_ = r.ParseForm()
			mu.Lock()
			chatID, text = r.PostForm.Get("chat_id"), r.PostForm.Get("text")
			mode = r.PostForm.Get("parse_mode")
			mu.Unlock()
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	n, err := alerts.NewTelegramNotifier("123:abc", srv.URL+"/bot%s/%s", 42)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	if err := n.Notify(context.Background(), "Alert triggered: site", alerts.Context{}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	mu.Lock()
	if chatID != "42" || text != "Alert triggered: site" {
		t.Fatalf("chat_id=%q text=%q", chatID, text)
	}
	mu.Unlock()

	if err := n.Notify(context.Background(), "Alert triggered: cpu_high (load > 2.5)", alerts.Context{}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	want := `Alert triggered: cpu\_high \(load \> 2\.5\)`
	if text != want || mode != "MarkdownV2" {
		t.Fatalf("text=%q mode=%q, want %q MarkdownV2", text, mode, want)
	}
}

func TestNewTelegramNotifier_EmptyToken(t *testing.T) {
	if _, err := alerts.NewTelegramNotifier("", "", 1); !errors.Is(err, alerts.ErrNotifierNotConfigured) {
		t.Fatalf("expected ErrNotifierNotConfigured, got %v", err)
	}
}
