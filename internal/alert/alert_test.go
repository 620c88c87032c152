package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

var sample = Alert{
	JobName:        "fee_sweep",
	IdempotencyKey: "fee_sweep_2026-10-16_14",
	Reason:         "connection refused",
	Attempts:       3,
	At:             time.Date(2026, 10, 16, 14, 0, 3, 0, time.UTC),
}

func TestTelegramNotifier(t *testing.T) {
	var gotPath string
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier(srv.URL, "123:abc", "-1001", srv.Client())
	if err := n.Notify(context.Background(), sample); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if gotPath != "/bot123:abc/sendMessage" {
		t.Errorf("unexpected path %s", gotPath)
	}
	if body["chat_id"] != "-1001" || !strings.Contains(body["text"], "fee_sweep_2026-10-16_14") {
		t.Errorf("unexpected body %v", body)
	}
}

func TestTelegramNotifier_ReportsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	n := NewTelegramNotifier(srv.URL, "t", "c", srv.Client())
	if err := n.Notify(context.Background(), sample); err == nil {
		t.Error("expected error on non-200")
	}
}

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestKafkaNotifier(t *testing.T) {
	w := &recordingWriter{}
	n := NewKafkaNotifierWithWriter(w, "settlement.dead-letters")
	if err := n.Notify(context.Background(), sample); err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	m := w.msgs[0]
	if m.Topic != "settlement.dead-letters" || string(m.Key) != "fee_sweep" {
		t.Errorf("unexpected message %+v", m)
	}
	var got Alert
	if err := json.Unmarshal(m.Value, &got); err != nil || got.Attempts != 3 {
		t.Errorf("unexpected payload %s", m.Value)
	}
}

func TestNewKafkaNotifier_RequiresBrokers(t *testing.T) {
	if _, err := NewKafkaNotifier(nil, "t"); err == nil {
		t.Error("expected error without brokers")
	}
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := &recordingWriter{}
	bad := &recordingWriter{err: errors.New("broker down")}
	m := Multi{LogNotifier{}, NewKafkaNotifierWithWriter(bad, "t"), NewKafkaNotifierWithWriter(ok, "t")}

	err := m.Notify(context.Background(), sample)
	if err == nil || !strings.Contains(err.Error(), "broker down") {
		t.Errorf("expected joined error, got %v", err)
	}
	if len(ok.msgs) != 1 {
		t.Error("expected remaining notifiers to run after a failure")
	}
}
