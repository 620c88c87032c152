// Package alert delivers operator alerts for jobs that landed in the dead
// letter list. Delivery is best effort: callers log failures and move on.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/segmentio/kafka-go"
)

// Alert describes a job that needs manual intervention.
type Alert struct {
	JobName        string    `json:"job_name"`
	IdempotencyKey string    `json:"idempotency_key"`
	Reason         string    `json:"reason"`
	Attempts       int       `json:"attempts"`
	At             time.Time `json:"at"`
}

func (a Alert) text() string {
	return fmt.Sprintf("SETTLEMENT ALERT\n\nJob: %s\nID: %s\nAttempts: %d\nError: %s\nTime: %s\n\nManual intervention required.",
		a.JobName, a.IdempotencyKey, a.Attempts, a.Reason, a.At.UTC().Format(time.RFC3339))
}

// Notifier sends an alert.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// LogNotifier writes alerts to the structured log. Used when no external
// sink is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, a Alert) error {
	slog.Error("dead letter alert", "job", a.JobName, "key", a.IdempotencyKey,
		"attempts", a.Attempts, "reason", a.Reason)
	return nil
}

// Multi fans an alert out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TelegramNotifier posts alerts to a Telegram chat through the Bot API.
type TelegramNotifier struct {
	baseURL string
	token   string
	chatID  string
	http    *http.Client
}

// NewTelegramNotifier creates a notifier. baseURL defaults to the public Bot API.
func NewTelegramNotifier(baseURL, token, chatID string, hc *http.Client) *TelegramNotifier {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Second}
	}
	return &TelegramNotifier{baseURL: baseURL, token: token, chatID: chatID, http: hc}
}

func (t *TelegramNotifier) Notify(ctx context.Context, a Alert) error {
	body, _ := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    a.text(),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.baseURL+"/bot"+t.token+"/sendMessage", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("telegram: status %d: %s", resp.StatusCode, b)
	}
	return nil
}

// MessageWriter is the subset of *kafka.Writer the notifier uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes alerts as JSON to a dead-letter topic, keyed by
// job name.
type KafkaNotifier struct {
	writer MessageWriter
	topic  string
}

// NewKafkaNotifier creates a notifier writing to topic on brokers.
func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka notifier requires at least one broker")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
	}
	return NewKafkaNotifierWithWriter(w, topic), nil
}

// NewKafkaNotifierWithWriter wraps an existing writer.
func NewKafkaNotifierWithWriter(w MessageWriter, topic string) *KafkaNotifier {
	return &KafkaNotifier{writer: w, topic: topic}
}

func (k *KafkaNotifier) Notify(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Topic: k.topic,
		Key:   []byte(a.JobName),
		Value: payload,
		Time:  a.At.UTC(),
	})
}

func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
