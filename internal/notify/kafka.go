package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	kgo "github.com/segmentio/kafka-go"
)

// KafkaSink publishes each stored notification as a JSON event keyed by the
// recipient handle.
type KafkaSink struct {
	w *kgo.Writer
}

type event struct {
	Recipient    string       `json:"recipient"`
	Notification Notification `json:"notification"`
}

// NewKafkaSink writes to topic on the comma-separated brokers.
func NewKafkaSink(brokers, topic string) *KafkaSink {
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	return &KafkaSink{w: &kgo.Writer{
		Addr:         kgo.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kgo.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kgo.RequireOne,
		Async:        true,
	}}
}

func (k *KafkaSink) Publish(ctx context.Context, recipient string, n Notification) error {
	b, err := json.Marshal(event{Recipient: recipient, Notification: n})
	if err != nil {
		return err
	}
	return k.w.WriteMessages(ctx, kgo.Message{
		Key:   []byte(recipient),
		Value: b,
		Time:  time.Now(),
	})
}

func (k *KafkaSink) Close() error { return k.w.Close() }
