package notify

import (
	"encoding/json"
	"testing"
	"time"
)

func TestKafkaMessageCarriesKeyAndEventHeader(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := Event{Name: "stockUpdated", Key: "64b7f0c2a1b2c3d4e5f60718", Sequence: 3, Data: json.RawMessage(`{"newStock":1}`), At: at}
	msg, err := kafkaMessage(ev)
	if err != nil {
		t.Fatalf("kafkaMessage: %v", err)
	}
	if string(msg.Key) != ev.Key {
		t.Fatalf("key: %s", msg.Key)
	}
	if !msg.Time.Equal(at) {
		t.Fatalf("time: %v", msg.Time)
	}
	if len(msg.Headers) != 1 || msg.Headers[0].Key != "event" || string(msg.Headers[0].Value) != "stockUpdated" {
		t.Fatalf("headers: %+v", msg.Headers)
	}
	var f Frame
	if err := json.Unmarshal(msg.Value, &f); err != nil || f.Sequence != 3 || f.Event != "stockUpdated" {
		t.Fatalf("value: %s (%v)", msg.Value, err)
	}
}

func TestKafkaSinkName(t *testing.T) {
	s := NewKafkaSink([]string{"localhost:9092"}, "stock-events")
	defer s.Close()
	if s.Name() != "kafka" {
		t.Fatalf("name: %s", s.Name())
	}
}
