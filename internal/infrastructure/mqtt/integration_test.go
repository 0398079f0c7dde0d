//go:build integration

package mqtt

import (
	"testing"
	"time"

	"github.com/nerrad567/controlroom/internal/events"
)

// These tests require a running MQTT broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func TestIntegration_MirrorRoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.ClientID = "controlroom-integration-test"

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	received := make(chan string, 1)
	err = client.Subscribe(client.Topics().AllEvents(), 1, func(topic string, _ []byte) error {
		received <- topic
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	NewMirror(client, client.Topics(), 1, nil).Observe(events.New(events.KindCommandSent))

	select {
	case topic := <-received:
		if topic != "controlroom/events/command.sent" {
			t.Errorf("topic = %q, want controlroom/events/command.sent", topic)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("mirrored event not received")
	}
}
