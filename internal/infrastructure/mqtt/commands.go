package mqtt

import (
	"encoding/json"
	"fmt"

	"github.com/nerrad567/controlroom/internal/events"
)

// SourceMQTT is the event source for commands received over MQTT.
const SourceMQTT = "mqtt"

// Sender delivers a command to a module. *module.Registry satisfies it.
type Sender interface {
	Send(name, cmd, payload string) error
}

// CommandRequest is the body of an inbound command message.
type CommandRequest struct {
	Command string `json:"command"`
	Payload string `json:"payload"`
}

// CommandBridge forwards messages on the command topics to modules.
type CommandBridge struct {
	sender Sender
	topics Topics
	events events.Publisher
}

// NewCommandBridge creates a bridge. publisher may be nil.
func NewCommandBridge(sender Sender, topics Topics, publisher events.Publisher) *CommandBridge {
	if publisher == nil {
		publisher = events.Discard
	}
	return &CommandBridge{sender: sender, topics: topics, events: publisher}
}

// Attach subscribes the bridge to every module's command topic.
func (b *CommandBridge) Attach(c *Client, qos byte) error {
	return c.Subscribe(b.topics.AllCommands(), qos, b.HandleMessage)
}

// HandleMessage sends the command in payload to the module named by topic.
// It is a MessageHandler.
func (b *CommandBridge) HandleMessage(topic string, payload []byte) error {
	name, ok := b.topics.ModuleFromCommand(topic)
	if !ok {
		return fmt.Errorf("not a command topic: %q", topic)
	}

	var req CommandRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("decoding command for %s: %w", name, err)
	}
	if req.Command == "" {
		return fmt.Errorf("command for %s: command is required", name)
	}

	if err := b.sender.Send(name, req.Command, req.Payload); err != nil {
		return fmt.Errorf("sending %s to %s: %w", req.Command, name, err)
	}

	e := events.New(events.KindCommandSent)
	e.Source = SourceMQTT
	e.Target = name
	e.Command = req.Command
	e.Payload = req.Payload
	b.events.Publish(e)
	return nil
}
