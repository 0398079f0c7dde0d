package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "controlroom"

// Topics builds the control room's MQTT topics under a prefix.
//
//	topics := mqtt.Topics{Prefix: "controlroom"}
//	topics.Event("frame.routed") // "controlroom/events/frame.routed"
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	p := strings.Trim(t.Prefix, "/")
	if p == "" {
		return DefaultTopicPrefix
	}
	return p
}

// Event returns the mirror topic for an event kind.
func (t Topics) Event(kind string) string {
	return fmt.Sprintf("%s/events/%s", t.prefix(), kind)
}

// AllEvents matches every mirrored event.
func (t Topics) AllEvents() string {
	return t.prefix() + "/events/#"
}

// Command returns the inbound command topic for a module.
func (t Topics) Command(module string) string {
	return fmt.Sprintf("%s/command/%s", t.prefix(), module)
}

// AllCommands matches the inbound command topic of every module.
func (t Topics) AllCommands() string {
	return t.prefix() + "/command/+"
}

// ModuleFromCommand extracts the module name from a command topic.
func (t Topics) ModuleFromCommand(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.prefix()+"/command/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

// SystemStatus returns the retained online/offline status topic.
func (t Topics) SystemStatus() string {
	return t.prefix() + "/system/status"
}
