package mqtt

import (
	"crypto/tls"
	"net"
	"net/url"
	"strconv"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/tidwall/sjson"

	"github.com/nerrad567/controlroom/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultKeepAlive      = 60 * time.Second

	// defaultDisconnectQuiesce is in milliseconds, as paho expects.
	defaultDisconnectQuiesce = 1000

	maxQoS        = 2
	tlsMinVersion = tls.VersionTLS12

	// willQoS is used for the retained status messages.
	willQoS = 1
)

// brokerURL returns tcp://host:port, or ssl:// when TLS is on.
func brokerURL(b config.MQTTBrokerConfig) *url.URL {
	u := &url.URL{Scheme: "tcp", Host: net.JoinHostPort(b.Host, strconv.Itoa(b.Port))}
	if b.TLS {
		u.Scheme = "ssl"
	}
	return u
}

// buildClientOptions maps the mqtt section of config.yaml onto paho
// options. Reconnect delays in the config are whole seconds.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(brokerURL(cfg.Broker).String()).
		SetClientID(clientID(cfg)).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second).
		SetConnectTimeout(defaultConnectTimeout).
		SetKeepAlive(defaultKeepAlive)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username).SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}
	return opts
}

func clientID(cfg config.MQTTConfig) string {
	if cfg.Broker.ClientID != "" {
		return cfg.Broker.ClientID
	}
	return DefaultTopicPrefix
}

// configureLWT registers a retained offline status that the broker
// publishes if the connection drops without a disconnect.
func configureLWT(opts *pahomqtt.ClientOptions, topics Topics, id string) {
	opts.SetWill(topics.SystemStatus(), statusPayload("offline", id, "unexpected_disconnect"), willQoS, true)
}

// statusPayload is the JSON body published on the system status topic.
// reason is omitted when empty.
func statusPayload(status, id, reason string) string {
	fields := []struct{ path, value string }{
		{"status", status},
		{"client_id", id},
		{"reason", reason},
		{"timestamp", time.Now().UTC().Format(time.RFC3339)},
	}
	body := `{}`
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		// Paths are fixed keys, so Set cannot fail.
		body, _ = sjson.Set(body, f.path, f.value) //nolint:errcheck // See above
	}
	return body
}
