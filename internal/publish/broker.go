// Package publish runs an embedded MQTT broker and publishes the people
// estimate of every cycle to it, so dashboards and home automation can
// subscribe without polling the HTTP API.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/banshee-data/presence.report/internal/presence"
)

// DefaultTopicPrefix is the root of every topic the broker publishes.
const DefaultTopicPrefix = "presence"

// Options configures the broker.
type Options struct {
	// Addr is the TCP listen address, e.g. ":1883". Empty runs the broker
	// with the inline client only.
	Addr        string
	Site        string
	TopicPrefix string
}

// CountMessage is the retained payload on the count topic.
type CountMessage struct {
	Site       string    `json:"site"`
	Seq        int       `json:"seq"`
	At         time.Time `json:"at"`
	People     int       `json:"people"`
	Heard      int       `json:"heard"`
	Registered int       `json:"registered"`
}

// StatusMessage is the retained payload on the status topic.
type StatusMessage struct {
	Site  string    `json:"site"`
	OK    bool      `json:"ok"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// Broker wraps an embedded mochi-mqtt server. It implements
// presence.CycleSink and presence.ScanErrorSink.
type Broker struct {
	server *mqtt.Server
	site   string
	prefix string
}

// NewBroker configures a broker. Call Start to begin accepting clients.
func NewBroker(opts Options) (*Broker, error) {
	if opts.Site == "" {
		opts.Site = "default"
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = DefaultTopicPrefix
	}

	server := mqtt.New(&mqtt.Options{InlineClient: true})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("failed to add auth hook: %w", err)
	}
	if err := server.AddHook(new(connectionLogHook), nil); err != nil {
		return nil, fmt.Errorf("failed to add connection hook: %w", err)
	}
	if opts.Addr != "" {
		tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: opts.Addr})
		if err := server.AddListener(tcp); err != nil {
			return nil, fmt.Errorf("failed to add TCP listener: %w", err)
		}
	}

	return &Broker{server: server, site: opts.Site, prefix: opts.TopicPrefix}, nil
}

// Start begins serving the listeners. It does not block.
func (b *Broker) Start() error {
	if err := b.server.Serve(); err != nil {
		return fmt.Errorf("failed to start MQTT broker: %w", err)
	}
	return nil
}

// Close disconnects clients and stops the listeners.
func (b *Broker) Close() error {
	return b.server.Close()
}

// CountTopic is where the per-cycle estimate is published.
func (b *Broker) CountTopic() string { return b.prefix + "/" + b.site + "/count" }

// StatusTopic carries scanner health.
func (b *Broker) StatusTopic() string { return b.prefix + "/" + b.site + "/status" }

// HandleCycle publishes the cycle's count, retained so late subscribers get
// the current value immediately.
func (b *Broker) HandleCycle(_ context.Context, res presence.CycleResult) error {
	if err := b.publishJSON(b.CountTopic(), CountMessage{
		Site:       b.site,
		Seq:        res.Seq,
		At:         res.At,
		People:     res.People,
		Heard:      len(res.Batch),
		Registered: res.Registered,
	}); err != nil {
		return err
	}
	return b.publishJSON(b.StatusTopic(), StatusMessage{Site: b.site, OK: true, At: res.At})
}

// HandleScanError marks the scanner unhealthy on the status topic.
func (b *Broker) HandleScanError(_ context.Context, scanErr error) {
	msg := StatusMessage{Site: b.site, OK: false, Error: scanErr.Error(), At: time.Now().UTC().Truncate(time.Second)}
	if err := b.publishJSON(b.StatusTopic(), msg); err != nil {
		log.Printf("failed to publish scanner status: %v", err)
	}
}

// Subscribe registers an inline subscription, mainly for tests and local
// consumers in the same process.
func (b *Broker) Subscribe(filter string, id int, fn func(topic string, payload []byte)) error {
	return b.server.Subscribe(filter, id, func(_ *mqtt.Client, _ packets.Subscription, pk packets.Packet) {
		fn(pk.TopicName, pk.Payload)
	})
}

func (b *Broker) publishJSON(topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", topic, err)
	}
	if err := b.server.Publish(topic, payload, true, 0); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// connectionLogHook logs client connects and disconnects.
type connectionLogHook struct {
	mqtt.HookBase
}

func (h *connectionLogHook) ID() string { return "connection-log" }

func (h *connectionLogHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnect,
		mqtt.OnDisconnect,
	}, []byte{b})
}

func (h *connectionLogHook) OnConnect(cl *mqtt.Client, pk packets.Packet) error {
	log.Printf("MQTT client connected: %s", cl.ID)
	return nil
}

func (h *connectionLogHook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	if err != nil {
		log.Printf("MQTT client %s disconnected: %v", cl.ID, err)
		return
	}
	log.Printf("MQTT client disconnected: %s", cl.ID)
}
