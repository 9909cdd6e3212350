package event

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/photomed/lasercore/internal/logging"
	"github.com/photomed/lasercore/internal/metrics"
)

// MQTTSink republishes core events to a local broker for bench monitoring.
// It is strictly best-effort: QoS 0, a bounded internal queue, and drop on
// overflow. The core never depends on it for safety.
type MQTTSink struct {
	client      mqtt.Client
	topicPrefix string
	queue       chan Event
	done        chan struct{}
}

// MQTTConfig configures the bridge.
type MQTTConfig struct {
	BrokerURL   string // e.g. "tcp://localhost:1883"
	ClientID    string
	TopicPrefix string // defaults to "lasercore/events"
	QueueDepth  int    // defaults to 256
}

// NewMQTTSink connects to the broker and starts the publish worker.
func NewMQTTSink(cfg MQTTConfig) (*MQTTSink, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("event: mqtt broker url required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "lasercore"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "lasercore/events"
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if tok := client.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, fmt.Errorf("event: mqtt connect: %w", tok.Error())
	}

	s := &MQTTSink{
		client:      client,
		topicPrefix: cfg.TopicPrefix,
		queue:       make(chan Event, cfg.QueueDepth),
		done:        make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Emit implements Sink. Enqueue only; the worker publishes.
func (s *MQTTSink) Emit(ev Event) {
	select {
	case s.queue <- ev:
	default:
		metrics.RecordDroppedEvent("mqtt")
	}
}

// Close stops the worker and disconnects from the broker.
func (s *MQTTSink) Close() {
	close(s.queue)
	<-s.done
	s.client.Disconnect(250)
}

func (s *MQTTSink) run() {
	defer close(s.done)
	log := logging.WithComponent("event.mqtt")
	for ev := range s.queue {
		payload, err := json.Marshal(ev)
		if err != nil {
			log.Error().Err(err).Str("event_id", ev.ID).Msg("marshal event")
			continue
		}
		topic := s.topicPrefix + "/" + string(ev.Type)
		// QoS 0, fire and forget. Token intentionally not waited on.
		s.client.Publish(topic, 0, false, payload)
	}
}
