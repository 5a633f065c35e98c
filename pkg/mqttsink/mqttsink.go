// Package mqttsink republishes conditioned QCM events to an MQTT broker.
package mqttsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/fxamacker/cbor/v2"
	"github.com/itohio/goqcm/pkg/config"
	"github.com/itohio/goqcm/pkg/event"
)

// Payload formats.
const (
	FormatJSON = "json"
	FormatCBOR = "cbor"
)

// unattachedTopic replaces the source ID of events produced before a handshake completed.
const unattachedTopic = "unattached"

// ErrUnknownFormat is returned for a payload format other than json or cbor.
var ErrUnknownFormat = errors.New("unknown payload format")

// cborEncMode encodes timestamps with nanosecond precision.
var cborEncMode cbor.EncMode

func init() {
	var err error
	encOpts := cbor.EncOptions{
		Sort: cbor.SortCanonical,
		Time: cbor.TimeRFC3339Nano,
	}
	cborEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}
}

// Payload is the published representation of one conditioned event.
type Payload struct {
	SourceID    string    `json:"source_id" cbor:"source_id"`
	Temperature float64   `json:"temperature" cbor:"temperature"`
	Frequency   float64   `json:"frequency" cbor:"frequency"`
	Time        time.Time `json:"time" cbor:"time"`
}

// Client is the subset of *paho.Client used by Publisher.
type Client interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher is an event.Listener that publishes each event to
// <topic prefix>/<source id>.
type Publisher struct {
	client      Client
	disconnect  func() error
	topicPrefix string
	qos         byte
	format      string
	contentType string
	timeout     time.Duration
	logger      *slog.Logger
}

// Ensure Publisher is an event listener.
var _ event.Listener = (*Publisher)(nil)

// New creates a Publisher on an already connected client.
func New(client Client, cfg config.MQTTConfig, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var contentType string
	switch cfg.Format {
	case FormatJSON, "":
		cfg.Format = FormatJSON
		contentType = "application/json"
	case FormatCBOR:
		contentType = "application/cbor"
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, cfg.Format)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.Default().MQTT.Timeout
	}

	return &Publisher{
		client:      client,
		topicPrefix: cfg.TopicPrefix,
		qos:         cfg.QoS,
		format:      cfg.Format,
		contentType: contentType,
		timeout:     timeout,
		logger:      logger,
	}, nil
}

// Dial connects to the broker at cfg.Address and returns a Publisher using that connection.
func Dial(ctx context.Context, cfg config.MQTTConfig, logger *slog.Logger) (*Publisher, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.Default().MQTT.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial mqtt broker %s: %w", cfg.Address, err)
	}

	client := paho.NewClient(paho.ClientConfig{
		ClientID: cfg.ClientID,
		Conn:     conn,
	})

	if _, err := client.Connect(ctx, &paho.Connect{
		ClientID:   cfg.ClientID,
		KeepAlive:  cfg.KeepAlive,
		CleanStart: true,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to mqtt broker %s: %w", cfg.Address, err)
	}

	p, err := New(client, cfg, logger)
	if err != nil {
		client.Disconnect(&paho.Disconnect{ReasonCode: 0})
		return nil, err
	}
	p.disconnect = func() error {
		return client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	}

	p.logger.Info("connected to mqtt broker", slog.String("address", cfg.Address), slog.String("client_id", cfg.ClientID))
	return p, nil
}

// Topic returns the topic events from sourceID are published to.
func (p *Publisher) Topic(sourceID string) string {
	if sourceID == "" {
		sourceID = unattachedTopic
	}
	if p.topicPrefix == "" {
		return sourceID
	}
	return p.topicPrefix + "/" + sourceID
}

// IncomingEvent publishes ev, bounded by the configured timeout.
func (p *Publisher) IncomingEvent(ev event.Event) error {
	data, err := Encode(p.format, Payload{
		SourceID:    ev.SourceID,
		Temperature: ev.Value.Temperature,
		Frequency:   ev.Value.Frequency,
		Time:        ev.Time,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	topic := p.Topic(ev.SourceID)
	if _, err := p.client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     p.qos,
		Payload: data,
		Properties: &paho.PublishProperties{
			ContentType: p.contentType,
		},
	}); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker when the Publisher owns the connection.
func (p *Publisher) Close() error {
	if p.disconnect == nil {
		return nil
	}
	return p.disconnect()
}

// Encode serializes a payload in the given format.
func Encode(format string, pl Payload) ([]byte, error) {
	switch format {
	case FormatJSON, "":
		return json.Marshal(pl)
	case FormatCBOR:
		return cborEncMode.Marshal(pl)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// Decode parses a payload published in the given format.
func Decode(format string, data []byte) (Payload, error) {
	var pl Payload
	var err error
	switch format {
	case FormatJSON, "":
		err = json.Unmarshal(data, &pl)
	case FormatCBOR:
		err = cbor.Unmarshal(data, &pl)
	default:
		return Payload{}, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err != nil {
		return Payload{}, fmt.Errorf("failed to decode %s payload: %w", format, err)
	}
	return pl, nil
}
