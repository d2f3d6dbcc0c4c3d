package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenFieldSim/internal/addrspace"
	"github.com/KevinKickass/OpenFieldSim/internal/transport"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Format string

const (
	FormatJSON      Format = "json"
	FormatSparkplug Format = "sparkplug"
)

// PublisherConfig entspricht der [publisher] Sektion
type PublisherConfig struct {
	Topic   string        `mapstructure:"topic"`
	Format  Format        `mapstructure:"format"`
	Retain  bool          `mapstructure:"retain"`
	Timeout time.Duration `mapstructure:"publish_timeout"`
}

func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{Topic: "my/test/topic", Format: FormatJSON, Timeout: 5 * time.Second}
}

type publishClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// Publisher sends every snapshot to one topic.
type Publisher struct {
	client publishClient
	inner  paho.Client
	opts   ClientOptions
	cfg    PublisherConfig
	logger *zap.Logger
	uuid   string

	mu  sync.Mutex
	seq uint64
}

// jsonMessage ist das Format für format=json
type jsonMessage struct {
	Timestamp time.Time      `json:"timestamp"`
	Revision  uint64         `json:"revision"`
	Tags      map[string]any `json:"tags"`
}

func NewPublisher(opts ClientOptions, cfg PublisherConfig, logger *zap.Logger) (*Publisher, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if cfg.Format != FormatJSON && cfg.Format != FormatSparkplug {
		return nil, fmt.Errorf("unknown publish format %q", cfg.Format)
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("publish topic is empty")
	}

	inner := paho.NewClient(opts.pahoOptions("ofs-pub"))
	return &Publisher{
		client: inner,
		inner:  inner,
		opts:   opts,
		cfg:    cfg,
		logger: logger,
		uuid:   uuid.NewString(),
	}, nil
}

// Connect verbindet mit dem Broker. Liefert *transport.ConnectionError.
func (p *Publisher) Connect(ctx context.Context) error {
	if err := connect(ctx, p.inner, p.opts); err != nil {
		return err
	}
	p.logger.Info("Connected to MQTT broker",
		zap.String("broker", p.opts.Broker()),
		zap.Bool("clean_session", p.opts.CleanSession),
		zap.Uint8("qos", p.opts.QoS))
	return nil
}

func (p *Publisher) Name() string {
	return "mqtt"
}

func (p *Publisher) Publish(ctx context.Context, snap addrspace.Snapshot) error {
	payload, err := p.Encode(snap)
	if err != nil {
		return err
	}

	tok := p.client.Publish(p.cfg.Topic, p.opts.QoS, p.cfg.Retain, payload)
	if err := waitToken(ctx, tok, p.cfg.Timeout); err != nil {
		return transport.Wrap("publish", p.cfg.Topic, err)
	}

	p.logger.Debug("Published snapshot",
		zap.String("topic", p.cfg.Topic),
		zap.String("format", string(p.cfg.Format)),
		zap.Uint64("revision", snap.Revision),
		zap.Int("bytes", len(payload)))
	return nil
}

// Encode renders the snapshot in the configured format.
func (p *Publisher) Encode(snap addrspace.Snapshot) ([]byte, error) {
	if p.cfg.Format == FormatSparkplug {
		return p.sparkplug(snap).Marshal(), nil
	}

	msg := jsonMessage{Timestamp: snap.Taken.UTC(), Revision: snap.Revision, Tags: make(map[string]any, len(snap.Values))}
	for name, value := range snap.Values {
		msg.Tags[name] = value.Interface()
	}
	return json.Marshal(msg)
}

func (p *Publisher) sparkplug(snap addrspace.Snapshot) *Payload {
	p.mu.Lock()
	seq := p.seq
	p.seq = (p.seq + 1) % 256
	p.mu.Unlock()

	ts := uint64(snap.Taken.UnixMilli())
	payload := &Payload{Timestamp: ts, Seq: seq, UUID: p.uuid}
	for _, name := range snap.Names() {
		payload.Metrics = append(payload.Metrics, MetricFromValue(name, snap.Values[name], ts))
	}
	return payload
}

func (p *Publisher) Close() {
	if p.inner != nil && p.inner.IsConnected() {
		p.inner.Disconnect(250)
		p.logger.Info("MQTT publisher disconnected")
	}
}
