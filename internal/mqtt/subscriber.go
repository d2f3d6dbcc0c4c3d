package mqtt

import (
	"context"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const eventBuffer = 64

// Event is one received message.
type Event struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
	Received time.Time
}

// Subscriber turns paho callbacks into a channel of events. The subscription
// is issued from the on-connect handler so it survives reconnects.
type Subscriber struct {
	inner  paho.Client
	opts   ClientOptions
	topic  string
	logger *zap.Logger

	mu      sync.Mutex
	events  chan Event
	closed  bool
	dropped uint64
}

func NewSubscriber(opts ClientOptions, topic string, logger *zap.Logger) (*Subscriber, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	s := &Subscriber{
		opts:   opts,
		topic:  topic,
		logger: logger,
		events: make(chan Event, eventBuffer),
	}

	po := opts.pahoOptions("ofs-sub").
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("MQTT connection lost", zap.Error(err))
		}).
		SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
			s.deliver(msg)
		})
	s.inner = paho.NewClient(po)
	return s, nil
}

func (s *Subscriber) Name() string {
	return "mqtt-subscriber"
}

func (s *Subscriber) Connect(ctx context.Context) error {
	return connect(ctx, s.inner, s.opts)
}

func (s *Subscriber) onConnect(c paho.Client) {
	s.logger.Info("Connected to MQTT broker, subscribing",
		zap.String("broker", s.opts.Broker()),
		zap.String("topic", s.topic),
		zap.Uint8("qos", s.opts.QoS))

	tok := c.Subscribe(s.topic, s.opts.QoS, func(_ paho.Client, msg paho.Message) {
		s.deliver(msg)
	})
	// nicht im Callback blockieren
	go func() {
		if tok.WaitTimeout(s.opts.ConnectTimeout) && tok.Error() != nil {
			s.logger.Error("Subscribe failed", zap.String("topic", s.topic), zap.Error(tok.Error()))
		}
	}()
}

func (s *Subscriber) deliver(msg paho.Message) {
	s.handle(Event{
		Topic:    msg.Topic(),
		Payload:  append([]byte(nil), msg.Payload()...),
		QoS:      msg.Qos(),
		Retained: msg.Retained(),
		Received: time.Now(),
	})
}

// handle never blocks the paho router; a full buffer drops the event.
func (s *Subscriber) handle(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.dropped++
		s.logger.Warn("Event buffer full, message dropped",
			zap.String("topic", ev.Topic),
			zap.Uint64("dropped", s.dropped))
	}
}

// Events is closed by Close.
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	if s.inner != nil && s.inner.IsConnected() {
		s.inner.Unsubscribe(s.topic).WaitTimeout(time.Second)
		s.inner.Disconnect(250)
	}
	s.logger.Info("MQTT subscriber disconnected")
}
