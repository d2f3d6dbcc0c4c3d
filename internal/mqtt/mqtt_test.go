package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/KevinKickass/OpenFieldSim/internal/addrspace"
	"github.com/KevinKickass/OpenFieldSim/internal/transport"
	"github.com/KevinKickass/OpenFieldSim/internal/types"
	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/protobuf/encoding/protowire"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }

func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	token *fakeToken
	msgs  []published
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.msgs = append(c.msgs, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return c.token
}

func testSnapshot() addrspace.Snapshot {
	return addrspace.Snapshot{
		Revision: 9,
		Taken:    time.UnixMilli(1700000000123),
		Values: map[string]types.Value{
			"level":       types.AnalogValue(51.5),
			"temperature": types.AnalogValue(19.9),
			"alarm":       types.BinaryValue(false),
		},
	}
}

func newTestPublisher(client publishClient, format Format) *Publisher {
	return &Publisher{
		client: client,
		opts:   ClientOptions{QoS: 1},
		cfg:    PublisherConfig{Topic: "tank/data", Format: format, Timeout: time.Second},
		logger: zap.NewNop(),
		uuid:   "test-uuid",
	}
}

func TestSparkplug_RoundTrip(t *testing.T) {
	t.Parallel()

	in := &Payload{
		Timestamp: 1700000000123,
		Seq:       255,
		UUID:      "abc",
		Metrics: []Metric{
			{Name: "level", Timestamp: 1, Datatype: DataTypeDouble, DoubleValue: 42.25},
			{Name: "alarm", Timestamp: 1, Datatype: DataTypeBoolean, BooleanValue: true},
			{Name: "count", Alias: 7, Datatype: DataTypeInt64, LongValue: 12345678901},
			{Name: "ratio", Datatype: DataTypeFloat, FloatValue: 0.5},
			{Name: "label", Datatype: DataTypeString, StringValue: "tank-1"},
		},
	}

	out, err := UnmarshalPayload(in.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalPayload failed: %v", err)
	}
	if out.Timestamp != in.Timestamp || out.Seq != in.Seq || out.UUID != in.UUID {
		t.Fatalf("header mismatch: %+v", out)
	}
	if len(out.Metrics) != len(in.Metrics) {
		t.Fatalf("expected %d metrics, got %d", len(in.Metrics), len(out.Metrics))
	}
	for i := range in.Metrics {
		if out.Metrics[i] != in.Metrics[i] {
			t.Errorf("metric %d: got %+v, want %+v", i, out.Metrics[i], in.Metrics[i])
		}
	}
}

func TestSparkplug_UnknownFieldsSkipped(t *testing.T) {
	t.Parallel()

	b := (&Payload{Timestamp: 5, Seq: 1}).Marshal()
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "future extension")
	b = protowire.AppendTag(b, 100, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 1)

	out, err := UnmarshalPayload(b)
	if err != nil {
		t.Fatalf("UnmarshalPayload failed: %v", err)
	}
	if out.Timestamp != 5 || out.Seq != 1 {
		t.Fatalf("unexpected payload: %+v", out)
	}
}

func TestSparkplug_TruncatedInput(t *testing.T) {
	t.Parallel()

	b := (&Payload{Timestamp: 5, Metrics: []Metric{{Name: "level", Datatype: DataTypeDouble, DoubleValue: 1}}}).Marshal()
	if _, err := UnmarshalPayload(b[:len(b)-3]); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestMetric_Value(t *testing.T) {
	t.Parallel()

	m := MetricFromValue("alarm", types.BinaryValue(true), 0)
	v, err := m.Value()
	if err != nil || v.Kind != types.KindBinary || !v.Binary {
		t.Fatalf("boolean metric = %v, %v", v, err)
	}

	m = Metric{Name: "neg", Datatype: DataTypeInt32, IntValue: uint32(0xFFFFFFFE)}
	v, err = m.Value()
	if err != nil || v.Analog != -2 {
		t.Fatalf("int32 metric = %v, %v", v, err)
	}

	if _, err := (Metric{Name: "s", Datatype: DataTypeString}).Value(); err == nil {
		t.Fatal("string metric must not convert")
	}
}

func TestPublisher_JSON(t *testing.T) {
	client := &fakeClient{token: completedToken(nil)}
	p := newTestPublisher(client, FormatJSON)

	if err := p.Publish(context.Background(), testSnapshot()); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if len(client.msgs) != 1 || client.msgs[0].topic != "tank/data" || client.msgs[0].qos != 1 {
		t.Fatalf("unexpected publish: %+v", client.msgs)
	}

	var msg struct {
		Revision uint64         `json:"revision"`
		Tags     map[string]any `json:"tags"`
	}
	if err := json.Unmarshal(client.msgs[0].payload, &msg); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if msg.Revision != 9 || msg.Tags["level"] != 51.5 || msg.Tags["alarm"] != false {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestPublisher_SparkplugSeqWraps(t *testing.T) {
	p := newTestPublisher(&fakeClient{token: completedToken(nil)}, FormatSparkplug)
	p.seq = 255

	first, _ := p.Encode(testSnapshot())
	second, _ := p.Encode(testSnapshot())

	a, err := UnmarshalPayload(first)
	if err != nil {
		t.Fatalf("decode first: %v", err)
	}
	b, err := UnmarshalPayload(second)
	if err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if a.Seq != 255 || b.Seq != 0 {
		t.Fatalf("seq = %d, %d; want 255, 0", a.Seq, b.Seq)
	}
	if a.Timestamp != 1700000000123 || a.UUID != "test-uuid" {
		t.Fatalf("unexpected header: %+v", a)
	}
	if len(a.Metrics) != 3 || a.Metrics[0].Name != "alarm" || a.Metrics[1].Name != "level" {
		t.Fatalf("metrics not sorted by name: %+v", a.Metrics)
	}
}

func TestPublisher_ErrorIsTransportError(t *testing.T) {
	p := newTestPublisher(&fakeClient{token: completedToken(errors.New("not connected"))}, FormatJSON)

	err := p.Publish(context.Background(), testSnapshot())
	var terr *transport.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestPublisher_Timeout(t *testing.T) {
	p := newTestPublisher(&fakeClient{token: &fakeToken{done: make(chan struct{})}}, FormatJSON)
	p.cfg.Timeout = 20 * time.Millisecond

	err := p.Publish(context.Background(), testSnapshot())
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestNewPublisher_Validation(t *testing.T) {
	opts := DefaultClientOptions()
	if _, err := NewPublisher(opts, PublisherConfig{Topic: "t", Format: "xml"}, zap.NewNop()); err == nil {
		t.Error("expected error for unknown format")
	}
	opts.QoS = 3
	if _, err := NewPublisher(opts, DefaultPublisherConfig(), zap.NewNop()); err == nil {
		t.Error("expected error for qos 3")
	}
}

func TestSubscriber_DeliversAndDrops(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	s, err := NewSubscriber(DefaultClientOptions(), "my/test/topic", zap.New(core))
	if err != nil {
		t.Fatalf("NewSubscriber failed: %v", err)
	}

	for i := 0; i < eventBuffer+1; i++ {
		s.handle(Event{Topic: "my/test/topic", Payload: []byte("x")})
	}
	if logs.FilterMessage("Event buffer full, message dropped").Len() != 1 {
		t.Fatalf("expected one drop warning, got %d", logs.Len())
	}

	ev := <-s.Events()
	if ev.Topic != "my/test/topic" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	s.Close()
	s.Close()
	s.handle(Event{Topic: "late"})

	n := 0
	for range s.Events() {
		n++
	}
	if n != eventBuffer-1 {
		t.Fatalf("expected %d buffered events after close, got %d", eventBuffer-1, n)
	}
}

func TestLogFields(t *testing.T) {
	payload := (&Payload{Seq: 3, Metrics: []Metric{MetricFromValue("level", types.AnalogValue(5), 0)}}).Marshal()

	fields := LogFields(Event{Topic: "spBv1.0/g/DDATA/n/d", Payload: payload}, FormatSparkplug)
	found := false
	for _, f := range fields {
		if f.Key == "metric.level" {
			found = true
		}
	}
	if !found {
		t.Fatalf("metric field missing: %+v", fields)
	}

	fields = LogFields(Event{Topic: "t", Payload: []byte("hello")}, FormatJSON)
	if fields[len(fields)-1].String != "hello" {
		t.Fatalf("text payload not logged: %+v", fields)
	}
}
