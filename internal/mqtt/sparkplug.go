package mqtt

import (
	"errors"
	"fmt"
	"math"

	"github.com/KevinKickass/OpenFieldSim/internal/types"
	"google.golang.org/protobuf/encoding/protowire"
)

// Sparkplug B data types (sparkplug_b.proto)
const (
	DataTypeInt32   uint32 = 3
	DataTypeInt64   uint32 = 4
	DataTypeFloat   uint32 = 9
	DataTypeDouble  uint32 = 10
	DataTypeBoolean uint32 = 11
	DataTypeString  uint32 = 12
)

// Feldnummern aus sparkplug_b.proto
const (
	payloadTimestamp protowire.Number = 1
	payloadMetrics   protowire.Number = 2
	payloadSeq       protowire.Number = 3
	payloadUUID      protowire.Number = 4

	metricName      protowire.Number = 1
	metricAlias     protowire.Number = 2
	metricTimestamp protowire.Number = 3
	metricDatatype  protowire.Number = 4
	metricInt       protowire.Number = 10
	metricLong      protowire.Number = 11
	metricFloat     protowire.Number = 12
	metricDouble    protowire.Number = 13
	metricBoolean   protowire.Number = 14
	metricString    protowire.Number = 15
)

type Payload struct {
	Timestamp uint64
	Seq       uint64
	UUID      string
	Metrics   []Metric
}

type Metric struct {
	Name      string
	Alias     uint64
	Timestamp uint64
	Datatype  uint32

	IntValue     uint32
	LongValue    uint64
	FloatValue   float32
	DoubleValue  float64
	BooleanValue bool
	StringValue  string
}

// MetricFromValue maps analog values to Double and binary values to Boolean.
func MetricFromValue(name string, v types.Value, ts uint64) Metric {
	m := Metric{Name: name, Timestamp: ts}
	if v.Kind == types.KindBinary {
		m.Datatype = DataTypeBoolean
		m.BooleanValue = v.Binary
	} else {
		m.Datatype = DataTypeDouble
		m.DoubleValue = v.Analog
	}
	return m
}

// Value converts numeric and boolean metrics into a tag value.
func (m Metric) Value() (types.Value, error) {
	switch m.Datatype {
	case DataTypeBoolean:
		return types.BinaryValue(m.BooleanValue), nil
	case DataTypeDouble:
		return types.AnalogValue(m.DoubleValue), nil
	case DataTypeFloat:
		return types.AnalogValue(float64(m.FloatValue)), nil
	case DataTypeInt32:
		return types.AnalogValue(float64(int32(m.IntValue))), nil
	case DataTypeInt64:
		return types.AnalogValue(float64(int64(m.LongValue))), nil
	}
	return types.Value{}, fmt.Errorf("metric %s: datatype %d has no tag value", m.Name, m.Datatype)
}

func (p *Payload) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, payloadTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, p.Timestamp)
	for i := range p.Metrics {
		b = protowire.AppendTag(b, payloadMetrics, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Metrics[i].marshal())
	}
	b = protowire.AppendTag(b, payloadSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, p.Seq)
	if p.UUID != "" {
		b = protowire.AppendTag(b, payloadUUID, protowire.BytesType)
		b = protowire.AppendString(b, p.UUID)
	}
	return b
}

func (m *Metric) marshal() []byte {
	var b []byte
	if m.Name != "" {
		b = protowire.AppendTag(b, metricName, protowire.BytesType)
		b = protowire.AppendString(b, m.Name)
	}
	if m.Alias != 0 {
		b = protowire.AppendTag(b, metricAlias, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Alias)
	}
	b = protowire.AppendTag(b, metricTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Timestamp)
	b = protowire.AppendTag(b, metricDatatype, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Datatype))

	switch m.Datatype {
	case DataTypeInt32:
		b = protowire.AppendTag(b, metricInt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.IntValue))
	case DataTypeInt64:
		b = protowire.AppendTag(b, metricLong, protowire.VarintType)
		b = protowire.AppendVarint(b, m.LongValue)
	case DataTypeFloat:
		b = protowire.AppendTag(b, metricFloat, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(m.FloatValue))
	case DataTypeDouble:
		b = protowire.AppendTag(b, metricDouble, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(m.DoubleValue))
	case DataTypeBoolean:
		b = protowire.AppendTag(b, metricBoolean, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(m.BooleanValue))
	case DataTypeString:
		b = protowire.AppendTag(b, metricString, protowire.BytesType)
		b = protowire.AppendString(b, m.StringValue)
	}
	return b
}

var errWireType = errors.New("unexpected wire type")

// UnmarshalPayload decodes a Sparkplug B payload. Unknown fields are skipped.
func UnmarshalPayload(b []byte) (*Payload, error) {
	p := &Payload{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("payload tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == payloadTimestamp && typ == protowire.VarintType:
			p.Timestamp, n = protowire.ConsumeVarint(b)
		case num == payloadSeq && typ == protowire.VarintType:
			p.Seq, n = protowire.ConsumeVarint(b)
		case num == payloadUUID && typ == protowire.BytesType:
			p.UUID, n = protowire.ConsumeString(b)
		case num == payloadMetrics && typ == protowire.BytesType:
			var raw []byte
			raw, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				m, err := unmarshalMetric(raw)
				if err != nil {
					return nil, err
				}
				p.Metrics = append(p.Metrics, m)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("payload field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return p, nil
}

func unmarshalMetric(b []byte) (Metric, error) {
	var m Metric
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Metric{}, fmt.Errorf("metric tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		var v uint64
		switch num {
		case metricName, metricString:
			if typ != protowire.BytesType {
				return Metric{}, fmt.Errorf("metric field %d: %w", num, errWireType)
			}
			var s string
			s, n = protowire.ConsumeString(b)
			if num == metricName {
				m.Name = s
			} else {
				m.StringValue = s
			}
		case metricAlias, metricTimestamp, metricDatatype, metricInt, metricLong, metricBoolean:
			if typ != protowire.VarintType {
				return Metric{}, fmt.Errorf("metric field %d: %w", num, errWireType)
			}
			v, n = protowire.ConsumeVarint(b)
			switch num {
			case metricAlias:
				m.Alias = v
			case metricTimestamp:
				m.Timestamp = v
			case metricDatatype:
				m.Datatype = uint32(v)
			case metricInt:
				m.IntValue = uint32(v)
			case metricLong:
				m.LongValue = v
			case metricBoolean:
				m.BooleanValue = protowire.DecodeBool(v)
			}
		case metricFloat:
			if typ != protowire.Fixed32Type {
				return Metric{}, fmt.Errorf("metric field %d: %w", num, errWireType)
			}
			var f uint32
			f, n = protowire.ConsumeFixed32(b)
			m.FloatValue = math.Float32frombits(f)
		case metricDouble:
			if typ != protowire.Fixed64Type {
				return Metric{}, fmt.Errorf("metric field %d: %w", num, errWireType)
			}
			v, n = protowire.ConsumeFixed64(b)
			m.DoubleValue = math.Float64frombits(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return Metric{}, fmt.Errorf("metric field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return m, nil
}
