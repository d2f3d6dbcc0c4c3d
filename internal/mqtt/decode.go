package mqtt

import (
	"unicode/utf8"

	"go.uber.org/zap"
)

// LogFields describes an event for the log. Sparkplug payloads are decoded,
// anything else is logged as text.
func LogFields(ev Event, format Format) []zap.Field {
	fields := []zap.Field{zap.String("topic", ev.Topic), zap.Int("bytes", len(ev.Payload))}

	if format == FormatSparkplug {
		payload, err := UnmarshalPayload(ev.Payload)
		if err != nil {
			return append(fields, zap.NamedError("decode_error", err))
		}
		fields = append(fields, zap.Uint64("seq", payload.Seq), zap.Uint64("timestamp", payload.Timestamp))
		for _, m := range payload.Metrics {
			if v, err := m.Value(); err == nil {
				fields = append(fields, zap.Stringer("metric."+m.Name, v))
			} else {
				fields = append(fields, zap.String("metric."+m.Name, m.StringValue))
			}
		}
		return fields
	}

	if utf8.Valid(ev.Payload) {
		return append(fields, zap.String("payload", string(ev.Payload)))
	}
	return append(fields, zap.Binary("payload", ev.Payload))
}
