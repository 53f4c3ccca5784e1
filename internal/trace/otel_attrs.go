package trace

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

func attrsToOTel(rec *SpanRecord) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String("helix.span_type", string(rec.Type)),
		attribute.String("helix.conversation_id", rec.ConversationID),
		attribute.String("helix.status", string(rec.Status)),
	}
	for k, v := range rec.Attributes {
		key := "helix." + k
		switch t := v.(type) {
		case string:
			kvs = append(kvs, attribute.String(key, t))
		case bool:
			kvs = append(kvs, attribute.Bool(key, t))
		case int:
			kvs = append(kvs, attribute.Int(key, t))
		case int64:
			kvs = append(kvs, attribute.Int64(key, t))
		case float64:
			kvs = append(kvs, attribute.Float64(key, t))
		default:
			kvs = append(kvs, attribute.String(key, fmt.Sprintf("%v", t)))
		}
	}
	return kvs
}
