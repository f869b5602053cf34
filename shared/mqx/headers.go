package mqx

import (
	"context"
	"sort"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// headerCarrier lets the otel propagator read and write Kafka headers, so a
// consumer span continues the trace of the request that produced the row.
type headerCarrier struct {
	headers *[]kafka.Header
}

func (c headerCarrier) Get(key string) string {
	for _, h := range *c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key string, value string) {
	for i, h := range *c.headers {
		if h.Key == key {
			(*c.headers)[i].Value = []byte(value)
			return
		}
	}
	*c.headers = append(*c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}

var _ propagation.TextMapCarrier = headerCarrier{}

// buildHeaders returns the map as headers in key order plus the current
// trace context.
func buildHeaders(ctx context.Context, in map[string]string) []kafka.Header {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]kafka.Header, 0, len(keys)+2)
	for _, k := range keys {
		out = append(out, kafka.Header{Key: k, Value: []byte(in[k])})
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{&out})
	return out
}

// ContextFromMessage extracts the producer's trace context from msg.
func ContextFromMessage(ctx context.Context, msg kafka.Message) context.Context {
	headers := msg.Headers
	return otel.GetTextMapPropagator().Extract(ctx, headerCarrier{&headers})
}

// Header returns the value of the first header named key.
func Header(msg kafka.Message, key string) string {
	headers := msg.Headers
	return headerCarrier{&headers}.Get(key)
}
