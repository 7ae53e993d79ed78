package observability

import "go.opentelemetry.io/otel/attribute"

// Attribute keys carried by connector metrics.
const (
	// AttrPair is the canonical BASE-QUOTE pair.
	AttrPair = attribute.Key("pair")
	// AttrStream names the WebSocket stream (book, trades, funding, user).
	AttrStream = attribute.Key("stream")
	// AttrOrderState is the order state entered by a transition.
	AttrOrderState = attribute.Key("order.state")
	// AttrPath is the REST endpoint path without host or query.
	AttrPath = attribute.Key("http.path")
	// AttrStatus is the HTTP status code; 0 when the request never got a response.
	AttrStatus = attribute.Key("http.status_code")
)

// PairAttributes labels a per-pair measurement.
func PairAttributes(pair string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrPair.String(pair)}
}

// StreamAttributes labels a per-stream measurement.
func StreamAttributes(stream string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrStream.String(stream)}
}

// RESTAttributes labels a REST call by path and status.
func RESTAttributes(path string, status int) []attribute.KeyValue {
	return []attribute.KeyValue{AttrPath.String(path), AttrStatus.Int(status)}
}
