// Package correlation assigns every consumed record an id that follows it
// into logs, spans and the headers of the records it produces.
package correlation

import (
	"strings"

	"github.com/google/uuid"
)

const (
	HeaderCorrelationID  = "upperflow-correlation-id"
	HeaderXCorrelationID = "x-correlation-id"
	HeaderXRequestID     = "x-request-id"
	HeaderTraceparent    = "traceparent"
)

// Source values for an ID that was not read from a header.
const SourceGenerated = "generated"

type ID struct {
	Value  string
	Source string
}

// ExtractOrGenerate extracts the correlation ID from headers or generates a new UUID.
// Priority: upperflow-correlation-id > x-correlation-id > x-request-id > traceparent > new UUID
func ExtractOrGenerate(headers map[string]string) ID {
	for _, h := range []string{HeaderCorrelationID, HeaderXCorrelationID, HeaderXRequestID} {
		if id := strings.TrimSpace(headers[h]); id != "" {
			return ID{Value: id, Source: h}
		}
	}
	if tp := headers[HeaderTraceparent]; tp != "" {
		if traceID := extractTraceID(tp); traceID != "" {
			return ID{Value: traceID, Source: HeaderTraceparent}
		}
	}
	return ID{Value: uuid.New().String(), Source: SourceGenerated}
}

// extractTraceID parses W3C traceparent format: version-traceid-parentid-flags
func extractTraceID(traceparent string) string {
	parts := strings.Split(traceparent, "-")
	if len(parts) >= 2 && len(parts[1]) == 32 {
		return parts[1]
	}
	return ""
}

// AddToHeaders adds the correlation ID to headers (creates the map if nil).
func AddToHeaders(headers map[string]string, id ID) map[string]string {
	if headers == nil {
		headers = make(map[string]string, 1)
	}
	headers[HeaderCorrelationID] = id.Value
	return headers
}
