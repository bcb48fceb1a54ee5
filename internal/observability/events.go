package observability

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// EventEnvelope wraps operational events published next to the domain
// events, such as websocket lifecycle records.
type EventEnvelope struct {
	EventType  string `json:"event_type"`
	EventName  string `json:"event_name"`
	OccurredAt string `json:"occurred_at"`
	Payload    any    `json:"payload"`
}

// NewEnvelope stamps an envelope with the current UTC time.
func NewEnvelope(eventType, eventName string, payload any) EventEnvelope {
	return EventEnvelope{
		EventType:  eventType,
		EventName:  eventName,
		OccurredAt: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:    payload,
	}
}

// BuildHeaders returns the correlation headers for a published event.
// Empty values are left out.
func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}

// RequestMeta is the client identity a handshake request carries.
type RequestMeta struct {
	DeviceID  string
	RequestID string
	IP        string
}

// RequestMetaFrom reads device, request id and client address from r.
// The first X-Forwarded-For hop wins over the socket address.
func RequestMetaFrom(r *http.Request) RequestMeta {
	return RequestMeta{
		DeviceID:  r.Header.Get("X-Device-Id"),
		RequestID: r.Header.Get("X-Request-Id"),
		IP:        clientIP(r),
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := r.Header.Get("X-Real-Ip"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
