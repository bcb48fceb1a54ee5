package ws

import (
	"context"
	"time"

	"github.com/google/uuid"

	"crm-realtime/internal/observability"
)

func newConnID() string {
	return uuid.NewString()
}

// publishLifecycle emits a ws_events envelope for one connection.
func publishLifecycle(info ConnInfo, event, reason string) {
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":        wsKind,
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"principal_id": info.PrincipalID,
			"role":         info.Role,
			"device_id":    info.DeviceID,
			"ip":           info.IP,
		},
	}
	_ = observability.PublishEvent(context.Background(), wsRoutingKey, observability.NewEnvelope("ws_events", event, payload), observability.BuildHeaders(info.RequestID, info.TraceID))
	observability.IncWSEvent(wsKind, event)
}
