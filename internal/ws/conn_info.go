package ws

import (
	"time"

	"crm-realtime/internal/models"
)

type ConnInfo struct {
	ConnID      string
	PrincipalID string
	Role        models.Role
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}
