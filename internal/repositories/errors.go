package repositories

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/lib/pq"

	"crm-realtime/internal/apperr"
)

var (
	ErrConversationNotFound = fmt.Errorf("conversation %w", apperr.ErrNotFound)
	ErrMessageNotFound      = fmt.Errorf("message %w", apperr.ErrNotFound)
	ErrMessageDeleted       = fmt.Errorf("message is deleted: %w", apperr.ErrConflict)
)

// storeErr tags connection-level failures as transient so callers can retry.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return fmt.Errorf("%s: %w: %v", op, apperr.ErrTransientStore, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		// 08 connection, 53 resources, 57 operator intervention; serialization and deadlock retry cleanly.
		return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "53") ||
			strings.HasPrefix(code, "57") || code == "40001" || code == "40P01"
	}
	return false
}
