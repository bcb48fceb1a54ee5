package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusFollowsWrappedErrors(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("verify: %w", ErrAuthentication): http.StatusUnauthorized,
		fmt.Errorf("join 42: %w", ErrForbidden):     http.StatusForbidden,
		fmt.Errorf("message: %w", ErrNotFound):      http.StatusNotFound,
		fmt.Errorf("edit: %w", ErrConflict):         http.StatusConflict,
		fmt.Errorf("lock: %w", ErrTimeout):          http.StatusGatewayTimeout,
		context.DeadlineExceeded:                    http.StatusGatewayTimeout,
		fmt.Errorf("append: %w", ErrTransientStore): http.StatusServiceUnavailable,
		fmt.Errorf("body: %w", ErrValidation):       http.StatusBadRequest,
		errors.New("boom"):                          http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, HTTPStatus(err), err.Error())
	}
	assert.Equal(t, http.StatusOK, HTTPStatus(nil))
}

func TestCodeAndRetryable(t *testing.T) {
	assert.Equal(t, "conflict", Code(fmt.Errorf("x: %w", ErrConflict)))
	assert.Equal(t, "internal", Code(errors.New("boom")))
	assert.True(t, Retryable(fmt.Errorf("x: %w", ErrTimeout)))
	assert.True(t, Retryable(ErrTransientStore))
	assert.False(t, Retryable(ErrForbidden))
}
