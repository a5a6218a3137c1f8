package upstream

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueryError_UnwrapUnauthorized(t *testing.T) {
	err := fmt.Errorf("fetch: %w", &QueryError{StatusCode: 401})
	assert.ErrorIs(t, err, ErrUnauthorized)

	err = fmt.Errorf("fetch: %w", &QueryError{StatusCode: 503, Body: "maintenance"})
	assert.NotErrorIs(t, err, ErrUnauthorized)
	assert.NotContains(t, err.Error(), "maintenance")
}

func TestTransportError_Timeout(t *testing.T) {
	timeout := &TransportError{Op: "telemetry query", Err: fmt.Errorf("do: %w", context.DeadlineExceeded)}
	assert.True(t, timeout.Timeout())
	assert.Equal(t, "telemetry query timed out", timeout.Error())

	refused := &TransportError{Op: "login", Err: errors.New("connection refused")}
	assert.False(t, refused.Timeout())
	assert.Contains(t, refused.Error(), "connection refused")
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "upstream refresh failed with status 500", (&AuthError{Op: "refresh", StatusCode: 500}).Error())
	assert.Equal(t, "entity DEVICE/abc not found", (&EntityNotFoundError{EntityType: "DEVICE", EntityID: "abc"}).Error())
	assert.Equal(t, "upstream rejected the query: bad keys", (&BadRequestError{Message: "bad keys"}).Error())
	assert.Equal(t, "directory request failed with status 502", (&QueryError{Service: "directory", StatusCode: 502}).Error())
}
