package asr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/scribeworks/scribed/cmd/scribed/internal/pipeline"
)

// classifyStatus maps an HTTP status to the pipeline's error taxonomy.
// The split matters: transient kinds re-enter the backoff loop, permanent
// kinds fail the segment on the spot.
func classifyStatus(status int, body string) error {
	err := fmt.Errorf("service returned status %d: %s", status, body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return pipeline.Permanent(pipeline.ErrKindAuth, err)
	case status == http.StatusTooManyRequests:
		return pipeline.Transient(pipeline.ErrKindRateLimit, err)
	case status == http.StatusBadRequest ||
		status == http.StatusRequestEntityTooLarge ||
		status == http.StatusUnsupportedMediaType ||
		status == http.StatusUnprocessableEntity:
		return pipeline.Permanent(pipeline.ErrKindMalformed, err)
	case status == http.StatusPaymentRequired:
		return pipeline.Permanent(pipeline.ErrKindQuota, err)
	case status >= http.StatusInternalServerError:
		return pipeline.Transient(pipeline.ErrKindServer, err)
	default:
		return pipeline.Permanent(pipeline.ErrKindUnknown, err)
	}
}

// classifyTransportError maps connection-level failures. Timeouts and
// refused connections are transient: the service may come back.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return pipeline.Transient(pipeline.ErrKindTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return pipeline.Transient(pipeline.ErrKindTimeout, err)
	}
	return pipeline.Transient(pipeline.ErrKindNetwork, err)
}
