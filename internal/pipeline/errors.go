package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderRejected    = errors.New("provider rejected request")
	ErrTaskFailed          = errors.New("provider task failed")
	ErrStageTimeout        = errors.New("stage timed out")
	ErrSourceUnavailable   = errors.New("source media unavailable")
)

// ClassifyTransport maps transport-level errors to sentinel errors.
func ClassifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStageTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrStageTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}
