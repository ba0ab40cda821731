package agentbridge

import (
	"github.com/cuemby/moorage/pkg/log"
	"github.com/cuemby/moorage/pkg/types"
)

const maxAttachAttempts = 5

// RetryBridge wraps a Bridge, making up to maxAttachAttempts attach attempts
// in total whenever the underlying attach did not fully succeed (any error
// at all). It never retries on a fully successful result. AddContainer is
// passed through to the wrapped Bridge without retry.
type RetryBridge struct {
	inner Bridge
}

// WithRetry wraps inner in a retry policy.
func WithRetry(inner Bridge) *RetryBridge {
	return &RetryBridge{inner: inner}
}

func (b *RetryBridge) AttachVLANs(taskID string, host types.Host, containerID string, reqs []AttachRequest) ([]AttachResult, error) {
	var lastErr error
	var lastResults []AttachResult

	for attempt := 1; attempt <= maxAttachAttempts; attempt++ {
		results, err := b.inner.AttachVLANs(taskID, host, containerID, reqs)
		if err == nil {
			return results, nil
		}
		lastErr, lastResults = err, results
		log.WithContainer(containerID).Warn().
			Err(err).
			Int("attempt", attempt).
			Msg("agent attach attempt failed")
	}
	return lastResults, lastErr
}

func (b *RetryBridge) AddContainer(host types.Host, container ContainerInfo) error {
	return b.inner.AddContainer(host, container)
}
