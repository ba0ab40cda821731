// Package notifier implements the Notifier: per-task result/log/pub
// channels derived from the task id, used by the task engine to stream
// build output and announce terminal status.
package notifier

import (
	"context"
	"fmt"

	"github.com/cuemby/moorage/pkg/broker"
)

const buildFinishMarker = "build-finish"

const (
	resultSuccess = "SUCCESS"
	resultFailed  = "FAILED"
)

// Notifier is bound to one task id.
type Notifier struct {
	broker     broker.Broker
	resultKey  string
	logKey     string
	publishKey string
}

// New returns a Notifier for taskID.
func New(b broker.Broker, taskID string) *Notifier {
	return &Notifier{
		broker:     b,
		resultKey:  fmt.Sprintf("eru:task:%s:result", taskID),
		logKey:     fmt.Sprintf("eru:task:%s:log", taskID),
		publishKey: fmt.Sprintf("eru:task:%s:pub", taskID),
	}
}

// PubSuccess publishes the terminal success sentinel on the result key.
func (n *Notifier) PubSuccess(ctx context.Context) error {
	return n.broker.Publish(ctx, n.resultKey, resultSuccess)
}

// PubFail publishes the terminal failure sentinel on the result key.
func (n *Notifier) PubFail(ctx context.Context) error {
	return n.broker.Publish(ctx, n.resultKey, resultFailed)
}

// PubBuildFinish publishes the build-finish marker unconditionally; build
// tasks send this whether they succeeded or failed.
func (n *Notifier) PubBuildFinish(ctx context.Context) error {
	return n.broker.Publish(ctx, n.publishKey, buildFinishMarker)
}

// StoreAndBroadcast drains lines, right-pushing each to the log key and
// publishing each to the publish key, and returns the last line seen (or
// "" if lines was empty).
func (n *Notifier) StoreAndBroadcast(ctx context.Context, lines <-chan string) (string, error) {
	last := ""
	for line := range lines {
		if err := n.broker.RPush(ctx, n.logKey, line); err != nil {
			return last, err
		}
		if err := n.broker.Publish(ctx, n.publishKey, line); err != nil {
			return last, err
		}
		last = line
	}
	return last, nil
}

// StoredLogs returns every line previously stored via StoreAndBroadcast.
func (n *Notifier) StoredLogs(ctx context.Context) ([]string, error) {
	return n.broker.LRange(ctx, n.logKey, 0, -1)
}
