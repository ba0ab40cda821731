// Package monitoring tracks the monitoring-expression ids a Version is
// alarmed under, so the remove-containers task can deregister them when
// the version's last container goes away. A Registrar is an interface so
// deployments without a monitoring backend can wire in a no-op.
package monitoring

import (
	"context"
	"fmt"

	"github.com/cuemby/moorage/pkg/broker"
)

// Registrar registers and deregisters a Version's monitoring alarms.
type Registrar interface {
	RegisterVersion(ctx context.Context, versionID string, expressionIDs []string) error
	DeregisterVersion(ctx context.Context, versionID string) error
}

func expressionKey(versionID string) string {
	return fmt.Sprintf("eru:falcon:version:%s:expression", versionID)
}

// BrokerRegistrar stores expression ids in the broker's set namespace, the
// same bookkeeping the original falcon integration used.
type BrokerRegistrar struct {
	broker broker.Broker
}

// NewBrokerRegistrar returns a Registrar backed by b.
func NewBrokerRegistrar(b broker.Broker) *BrokerRegistrar {
	return &BrokerRegistrar{broker: b}
}

func (r *BrokerRegistrar) RegisterVersion(ctx context.Context, versionID string, expressionIDs []string) error {
	key := expressionKey(versionID)
	if err := r.broker.Delete(ctx, key); err != nil {
		return err
	}
	for _, id := range expressionIDs {
		if err := r.broker.SAdd(ctx, key, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *BrokerRegistrar) DeregisterVersion(ctx context.Context, versionID string) error {
	return r.broker.Delete(ctx, expressionKey(versionID))
}

// NoopRegistrar discards every call; used when no monitoring backend is
// configured.
type NoopRegistrar struct{}

func (NoopRegistrar) RegisterVersion(ctx context.Context, versionID string, expressionIDs []string) error {
	return nil
}

func (NoopRegistrar) DeregisterVersion(ctx context.Context, versionID string) error {
	return nil
}
