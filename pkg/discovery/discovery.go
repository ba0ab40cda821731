// Package discovery implements the Service Discovery Publisher: per-app,
// per-entrypoint backend sets that downstream consumers (load balancers,
// service meshes) read to route traffic to live containers.
package discovery

import (
	"context"
	"fmt"

	"github.com/cuemby/moorage/pkg/broker"
)

const publishedChannel = "eru:discovery:published"

// Publisher registers and deregisters container backends in the broker's
// app/entrypoint key namespace.
type Publisher struct {
	broker broker.Broker
}

// New returns a Publisher backed by b.
func New(b broker.Broker) *Publisher {
	return &Publisher{broker: b}
}

func appKey(appName string) string {
	return fmt.Sprintf("eru:app:%s:backends", appName)
}

func entrypointKey(appName, entrypoint string) string {
	return fmt.Sprintf("eru:app:%s:entrypoint:%s:backends", appName, entrypoint)
}

// Register writes the app->entrypoint mapping (idempotent) and adds each
// backend endpoint ("host:port") to the entrypoint's set.
func (p *Publisher) Register(ctx context.Context, appName, entrypoint string, backends []string) error {
	ek := entrypointKey(appName, entrypoint)
	if err := p.broker.HSet(ctx, appKey(appName), entrypoint, ek); err != nil {
		return err
	}
	for _, b := range backends {
		if err := p.broker.SAdd(ctx, ek, b); err != nil {
			return err
		}
	}
	return nil
}

// Deregister removes backends from the entrypoint's set, leaving the
// app->entrypoint mapping in place so consumers can observe the now-empty
// set rather than a missing key.
func (p *Publisher) Deregister(ctx context.Context, appName, entrypoint string, backends []string) error {
	ek := entrypointKey(appName, entrypoint)
	for _, b := range backends {
		if err := p.broker.SRem(ctx, ek, b); err != nil {
			return err
		}
	}
	return nil
}

// Backends returns the current backend set for appName's entrypoint.
func (p *Publisher) Backends(ctx context.Context, appName, entrypoint string) ([]string, error) {
	return p.broker.SMembers(ctx, entrypointKey(appName, entrypoint))
}

// PublishChanged fans out one eru:discovery:published event per distinct
// appname in appNames.
func (p *Publisher) PublishChanged(ctx context.Context, appNames []string) error {
	seen := make(map[string]bool, len(appNames))
	for _, name := range appNames {
		if seen[name] {
			continue
		}
		seen[name] = true
		if err := p.broker.Publish(ctx, publishedChannel, name); err != nil {
			return err
		}
	}
	return nil
}
