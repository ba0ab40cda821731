package agentbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/moorage/pkg/broker"
	"github.com/cuemby/moorage/pkg/errs"
	"github.com/cuemby/moorage/pkg/metrics"
	"github.com/cuemby/moorage/pkg/types"
)

const feedbackTimeout = 15 * time.Second

// BroadcastBridge publishes attach requests to the per-host vlan channel
// and waits for per-IP results on a per-task feedback queue.
type BroadcastBridge struct {
	broker broker.Broker
}

// NewBroadcastBridge returns a Bridge backed by b.
func NewBroadcastBridge(b broker.Broker) *BroadcastBridge {
	return &BroadcastBridge{broker: b}
}

func vlanChannel(hostName string) string {
	return fmt.Sprintf("eru:agent:%s:vlan", hostName)
}

func feedbackKey(taskID string) string {
	return fmt.Sprintf("eru:agent:%s:feedback", taskID)
}

func containersAddChannel(hostName string) string {
	return fmt.Sprintf("eru:agent:%s:containers:add", hostName)
}

func (b *BroadcastBridge) AttachVLANs(taskID string, host types.Host, containerID string, reqs []AttachRequest) ([]AttachResult, error) {
	ctx := context.Background()
	key := feedbackKey(taskID)
	defer func() { _ = b.broker.Delete(ctx, key) }()

	parts := []string{taskID, containerID}
	for _, r := range reqs {
		parts = append(parts, fmt.Sprintf("%d:%s", r.NetworkSeqID, r.Address))
	}
	message := strings.Join(parts, "|")

	timer := metrics.NewTimer()
	if err := b.broker.Publish(ctx, vlanChannel(host.Name), message); err != nil {
		metrics.AgentAttachAttempts.WithLabelValues("broadcast", "broker_unavailable").Inc()
		return nil, &errs.BrokerUnavailable{Err: err}
	}

	results := make([]AttachResult, 0, len(reqs))
	for range reqs {
		kv, err := b.broker.BLPop(ctx, key, feedbackTimeout)
		if err != nil {
			metrics.AgentAttachAttempts.WithLabelValues("broadcast", "broker_unavailable").Inc()
			return results, &errs.BrokerUnavailable{Err: err}
		}
		if kv == nil {
			metrics.AgentAttachAttempts.WithLabelValues("broadcast", "timeout").Inc()
			return results, &errs.AgentTimeout{ContainerID: containerID}
		}

		fields := strings.SplitN(kv.Value, "|", 4)
		if len(fields) != 4 {
			metrics.AgentAttachAttempts.WithLabelValues("broadcast", "malformed").Inc()
			return results, &errs.AgentRejected{ContainerID: containerID, Reason: "malformed feedback: " + kv.Value}
		}
		succ, cid, veth, addr := fields[0], fields[1], fields[2], fields[3]

		if succ != "1" {
			metrics.AgentAttachAttempts.WithLabelValues("broadcast", "rejected").Inc()
			return results, &errs.AgentRejected{ContainerID: containerID, Reason: "agent reported failure for " + addr}
		}

		results = append(results, AttachResult{Success: true, ContainerID: cid, Vethname: veth, Address: addr})
	}

	metrics.AgentAttachAttempts.WithLabelValues("broadcast", "success").Inc()
	metrics.AgentAttachDuration.WithLabelValues("broadcast").Observe(timer.Duration().Seconds())
	return results, nil
}

// AddContainer publishes container's existence to host's agent. It's a
// fire-and-forget notification, not a request/feedback round trip like
// AttachVLANs: the agent has nothing to veto here.
func (b *BroadcastBridge) AddContainer(host types.Host, container ContainerInfo) error {
	payload, err := json.Marshal(container)
	if err != nil {
		return fmt.Errorf("encode container info: %w", err)
	}
	if err := b.broker.Publish(context.Background(), containersAddChannel(host.Name), string(payload)); err != nil {
		return &errs.BrokerUnavailable{Err: err}
	}
	return nil
}
