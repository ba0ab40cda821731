package agentbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/moorage/pkg/errs"
	"github.com/cuemby/moorage/pkg/metrics"
	"github.com/cuemby/moorage/pkg/types"
)

// SynchronousBridge POSTs attach requests directly to each host's agent API
// and reads the JSON result array from the response body.
type SynchronousBridge struct {
	client *http.Client
	// agentURL builds the agent endpoint for a host, e.g.
	// "http://"+host.Addr+"/containers/<cid>/vlan".
	agentURL func(host types.Host, containerID string) string
}

// NewSynchronousBridge returns a Bridge that calls agentURL(host, cid) for
// every attach request.
func NewSynchronousBridge(agentURL func(host types.Host, containerID string) string) *SynchronousBridge {
	return &SynchronousBridge{
		client:   &http.Client{Timeout: 20 * time.Second},
		agentURL: agentURL,
	}
}

type attachRequestBody struct {
	TaskID string         `json:"task_id"`
	IPs    []ipRequestDTO `json:"ips"`
}

type ipRequestDTO struct {
	NID     int    `json:"nid"`
	Address string `json:"address"`
}

type attachResultDTO struct {
	Succ int    `json:"succ"`
	Veth string `json:"veth"`
}

func (b *SynchronousBridge) AttachVLANs(taskID string, host types.Host, containerID string, reqs []AttachRequest) ([]AttachResult, error) {
	ips := make([]ipRequestDTO, len(reqs))
	for i, r := range reqs {
		ips[i] = ipRequestDTO{NID: r.NetworkSeqID, Address: r.Address}
	}
	body, err := json.Marshal(attachRequestBody{TaskID: taskID, IPs: ips})
	if err != nil {
		return nil, &errs.AgentRejected{ContainerID: containerID, Reason: fmt.Sprintf("failed to encode request: %v", err)}
	}

	timer := metrics.NewTimer()
	ctx, cancel := context.WithTimeout(context.Background(), b.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.agentURL(host, containerID), bytes.NewReader(body))
	if err != nil {
		return nil, &errs.AgentRejected{ContainerID: containerID, Reason: fmt.Sprintf("failed to build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		metrics.AgentAttachAttempts.WithLabelValues("synchronous", "timeout").Inc()
		return nil, &errs.AgentTimeout{ContainerID: containerID}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.AgentAttachAttempts.WithLabelValues("synchronous", "rejected").Inc()
		return nil, &errs.AgentRejected{ContainerID: containerID, Reason: fmt.Sprintf("agent returned status %d", resp.StatusCode)}
	}

	var dtos []attachResultDTO
	if err := json.NewDecoder(resp.Body).Decode(&dtos); err != nil {
		metrics.AgentAttachAttempts.WithLabelValues("synchronous", "malformed").Inc()
		return nil, &errs.AgentRejected{ContainerID: containerID, Reason: fmt.Sprintf("failed to decode response: %v", err)}
	}

	results := make([]AttachResult, 0, len(dtos))
	for i, dto := range dtos {
		addr := ""
		if i < len(reqs) {
			addr = reqs[i].Address
		}
		if dto.Succ == 0 {
			metrics.AgentAttachAttempts.WithLabelValues("synchronous", "rejected").Inc()
			return results, &errs.AgentRejected{ContainerID: containerID, Reason: "agent reported failure for " + addr}
		}
		results = append(results, AttachResult{Success: true, ContainerID: containerID, Vethname: dto.Veth, Address: addr})
	}

	metrics.AgentAttachAttempts.WithLabelValues("synchronous", "success").Inc()
	metrics.AgentAttachDuration.WithLabelValues("synchronous").Observe(timer.Duration().Seconds())
	return results, nil
}

// AddContainer POSTs container's existence to host's agent. It's a
// fire-and-forget notification: a non-200 response is reported as an
// error but there is no result payload to interpret.
func (b *SynchronousBridge) AddContainer(host types.Host, container ContainerInfo) error {
	body, err := json.Marshal(container)
	if err != nil {
		return &errs.AgentRejected{ContainerID: container.ContainerID, Reason: fmt.Sprintf("failed to encode request: %v", err)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.client.Timeout)
	defer cancel()

	url := b.agentURL(host, container.ContainerID) + "/containers"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &errs.AgentRejected{ContainerID: container.ContainerID, Reason: fmt.Sprintf("failed to build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return &errs.AgentTimeout{ContainerID: container.ContainerID}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &errs.AgentRejected{ContainerID: container.ContainerID, Reason: fmt.Sprintf("agent returned status %d", resp.StatusCode)}
	}
	return nil
}
