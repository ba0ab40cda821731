// Package agentbridge implements the Agent Bridge: requesting MACVLAN
// attachment from the out-of-band per-host agent over one of two
// transports, and reporting each requested address's success/failure back
// to the task engine.
package agentbridge

import (
	"github.com/cuemby/moorage/pkg/types"
)

// AttachRequest is one address to attach on a host-local network.
type AttachRequest struct {
	NetworkSeqID int
	Address      string
}

// AttachResult is the agent's verdict for one requested address.
type AttachResult struct {
	Success     bool
	ContainerID string
	Vethname    string
	Address     string
}

// ContainerInfo is what AddContainer reports to a host's agent: the
// container's identity and the app/version it belongs to, matching the
// fields the original add_container RPC carried.
type ContainerInfo struct {
	ContainerID string
	Name        string
	Entrypoint  string
	AppID       string
	VersionID   string
}

// Bridge requests MACVLAN attachment for a container from its host's agent
// and notifies that agent of containers as they come into existence.
type Bridge interface {
	// AttachVLANs asks the agent on host to attach each of reqs to
	// containerID, returning one AttachResult per req in request order (or
	// fewer, if the agent aborted partway through).
	AttachVLANs(taskID string, host types.Host, containerID string, reqs []AttachRequest) ([]AttachResult, error)

	// AddContainer tells host's agent that container now exists. Unlike
	// AttachVLANs it is one-way: the engine doesn't wait on a verdict, it
	// only logs a failure to notify.
	AddContainer(host types.Host, container ContainerInfo) error
}
