package agentbridge

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/moorage/pkg/broker"
	"github.com/cuemby/moorage/pkg/errs"
	"github.com/cuemby/moorage/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestBroadcastBridgeSuccess(t *testing.T) {
	mem := broker.NewMemBroker()
	bridge := NewBroadcastBridge(mem)
	host := types.Host{Name: "host1"}

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = mem.RPush(context.Background(), "eru:agent:task1:feedback", "1|cid1|veth0|10.0.0.5")
	}()

	results, err := bridge.AttachVLANs("task1", host, "cid1", []AttachRequest{{NetworkSeqID: 1, Address: "10.0.0.5"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
	require.Equal(t, "veth0", results[0].Vethname)
}

func TestBroadcastBridgeRejectedOnFailureMarker(t *testing.T) {
	mem := broker.NewMemBroker()
	bridge := NewBroadcastBridge(mem)
	host := types.Host{Name: "host1"}

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = mem.RPush(context.Background(), "eru:agent:task2:feedback", "0|cid1||10.0.0.5")
	}()

	_, err := bridge.AttachVLANs("task2", host, "cid1", []AttachRequest{{NetworkSeqID: 1, Address: "10.0.0.5"}})
	require.Error(t, err)
	var rejected *errs.AgentRejected
	require.ErrorAs(t, err, &rejected)
}

type fakeBridge struct {
	failuresBeforeSuccess int
	calls                 int
}

func (f *fakeBridge) AttachVLANs(taskID string, host types.Host, containerID string, reqs []AttachRequest) ([]AttachResult, error) {
	f.calls++
	if f.calls <= f.failuresBeforeSuccess {
		return nil, &errs.AgentTimeout{ContainerID: containerID}
	}
	return []AttachResult{{Success: true, ContainerID: containerID}}, nil
}

func (f *fakeBridge) AddContainer(host types.Host, container ContainerInfo) error {
	return nil
}

func TestRetryBridgeSucceedsAfterTransientFailures(t *testing.T) {
	fb := &fakeBridge{failuresBeforeSuccess: 2}
	rb := WithRetry(fb)

	results, err := rb.AttachVLANs("t1", types.Host{}, "cid1", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, 3, fb.calls)
}

func TestRetryBridgeGivesUpAfterMaxAttempts(t *testing.T) {
	fb := &fakeBridge{failuresBeforeSuccess: maxAttachAttempts + 1}
	rb := WithRetry(fb)

	_, err := rb.AttachVLANs("t1", types.Host{}, "cid1", nil)
	require.Error(t, err)
	require.Equal(t, maxAttachAttempts, fb.calls)
}

func TestRetryBridgeNeverRetriesOnFullSuccess(t *testing.T) {
	fb := &fakeBridge{failuresBeforeSuccess: 0}
	rb := WithRetry(fb)

	_, err := rb.AttachVLANs("t1", types.Host{}, "cid1", nil)
	require.NoError(t, err)
	require.Equal(t, 1, fb.calls)
}
