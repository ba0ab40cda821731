package dockerdriver

import (
	"testing"

	"github.com/cuemby/moorage/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestCpusetFromCores(t *testing.T) {
	cores := []types.Core{{Label: "0"}, {Label: "1"}, {Label: "3"}}
	require.Equal(t, "0,1,3", cpusetFromCores(cores))
}

func TestCpusetFromCoresEmpty(t *testing.T) {
	require.Equal(t, "", cpusetFromCores(nil))
}

func TestPortBindingsMapsContainerToHostPort(t *testing.T) {
	specs := []types.PortSpec{{ContainerPort: 8080, Protocol: "tcp"}}
	ports := []types.Port{{Number: 30001}}

	bindings := portBindings(specs, ports)
	require.Len(t, bindings, 1)

	for port, bs := range bindings {
		require.Equal(t, "8080/tcp", string(port))
		require.Len(t, bs, 1)
		require.Equal(t, "30001", bs[0].HostPort)
	}
}

func TestPortBindingsDefaultsToSpecHostPortWhenNoReservation(t *testing.T) {
	specs := []types.PortSpec{{ContainerPort: 8080, HostPort: 9090, Protocol: "udp"}}

	bindings := portBindings(specs, nil)
	require.Len(t, bindings, 1)
	for port, bs := range bindings {
		require.Equal(t, "8080/udp", string(port))
		require.Equal(t, "9090", bs[0].HostPort)
	}
}

func TestDockerDaemonURLAddsScheme(t *testing.T) {
	require.Equal(t, "tcp://10.0.0.1:2375", dockerDaemonURL("10.0.0.1:2375"))
	require.Equal(t, "unix:///var/run/docker.sock", dockerDaemonURL("unix:///var/run/docker.sock"))
}
