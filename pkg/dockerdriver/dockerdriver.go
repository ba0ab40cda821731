// Package dockerdriver implements the Docker Driver: pull/build/push/remove
// image and container lifecycle operations against one or more Docker
// hosts. Every failure is wrapped as errs.DockerError; the caller decides
// whether that fails a whole task or just one container slot.
package dockerdriver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/cuemby/moorage/pkg/errs"
	"github.com/cuemby/moorage/pkg/log"
	"github.com/cuemby/moorage/pkg/metrics"
	"github.com/cuemby/moorage/pkg/types"
	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// Driver talks to the Docker daemon on each Host, caching one client per
// host address.
type Driver struct {
	mu      sync.Mutex
	clients map[string]*dockerclient.Client
}

// New returns an empty Driver. Clients are created lazily per host.
func New() *Driver {
	return &Driver{clients: make(map[string]*dockerclient.Client)}
}

func (d *Driver) clientFor(host types.Host) (*dockerclient.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cli, ok := d.clients[host.Addr]; ok {
		return cli, nil
	}

	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.WithHost(dockerDaemonURL(host.Addr)),
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client for %s: %w", host.Addr, err)
	}
	d.clients[host.Addr] = cli
	return cli, nil
}

func dockerDaemonURL(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return "tcp://" + addr
}

// PullImage streams pull log lines for repo:tag on host.
func (d *Driver) PullImage(ctx context.Context, host types.Host, repo, tag string) (<-chan string, error) {
	cli, err := d.clientFor(host)
	if err != nil {
		return nil, &errs.DockerError{Op: "pull_image", Err: err}
	}
	timer := metrics.NewTimer()
	ref := repo
	if tag != "" {
		ref += ":" + tag
	}
	reader, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		metrics.DockerCallFailures.WithLabelValues("pull_image").Inc()
		return nil, &errs.DockerError{Op: "pull_image", Err: err}
	}
	timer.ObserveDurationVec(metrics.DockerCallDuration, "pull_image")
	return streamLines(reader), nil
}

// BuildImage streams build log lines for an image built on host from
// buildCtx (a tar stream of the build context), using dockerfile within it
// and tagging the result tag.
func (d *Driver) BuildImage(ctx context.Context, host types.Host, buildCtx io.Reader, dockerfile, tag string) (<-chan string, error) {
	cli, err := d.clientFor(host)
	if err != nil {
		return nil, &errs.DockerError{Op: "build_image", Err: err}
	}
	timer := metrics.NewTimer()
	resp, err := cli.ImageBuild(ctx, buildCtx, dockertypes.ImageBuildOptions{
		Dockerfile: dockerfile,
		Tags:       []string{tag},
		Remove:     true,
	})
	if err != nil {
		metrics.DockerCallFailures.WithLabelValues("build_image").Inc()
		return nil, &errs.DockerError{Op: "build_image", Err: err}
	}
	timer.ObserveDurationVec(metrics.DockerCallDuration, "build_image")
	return streamLines(resp.Body), nil
}

// PushImage streams push log lines for tag on host. registryAuth is the
// base64-encoded Docker registry auth blob, already built by the caller
// (e.g. via common auth helpers); empty means anonymous push.
func (d *Driver) PushImage(ctx context.Context, host types.Host, tag, registryAuth string) (<-chan string, error) {
	cli, err := d.clientFor(host)
	if err != nil {
		return nil, &errs.DockerError{Op: "push_image", Err: err}
	}
	timer := metrics.NewTimer()
	reader, err := cli.ImagePush(ctx, tag, image.PushOptions{RegistryAuth: registryAuth})
	if err != nil {
		metrics.DockerCallFailures.WithLabelValues("push_image").Inc()
		return nil, &errs.DockerError{Op: "push_image", Err: err}
	}
	timer.ObserveDurationVec(metrics.DockerCallDuration, "push_image")
	return streamLines(reader), nil
}

// RemoveImage removes version's image on host.
func (d *Driver) RemoveImage(ctx context.Context, host types.Host, imageURL string) error {
	cli, err := d.clientFor(host)
	if err != nil {
		return &errs.DockerError{Op: "remove_image", Err: err}
	}
	timer := metrics.NewTimer()
	_, err = cli.ImageRemove(ctx, imageURL, image.RemoveOptions{Force: true})
	timer.ObserveDurationVec(metrics.DockerCallDuration, "remove_image")
	if err != nil {
		metrics.DockerCallFailures.WithLabelValues("remove_image").Inc()
		return &errs.DockerError{Op: "remove_image", Err: err}
	}
	return nil
}

// CreateParams are the computed inputs to CreateOneContainer: cores/ports
// are already reserved by pkg/ledger, cpuShares already computed per §4.7.
type CreateParams struct {
	Image       string
	Name        string
	Entrypoint  string
	Env         []string
	Args        []string
	Cores       []types.Core
	Ports       []types.Port
	PortSpecs   []types.PortSpec
	CPUShares   int64
	NeedNetwork bool // true: skip Docker-native networking, MACVLAN attaches later
}

// CreateOneContainer creates and starts one container on host per params.
func (d *Driver) CreateOneContainer(ctx context.Context, host types.Host, p CreateParams) (containerID string, containerName string, err error) {
	cli, clientErr := d.clientFor(host)
	if clientErr != nil {
		return "", "", &errs.DockerError{Op: "create_container", Err: clientErr}
	}

	cfg := &container.Config{
		Image: p.Image,
		Env:   p.Env,
		Cmd:   append([]string{p.Entrypoint}, p.Args...),
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			CpusetCpus: cpusetFromCores(p.Cores),
			CPUShares:  p.CPUShares,
		},
		PortBindings: portBindings(p.PortSpecs, p.Ports),
	}
	if p.NeedNetwork {
		hostCfg.NetworkMode = "none"
	}

	timer := metrics.NewTimer()
	resp, err := cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, p.Name)
	if err != nil {
		metrics.DockerCallFailures.WithLabelValues("create_container").Inc()
		return "", "", &errs.DockerError{Op: "create_container", Err: err}
	}

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		metrics.DockerCallFailures.WithLabelValues("create_container").Inc()
		return "", "", &errs.DockerError{Op: "start_container", Err: err}
	}
	timer.ObserveDurationVec(metrics.DockerCallDuration, "create_container")
	metrics.ContainersCreated.Inc()

	return resp.ID, p.Name, nil
}

// RemoveHostContainers force-removes every container in containers on host.
func (d *Driver) RemoveHostContainers(ctx context.Context, host types.Host, containers []types.Container) error {
	ids := make([]string, len(containers))
	for i, c := range containers {
		ids[i] = c.ID
	}
	return d.RemoveContainerByCID(ctx, host, ids)
}

// RemoveContainerByCID force-removes each container id in cids on host.
// Failures on individual ids are logged and collected; the first is
// returned wrapped as DockerError.
func (d *Driver) RemoveContainerByCID(ctx context.Context, host types.Host, cids []string) error {
	cli, err := d.clientFor(host)
	if err != nil {
		return &errs.DockerError{Op: "remove_container", Err: err}
	}

	var firstErr error
	for _, cid := range cids {
		timer := metrics.NewTimer()
		err := cli.ContainerRemove(ctx, cid, container.RemoveOptions{Force: true})
		timer.ObserveDurationVec(metrics.DockerCallDuration, "remove_container")
		if err != nil {
			metrics.DockerCallFailures.WithLabelValues("remove_container").Inc()
			log.WithContainer(cid).Error().Err(err).Msg("failed to remove container")
			if firstErr == nil {
				firstErr = &errs.DockerError{Op: "remove_container", Err: err}
			}
		}
	}
	return firstErr
}

func cpusetFromCores(cores []types.Core) string {
	labels := make([]string, len(cores))
	for i, c := range cores {
		labels[i] = c.Label
	}
	return strings.Join(labels, ",")
}

func portBindings(specs []types.PortSpec, ports []types.Port) nat.PortMap {
	bindings := nat.PortMap{}
	for i, spec := range specs {
		proto := spec.Protocol
		if proto == "" {
			proto = "tcp"
		}
		containerPort, err := nat.NewPort(proto, strconv.Itoa(spec.ContainerPort))
		if err != nil {
			continue
		}
		hostPort := spec.HostPort
		if i < len(ports) {
			hostPort = ports[i].Number
		}
		bindings[containerPort] = []nat.PortBinding{{HostPort: strconv.Itoa(hostPort)}}
	}
	return bindings
}

// streamLines turns a Docker API response body into a channel of log
// lines, closing the body once drained.
func streamLines(body io.ReadCloser) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		defer body.Close()
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			out <- scanner.Text()
		}
	}()
	return out
}
