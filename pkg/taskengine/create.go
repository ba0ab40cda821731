package taskengine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cuemby/moorage/pkg/agentbridge"
	"github.com/cuemby/moorage/pkg/dockerdriver"
	"github.com/cuemby/moorage/pkg/log"
	"github.com/cuemby/moorage/pkg/metrics"
	"github.com/cuemby/moorage/pkg/notifier"
	"github.com/cuemby/moorage/pkg/types"
	"github.com/google/uuid"
)

// coreChunk is one container slot's share of the task's pre-reserved cores.
type coreChunk struct {
	Full []types.Core
	Part []types.Core
}

func ceilDiv(total, n int) int {
	if n <= 0 {
		return 0
	}
	return (total + n - 1) / n
}

func sliceCores(cores []types.Core, slot, chunk int) []types.Core {
	if chunk <= 0 {
		return nil
	}
	start := slot * chunk
	if start >= len(cores) {
		return nil
	}
	end := start + chunk
	if end > len(cores) {
		end = len(cores)
	}
	return cores[start:end]
}

// iterCores splits full and part into ncontainer roughly-equal chunks each,
// via ceiling division so that a count that doesn't divide evenly still
// produces exactly ncontainer slots instead of silently dropping a
// remainder. When both are empty, every slot gets a (nil, nil) pair.
func iterCores(full, part []types.Core, ncontainer int) []coreChunk {
	if ncontainer <= 0 {
		return nil
	}
	out := make([]coreChunk, ncontainer)
	if len(full) == 0 && len(part) == 0 {
		return out
	}
	fullChunk := ceilDiv(len(full), ncontainer)
	partChunk := ceilDiv(len(part), ncontainer)
	for i := 0; i < ncontainer; i++ {
		out[i] = coreChunk{
			Full: sliceCores(full, i, fullChunk),
			Part: sliceCores(part, i, partChunk),
		}
	}
	return out
}

func backendsForContainer(host *types.Host, ports []types.PortSpec) []string {
	hostIP := host.Addr
	if i := strings.Index(hostIP, ":"); i >= 0 {
		hostIP = hostIP[:i]
	}
	out := make([]string, 0, len(ports))
	for _, p := range ports {
		out = append(out, fmt.Sprintf("%s:%d", hostIP, p.HostPort))
	}
	return out
}

func containersMetaKey(hostName string) string {
	return fmt.Sprintf("eru:agent:%s:containers:meta", hostName)
}

func routeChannel(hostName string) string {
	return fmt.Sprintf("eru:agent:%s:route", hostName)
}

// CreateContainers runs the create-with-MACVLAN task (§4.7.2): place
// ncontainer containers across the task's pre-reserved core chunks, attach
// each to every requested network, and register the survivors for service
// discovery and monitoring. A per-slot failure (create, attach) only costs
// that slot; it never aborts the whole task.
func (e *Engine) CreateContainers(ctx context.Context, taskID string) error {
	logger := log.WithTaskID(taskID)

	task, err := e.tasks.Get(taskID)
	if err != nil {
		logger.Error().Err(err).Msg("task not found, quit")
		return nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TaskDuration, string(types.TaskCreateContainer))

	host, err := e.store.GetHost(task.HostID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load host")
		return nil
	}
	version, err := e.store.GetVersion(task.VersionID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load version")
		return nil
	}
	app, err := e.store.GetApp(task.AppID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load app")
		return nil
	}

	p := task.Props
	n := notifier.New(e.broker, taskID)

	var networks []types.Network
	for _, id := range p.NetworkIDs {
		nw, err := e.store.GetNetwork(id)
		if err != nil {
			logger.Error().Err(err).Str("network_id", id).Msg("failed to load network, skipping")
			continue
		}
		networks = append(networks, *nw)
	}
	needNetwork := len(networks) > 0

	cpuShares := int64(1024)
	if p.NShare != 0 && p.CoreShare > 0 {
		cpuShares = int64(math.Round(float64(p.NShare) / p.CoreShare * 1024))
	}

	logger.Info().Str("host", host.Addr).Int("ncontainer", p.NContainer).Msg("create task started")

	var cids []string
	var allBackends []string

	for slot, chunk := range iterCores(p.CoresFull, p.CoresPart, p.NContainer) {
		cores := append(append([]types.Core{}, chunk.Full...), chunk.Part...)
		cname := fmt.Sprintf("%s_%s_%d_%s", app.Name, version.ShortSHA(), slot, uuid.NewString()[:8])

		cid, cname, err := e.docker.CreateOneContainer(ctx, *host, dockerdriver.CreateParams{
			Image:       p.Image,
			Name:        cname,
			Entrypoint:  p.Entrypoint,
			Env:         p.Env,
			Args:        p.Args,
			Cores:       cores,
			PortSpecs:   p.Ports,
			CPUShares:   cpuShares,
			NeedNetwork: needNetwork,
		})
		if err != nil {
			logger.Warn().Err(err).Int("slot", slot).Msg("failed to create container, releasing cores")
			if relErr := e.ledger.ReleaseCores(chunk.Full, p.NShare); relErr != nil {
				logger.Error().Err(relErr).Msg("failed to release full cores after create failure")
			}
			if relErr := e.ledger.ReleaseCores(chunk.Part, p.NShare); relErr != nil {
				logger.Error().Err(relErr).Msg("failed to release part cores after create failure")
			}
			metrics.ContainerSlotFailures.Inc()
			continue
		}

		ips := e.acquireIPs(networks, p.SpecIPs, cid)
		ipByAddress := make(map[string]*types.IP, len(ips))
		for _, ip := range ips {
			ipByAddress[ip.Address] = ip
		}

		var results []agentbridge.AttachResult
		var attachErr error
		if len(ips) > 0 {
			reqs := make([]agentbridge.AttachRequest, len(ips))
			for i, ip := range ips {
				reqs[i] = agentbridge.AttachRequest{NetworkSeqID: ip.VLANSeqID, Address: ip.Address}
			}
			results, attachErr = e.bridge.AttachVLANs(uuid.NewString(), *host, cid, reqs)
		}

		if attachErr != nil {
			logger.Warn().Err(attachErr).Str("cid", cid).Msg("attach failed, cleaning up container")
			if rmErr := e.docker.RemoveContainerByCID(ctx, *host, []string{cid}); rmErr != nil {
				logger.Error().Err(rmErr).Msg("failed to remove container after attach failure")
			}
			if relErr := e.ledger.ReleaseCores(chunk.Full, p.NShare); relErr != nil {
				logger.Error().Err(relErr).Msg("failed to release full cores after attach failure")
			}
			if relErr := e.ledger.ReleaseCores(chunk.Part, p.NShare); relErr != nil {
				logger.Error().Err(relErr).Msg("failed to release part cores after attach failure")
			}
			for _, ip := range ips {
				if relErr := e.ippool.Release(*ip); relErr != nil {
					logger.Error().Err(relErr).Msg("failed to release ip after attach failure")
				}
			}
			metrics.ContainerSlotFailures.Inc()
			continue
		}

		for _, r := range results {
			ip := ipByAddress[r.Address]
			if ip == nil {
				continue
			}
			if err := e.ippool.AssignToContainer(*ip, r.Vethname); err != nil {
				logger.Error().Err(err).Msg("failed to record vethname")
			}
			if p.Route != "" {
				if err := e.broker.Publish(ctx, routeChannel(host.Name), fmt.Sprintf("%s|%s", r.ContainerID, p.Route)); err != nil {
					logger.Error().Err(err).Msg("failed to publish route")
				}
			}
		}

		backends := backendsForContainer(host, p.Ports)
		container := types.Container{
			ID: cid, HostID: host.ID, VersionID: version.ID, AppID: app.ID,
			Name: cname, Entrypoint: p.Entrypoint, CreatedAt: time.Now(), IsAlive: true,
			Backends: backends,
		}
		if err := e.store.CreateContainer(&container); err != nil {
			logger.Error().Err(err).Msg("failed to persist container")
		}

		if err := e.bridge.AddContainer(*host, agentbridge.ContainerInfo{
			ContainerID: cid, Name: cname, Entrypoint: p.Entrypoint, AppID: app.ID, VersionID: version.ID,
		}); err != nil {
			logger.Error().Err(err).Msg("failed to notify agent of new container")
		}

		meta := containerMeta{ContainerID: cid, Name: cname, Entrypoint: p.Entrypoint, AppID: app.ID, VersionID: version.ID}
		if metaJSON, err := json.Marshal(meta); err == nil {
			if err := e.broker.HSet(ctx, containersMetaKey(host.Name), cid, string(metaJSON)); err != nil {
				logger.Error().Err(err).Msg("failed to publish agent meta")
			}
		}

		if err := e.discovery.Register(ctx, app.Name, p.Entrypoint, backends); err != nil {
			logger.Error().Err(err).Msg("failed to register service discovery backends")
		}

		if err := e.tasks.AppendContainerID(taskID, cid); err != nil {
			logger.Error().Err(err).Msg("failed to append container id")
		}

		cids = append(cids, cid)
		allBackends = append(allBackends, backends...)
	}

	if p.HealthCheck != "" && len(allBackends) > 0 {
		for _, b := range allBackends {
			result := e.newChecker("http://" + b + p.HealthCheck).Check(ctx)
			if !result.Healthy {
				logger.Warn().Str("backend", b).Str("message", result.Message).Msg("post-deploy health check failed")
				if ferr := e.tasks.Finish(taskID, types.TaskFailed, "health check failed"); ferr != nil {
					logger.Error().Err(ferr).Msg("failed to finish task")
				}
				if perr := n.PubFail(ctx); perr != nil {
					logger.Error().Err(perr).Msg("failed to publish failure")
				}
				return nil
			}
		}
	}

	if err := e.discovery.PublishChanged(ctx, []string{app.Name}); err != nil {
		logger.Error().Err(err).Msg("failed to publish service discovery change")
	}

	if err := e.tasks.Finish(taskID, types.TaskSuccess, "ok"); err != nil {
		logger.Error().Err(err).Msg("failed to finish task")
	}
	if err := n.PubSuccess(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to publish success")
	}

	expressionID := fmt.Sprintf("version:%s", version.ID)
	if err := e.monitoring.RegisterVersion(ctx, version.ID, []string{expressionID}); err != nil {
		logger.Error().Err(err).Msg("failed to register monitoring alarms")
	}

	logger.Info().Strs("cids", cids).Msg("create task done")
	return nil
}

// acquireIPs draws one address per network, either from specIPs (zipped
// against networks in order) or arbitrarily, dropping any network that
// failed to yield an address rather than failing the whole slot.
func (e *Engine) acquireIPs(networks []types.Network, specIPs []string, containerID string) []*types.IP {
	var ips []*types.IP
	if len(specIPs) > 0 {
		for i, nw := range networks {
			if i >= len(specIPs) {
				break
			}
			ip, err := e.ippool.AcquireSpecificIP(nw.ID, specIPs[i], containerID)
			if err != nil || ip == nil {
				continue
			}
			ips = append(ips, ip)
		}
		return ips
	}
	for _, nw := range networks {
		ip, err := e.ippool.AcquireIP(nw.ID, containerID)
		if err != nil || ip == nil {
			continue
		}
		ips = append(ips, ip)
	}
	return ips
}
