package taskengine

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/moorage/pkg/log"
	"github.com/cuemby/moorage/pkg/metrics"
	"github.com/cuemby/moorage/pkg/notifier"
	"github.com/cuemby/moorage/pkg/types"
	"github.com/rs/zerolog"
)

func containerFlagKey(containerID string) string {
	return fmt.Sprintf("eru:agent:%s:container:flag", containerID)
}

// RemoveContainers runs the remove-containers task (§4.7.3): deregister
// service discovery for the removed containers' entrypoints, let
// downstream consumers settle for a few seconds, then actually remove the
// containers from Docker and release their reserved resources.
func (e *Engine) RemoveContainers(ctx context.Context, taskID string) error {
	logger := log.WithTaskID(taskID)

	task, err := e.tasks.Get(taskID)
	if err != nil {
		logger.Error().Err(err).Msg("task not found, quit")
		return nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TaskDuration, string(types.TaskRemoveContainer))

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

	n := notifier.New(e.broker, taskID)

	var containers []types.Container
	for _, cid := range task.Props.Cids {
		c, err := e.store.GetContainer(cid)
		if err != nil {
			logger.Warn().Err(err).Str("cid", cid).Msg("container not found, skipping")
			continue
		}
		containers = append(containers, *c)
	}

	if err := e.doRemove(ctx, logger, host, task.Props.Cids, task.Props.RMI, version, containers); err != nil {
		logger.Error().Err(err).Msg("remove task failed")
		if ferr := e.tasks.Finish(taskID, types.TaskFailed, err.Error()); ferr != nil {
			logger.Error().Err(ferr).Msg("failed to finish task")
		}
		if perr := n.PubFail(ctx); perr != nil {
			logger.Error().Err(perr).Msg("failed to publish failure")
		}
		return nil
	}

	for _, c := range containers {
		if derr := e.store.DeleteContainer(c.ID); derr != nil {
			logger.Error().Err(derr).Str("cid", c.ID).Msg("failed to delete container record")
		}
	}

	if err := e.tasks.Finish(taskID, types.TaskSuccess, "ok"); err != nil {
		logger.Error().Err(err).Msg("failed to finish task")
	}
	if err := n.PubSuccess(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to publish success")
	}

	for _, cid := range task.Props.Cids {
		if err := e.broker.HDel(ctx, containersMetaKey(host.Name), cid); err != nil {
			logger.Error().Err(err).Msg("failed to clear agent meta")
		}
	}
	for _, cid := range task.Props.Cids {
		if err := e.broker.Delete(ctx, containerFlagKey(cid)); err != nil {
			logger.Error().Err(err).Msg("failed to clear do-not-report flag")
		}
	}

	remaining, err := e.store.CountContainersByVersion(version.ID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to count remaining containers")
	} else if remaining == 0 {
		if err := e.monitoring.DeregisterVersion(ctx, version.ID); err != nil {
			logger.Error().Err(err).Msg("failed to deregister monitoring alarms")
		}
	}

	logger.Info().Strs("cids", task.Props.Cids).Msg("remove task done")
	return nil
}

// doRemove performs everything that can fail as a unit: flagging, backend
// deregistration, service discovery publish, the settle wait, and the
// actual Docker removal. Any error here fails the whole task, matching the
// original's single try/except around these steps.
func (e *Engine) doRemove(ctx context.Context, logger zerolog.Logger, host *types.Host, cids []string, rmi bool, version *types.Version, containers []types.Container) error {
	for _, cid := range cids {
		if err := e.broker.HSet(ctx, containerFlagKey(cid), "flag", "1"); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(containers))
	var appNames []string
	for _, c := range containers {
		if err := e.discovery.Deregister(ctx, c.AppName(), c.Entrypoint, c.Backends); err != nil {
			return err
		}
		logger.Info().Str("cid", c.ID).Msg("container backends removed")
		name := c.AppName()
		if !seen[name] {
			seen[name] = true
			appNames = append(appNames, name)
		}
	}

	if err := e.discovery.PublishChanged(ctx, appNames); err != nil {
		return err
	}

	time.Sleep(3 * time.Second)

	if err := e.docker.RemoveHostContainers(ctx, *host, containers); err != nil {
		return err
	}
	logger.Info().Msg("containers removed")

	if rmi {
		img, err := e.store.GetImageByVersion(version.ID)
		if err == nil && img != nil {
			if rmErr := e.docker.RemoveImage(ctx, *host, img.URL); rmErr != nil {
				logger.Error().Err(rmErr).Msg("failed to remove image, continuing")
			}
		}
	}
	return nil
}
