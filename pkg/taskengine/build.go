package taskengine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/moorage/pkg/log"
	"github.com/cuemby/moorage/pkg/metrics"
	"github.com/cuemby/moorage/pkg/notifier"
	"github.com/cuemby/moorage/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BuildImage runs the build task (§4.7.1): pull the base image, build the
// version's image, push it to the registry, best-effort clean up the local
// copy, and record an Image row on success. The build-finish marker is
// published unconditionally, on every exit path.
func (e *Engine) BuildImage(ctx context.Context, taskID string) error {
	logger := log.WithTaskID(taskID)

	task, err := e.tasks.Get(taskID)
	if err != nil {
		logger.Error().Err(err).Msg("task not found, quit")
		return nil
	}

	n := notifier.New(e.broker, taskID)
	defer func() {
		if err := n.PubBuildFinish(ctx); err != nil {
			logger.Error().Err(err).Msg("failed to publish build-finish marker")
		}
	}()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TaskDuration, string(types.TaskBuildImage))

	app, err := e.store.GetApp(task.AppID)
	if err != nil {
		return e.failBuild(ctx, task, n, logger, err)
	}
	version, err := e.store.GetVersion(task.VersionID)
	if err != nil {
		return e.failBuild(ctx, task, n, logger, err)
	}
	host, err := e.store.GetHost(task.HostID)
	if err != nil {
		return e.failBuild(ctx, task, n, logger, err)
	}

	logger.Info().Str("host", host.Addr).Msg("build task started")

	repo, tag := splitBase(task.Props.BaseImage)
	logger.Info().Str("base", task.Props.BaseImage).Msg("pulling base image")
	pullLines, err := e.docker.PullImage(ctx, *host, repo, tag)
	if err != nil {
		return e.failBuild(ctx, task, n, logger, err)
	}
	if _, err := n.StoreAndBroadcast(ctx, pullLines); err != nil {
		return e.failBuild(ctx, task, n, logger, err)
	}

	buildCtx, dockerfile, err := e.source.Fetch(ctx, *app, *version)
	if err != nil {
		return e.failBuild(ctx, task, n, logger, err)
	}
	buildTag := fmt.Sprintf("%s:%s", app.Name, version.ShortSHA())
	logger.Info().Str("base", task.Props.BaseImage).Msg("building image")
	buildLines, err := e.docker.BuildImage(ctx, *host, buildCtx, dockerfile, buildTag)
	if err != nil {
		return e.failBuild(ctx, task, n, logger, err)
	}
	if _, err := n.StoreAndBroadcast(ctx, buildLines); err != nil {
		return e.failBuild(ctx, task, n, logger, err)
	}

	logger.Info().Str("base", task.Props.BaseImage).Msg("pushing image")
	pushTag := fmt.Sprintf("%s/%s", e.registry, buildTag)
	pushLines, err := e.docker.PushImage(ctx, *host, pushTag, "")
	if err != nil {
		return e.failBuild(ctx, task, n, logger, err)
	}
	lastLine, err := n.StoreAndBroadcast(ctx, pushLines)
	if err != nil {
		return e.failBuild(ctx, task, n, logger, err)
	}

	if err := e.docker.RemoveImage(ctx, *host, pushTag); err != nil {
		logger.Warn().Err(err).Msg("failed to remove local build image, continuing")
	}

	if !strings.Contains(lastLine, "Digest: sha256") {
		if err := e.tasks.Finish(taskID, types.TaskFailed, "failed to push image to image hub"); err != nil {
			logger.Error().Err(err).Msg("failed to finish task")
		}
		if err := n.PubFail(ctx); err != nil {
			logger.Error().Err(err).Msg("failed to publish failure")
		}
		return nil
	}

	imageURL := fmt.Sprintf("%s/%s:%s", e.registry, app.Name, version.ShortSHA())
	if err := e.store.CreateImage(&types.Image{
		ID: uuid.NewString(), VersionID: version.ID, AppID: app.ID, URL: imageURL, CreatedAt: time.Now(),
	}); err != nil {
		logger.Error().Err(err).Msg("failed to record image")
	}

	if err := e.tasks.Finish(taskID, types.TaskSuccess, "ok"); err != nil {
		logger.Error().Err(err).Msg("failed to finish task")
	}
	if err := n.PubSuccess(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to publish success")
	}
	logger.Info().Msg("build task done")
	return nil
}

// failBuild marks task FAILED with err's message, publishes the failure
// sentinel, and logs. It always returns nil: a failed task is not an error
// from the worker's perspective, it's a terminal state already recorded.
func (e *Engine) failBuild(ctx context.Context, task *types.Task, n *notifier.Notifier, logger zerolog.Logger, err error) error {
	logger.Error().Err(err).Msg("build task failed")
	if ferr := e.tasks.Finish(task.ID, types.TaskFailed, err.Error()); ferr != nil {
		logger.Error().Err(ferr).Msg("failed to finish task")
	}
	if perr := n.PubFail(ctx); perr != nil {
		logger.Error().Err(perr).Msg("failed to publish failure")
	}
	return nil
}
