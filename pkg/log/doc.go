/*
Package log provides structured logging for moorage using zerolog.

It wraps zerolog to give every component a JSON-structured logger with a
configurable level and output writer, plus helpers for attaching the
context fields that show up across the task engine: component name,
host ID, container ID, and task ID.

# Usage

Initializing the logger:

	import "github.com/cuemby/moorage/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("moorage serve started")
	log.Debug("polling task queue")
	log.Warn("attach retry exhausted, falling back to broadcast")
	log.Error("container create failed")
	log.Fatal("cannot start without a store") // logs then os.Exit(1)

Structured logging:

	log.Logger.Info().
		Str("task_id", taskID).
		Str("kind", string(kind)).
		Msg("task dispatched")

Context loggers:

	workerLog := log.WithComponent("worker")
	workerLog.Info().Msg("pool started")

	hostLog := log.WithHost(host.ID)
	hostLog.Warn().Msg("heartbeat missed")

	containerLog := log.WithContainer(containerID)
	containerLog.Error().Err(err).Msg("remove failed")

	taskLog := log.WithTaskID(taskID)
	taskLog.Info().Msg("build image started")

# Levels

Debug is for development and verbose task-engine tracing, Info is the
default production level, Warn flags recoverable conditions (a missed
heartbeat, an attach retry), Error marks an operation that failed, and
Fatal logs then exits the process -- used only for unrecoverable startup
failures such as a store that cannot be opened.

# Output

Config.JSONOutput selects JSON (for log shipping) versus zerolog's
console writer (for local development); Config.Output defaults to
os.Stdout but accepts any io.Writer, including a log file opened by the
caller. moorage does not rotate its own log files -- pair file output
with logrotate or let the container runtime's log driver handle it.
*/
package log
