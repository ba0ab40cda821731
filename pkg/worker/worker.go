// Package worker implements the task dequeue loop: a small pool of
// goroutines that pull job descriptors off the broker-backed task queue,
// resolve the job's Task kind, and dispatch to the matching task engine
// operation. It is the runtime shape the teacher's gRPC worker agent used
// for pulling assignments from a manager, adapted here to pull assignments
// from the broker instead.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/moorage/pkg/broker"
	"github.com/cuemby/moorage/pkg/log"
	"github.com/cuemby/moorage/pkg/taskengine"
	"github.com/cuemby/moorage/pkg/types"
	"github.com/rs/zerolog"
)

// QueueKey is the broker list every Enqueue call RPushes to and every
// worker goroutine BLPops from.
const QueueKey = "eru:task:queue"

// job is the wire shape pushed onto the queue: just enough to route the
// task id to the right engine operation without re-deriving its kind from
// storage before a worker has even claimed it.
type job struct {
	TaskID string         `json:"task_id"`
	Kind   types.TaskKind `json:"kind"`
}

// Enqueue pushes a task onto the shared queue for any worker to pick up.
func Enqueue(ctx context.Context, b broker.Broker, taskID string, kind types.TaskKind) error {
	buf, err := json.Marshal(job{TaskID: taskID, Kind: kind})
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return b.RPush(ctx, QueueKey, string(buf))
}

// Engine is the subset of taskengine.Engine the worker pool dispatches to.
type Engine interface {
	BuildImage(ctx context.Context, taskID string) error
	CreateContainers(ctx context.Context, taskID string) error
	RemoveContainers(ctx context.Context, taskID string) error
}

var _ Engine = (*taskengine.Engine)(nil)

// Config holds worker pool configuration.
type Config struct {
	Broker      broker.Broker
	Engine      Engine
	Concurrency int           // number of dequeue goroutines, default 1
	PopTimeout  time.Duration // BLPop timeout per attempt, default 5s
}

// Pool runs Concurrency dequeue loops against the shared queue.
type Pool struct {
	broker      broker.Broker
	engine      Engine
	concurrency int
	popTimeout  time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New returns a Pool ready to Start.
func New(cfg Config) *Pool {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	popTimeout := cfg.PopTimeout
	if popTimeout <= 0 {
		popTimeout = 5 * time.Second
	}
	return &Pool{
		broker:      cfg.Broker,
		engine:      cfg.Engine,
		concurrency: concurrency,
		popTimeout:  popTimeout,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the dequeue goroutines. Returns immediately.
func (p *Pool) Start() {
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.loop(i)
	}
}

// Stop signals every loop to exit and waits for them to drain their
// in-flight job, if any.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pool) loop(worker int) {
	defer p.wg.Done()
	logger := log.WithComponent("worker").With().Int("worker", worker).Logger()
	logger.Info().Msg("worker started")

	for {
		select {
		case <-p.stopCh:
			logger.Info().Msg("worker stopped")
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), p.popTimeout+time.Second)
		kv, err := p.broker.BLPop(ctx, QueueKey, p.popTimeout)
		cancel()
		if err != nil {
			logger.Error().Err(err).Msg("dequeue failed")
			continue
		}
		if kv == nil {
			continue // timeout, no job available
		}

		var j job
		if err := json.Unmarshal([]byte(kv.Value), &j); err != nil {
			logger.Error().Err(err).Str("raw", kv.Value).Msg("malformed job, dropping")
			continue
		}

		p.dispatch(j, logger)
	}
}

func (p *Pool) dispatch(j job, logger zerolog.Logger) {
	ctx := context.Background()
	jobLogger := logger.With().Str("task_id", j.TaskID).Str("kind", string(j.Kind)).Logger()
	jobLogger.Info().Msg("dispatching task")

	var err error
	switch j.Kind {
	case types.TaskBuildImage:
		err = p.engine.BuildImage(ctx, j.TaskID)
	case types.TaskCreateContainer:
		err = p.engine.CreateContainers(ctx, j.TaskID)
	case types.TaskRemoveContainer:
		err = p.engine.RemoveContainers(ctx, j.TaskID)
	default:
		jobLogger.Error().Msg("unknown task kind, dropping")
		return
	}
	if err != nil {
		jobLogger.Error().Err(err).Msg("task dispatch returned error")
	}
}
