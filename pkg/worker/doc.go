// Package worker runs the task dequeue loop against the Event Bus Client's
// shared job queue and dispatches each popped job to the task engine
// operation matching its kind.
//
// # Shape
//
// A Pool runs Config.Concurrency independent goroutines, each blocking on
// BLPop against the same queue key. Redis (or the in-process broker) hands
// each popped job to exactly one of them, so increasing concurrency adds
// throughput without any coordination between loops.
//
//	pool := worker.New(worker.Config{
//		Broker:      b,
//		Engine:      engine,
//		Concurrency: 4,
//	})
//	pool.Start()
//	defer pool.Stop()
//
// Producers enqueue with:
//
//	worker.Enqueue(ctx, b, taskID, types.TaskCreateContainer)
//
// # Dispatch
//
// Each job carries only a task id and kind; the engine method it's routed
// to (BuildImage, CreateContainers, RemoveContainers) is responsible for
// loading the full Task record and every entity it references. A malformed
// job or one with an unrecognized kind is logged and dropped rather than
// retried — the Task record itself, if one exists, is left PENDING and is
// the operator's signal that something needs attention.
package worker
