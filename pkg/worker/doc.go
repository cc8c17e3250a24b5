// Package worker provides a generic worker pool over a bounded queue.
//
// A Pool runs a fixed number of goroutines that take items of type T from a
// buffered channel and hand them to a Processor. Submit never blocks: when
// the queue is full it returns ErrQueueFull, and the caller decides whether
// to shed or retry the item.
//
//	pool, err := worker.NewPool(8, 256, func(ctx context.Context, m Message) error {
//	    return handle(ctx, m)
//	}, worker.WithMetricsRegistry[Message](registry, "responder_users"))
//	if err != nil {
//	    return err
//	}
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
// Stop closes the queue and waits for the workers to drain it. A processor
// panic is recovered, counted in PoolStats.Panicked, and reported as a
// failure wrapping ErrWorkPanicked.
//
// Statistics are always tracked and available through Stats. Prometheus
// metrics are registered only when WithMetricsRegistry is given; metric
// names carry the pool name as a constant label.
package worker
