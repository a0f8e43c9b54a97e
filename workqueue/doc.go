// Package workqueue provides an asynchronous work item executor.
//
// A WorkItem wraps a unit of work together with completion and error hooks. Items are
// submitted to a Queue, which runs them on a fixed number of workers in FIFO order.
// A queue configured with a concurrency of one processes items strictly in the order
// they were enqueued.
//
// Example:
//
//	q := workqueue.NewQueue(workqueue.WithConcurrency(1))
//	if err := q.Start(ctx); err != nil {
//		return err
//	}
//	defer q.Stop()
//
//	item := workqueue.New("greet", func(ctx context.Context) error {
//		fmt.Println("hello")
//		return nil
//	})
//	item.OnCompleted(func(*workqueue.WorkItem) { fmt.Println("done") })
//	_ = q.Enqueue(item)
package workqueue
