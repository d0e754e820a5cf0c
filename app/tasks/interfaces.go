package tasks

// TaskSchedulerInterface defines the interface for background task
// scheduling. The main application starts it once and the API server
// enqueues on-demand work through it.
type TaskSchedulerInterface interface {
	Start()
	Stop()
	EnqueueTask(task TaskInterface) error
}
