package eventbus

// Event types published during a build.
const (
	RunStarted  = "run.started"
	RunFinished = "run.finished"

	// Data: TaskEvent (internal/task/engine).
	TaskStarted   = "task.started"
	TaskFinished  = "task.finished"
	TaskFailed    = "task.failed"
	TaskSkipped   = "task.skipped"
	TaskBounced   = "task.bounced"
	TaskPostponed = "task.postponed"

	// Data: []string of changed config sections.
	ConfigReloaded = "config.reloaded"

	// Data: notifier.Event.
	NotifySent   = "notify.sent"
	NotifyFailed = "notify.failed"
)
