package provider

import "context"

// TaskState is the transport-reported state of an in-flight transfer.
type TaskState int

const (
	StateDownloading TaskState = iota
	StatePaused
	StateDone
	StateStopped
	StateFailed
)

func (s TaskState) String() string {
	switch s {
	case StateDownloading:
		return "downloading"
	case StatePaused:
		return "paused"
	case StateDone:
		return "done"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Task is an ephemeral handle to an in-flight transfer. Callbacks registered
// here must be delivered from the transport's own goroutines, never
// synchronously from a command call. Begin, done and error are sticky: a
// registration made after the event already happened is invoked
// asynchronously, so a caller can never miss a terminal event by
// subscribing late.
type Task interface {
	ID() string
	State() TaskState

	OnBegin(fn func(totalBytes int64))
	OnProgress(fn func(bytes, totalBytes int64))
	OnDone(fn func())
	OnError(fn func(err error))

	Pause() error
	Resume() error
	Stop() error
}

// Provider moves bytes from a url to a destination path and hands out Task
// handles addressable by id.
type Provider interface {
	Start(ctx context.Context, id, url, destPath string) (Task, error)
	// InFlight reports transfers the transport already has going, so the
	// engine can re-adopt them at startup.
	InFlight(ctx context.Context) ([]Task, error)
}

// CompletionAcknowledger is implemented by providers that need a completion
// acknowledgment once per finished task (platform background-transfer APIs).
// The engine checks for it via type assertion.
type CompletionAcknowledger interface {
	AcknowledgeCompletion(id string)
}
