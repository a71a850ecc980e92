package jobserver

import "errors"

var (
	// ErrQueueClosed is returned when attempting to use a closed queue
	ErrQueueClosed = errors.New("queue is closed")

	// ErrQueueFull is returned when attempting to enqueue to a full queue
	ErrQueueFull = errors.New("queue is full")

	// ErrQueueEmpty is returned when attempting to dequeue from empty queues
	ErrQueueEmpty = errors.New("all queues are empty")

	// ErrItemNotFound is returned when a work item id is unknown
	ErrItemNotFound = errors.New("work item not found")

	// ErrNoProcessor is returned by Run when no processor was set
	ErrNoProcessor = errors.New("no processor configured")
)
