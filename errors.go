package relay

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by KV and store lookups for missing keys.
var ErrNotFound = errors.New("not found")

// ErrBusUnavailable wraps a transport failure that persisted past the
// publish backoff budget. In-flight tasks observing it transition to failed.
type ErrBusUnavailable struct {
	Op  string
	Err error
}

func (e *ErrBusUnavailable) Error() string {
	return fmt.Sprintf("bus unavailable during %s: %v", e.Op, e.Err)
}

func (e *ErrBusUnavailable) Unwrap() error { return e.Err }

// ErrConfigMissing reports a required configuration option absent at
// startup. Fatal: the process logs it and exits non-zero.
type ErrConfigMissing struct {
	Key string
}

func (e *ErrConfigMissing) Error() string {
	return "missing required config: " + e.Key
}

// ErrModel wraps a model-gateway failure after retries are exhausted.
type ErrModel struct {
	Provider string
	Message  string
}

func (e *ErrModel) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP carries an HTTP status from the model gateway or the Telegram
// Bot API. Status 429 and 503 are treated as transient by WithRetry.
type ErrHTTP struct {
	Status int
	Body   string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrSequenceGap is reported by a StreamChecker when per-task seq numbers
// skip. Consumers mark the task failed (data was lost on the bus).
type ErrSequenceGap struct {
	TaskID string
	Want   uint64
	Got    uint64
}

func (e *ErrSequenceGap) Error() string {
	return fmt.Sprintf("sequence gap on task %s: want seq %d, got %d", e.TaskID, e.Want, e.Got)
}
