package sse

import (
	"errors"
	"fmt"
	"time"
)

// State is the connection state of a Consumer.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed // terminal until re-enabled or Reconnect is called
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StateChange describes one transition of the consumer state machine.
type StateChange struct {
	From    State
	To      State
	Attempt int           // retry counter after the transition
	Delay   time.Duration // wait before the next attempt, set on disconnected
	Err     error         // cause of disconnected/failed transitions
	At      time.Time
}

var (
	// ErrClosed is returned by operations on a closed consumer.
	ErrClosed = errors.New("sse: consumer closed")

	// ErrMaxRetries wraps the last connection error once the retry budget is spent.
	ErrMaxRetries = errors.New("sse: max retries exceeded")

	// ErrStreamEnded reports that the server closed the stream without an error.
	ErrStreamEnded = errors.New("sse: stream ended by server")
)

// StatusError reports a non-200 response to the stream request.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sse: %s returned status %d", e.URL, e.Code)
}

// ContentTypeError reports a response that is not an event stream.
type ContentTypeError struct {
	ContentType string
}

func (e *ContentTypeError) Error() string {
	return fmt.Sprintf("sse: unexpected content type %q", e.ContentType)
}
