package routing

import (
	"errors"

	"go-chat-gateway/internal/message"
)

var errStageFailed = errors.New("stage failed")

type StageStatus int

const (
	StatusUnknown StageStatus = iota
	StatusUpdated
	StatusPassed
	StatusSkipped
	StatusFailed
)

func (s StageStatus) String() string {
	switch s {
	case StatusUpdated:
		return "updated"
	case StatusPassed:
		return "passed"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// StageResult is what a stage reports back. Only an Updated result carries a
// message; build results with Update, Pass, Skip and Fail.
type StageResult struct {
	Status StageStatus
	Err    error

	msg message.Message
}

func Update(msg message.Message) StageResult {
	return StageResult{Status: StatusUpdated, msg: msg}
}

func Pass() StageResult { return StageResult{Status: StatusPassed} }

func Skip() StageResult { return StageResult{Status: StatusSkipped} }

func Fail(err error) StageResult {
	if err == nil {
		err = errStageFailed
	}
	return StageResult{Status: StatusFailed, Err: err}
}

// Message returns the replacement payload of an Updated result.
func (r StageResult) Message() (message.Message, bool) {
	if r.Status != StatusUpdated {
		return message.Message{}, false
	}
	return r.msg, true
}

// RouteContext is the scratch record for one message while it moves through
// its stages. It lives only for the duration of a Route call.
type RouteContext struct {
	Message message.Message
	Policy  Policy

	Delivered bool
	Persisted bool
	Cached    bool
	Err       error
}
