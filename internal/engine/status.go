// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"fmt"

	"grimm.is/nfqengine/internal/errors"
)

// Status is the result of one Loop call. Zero is a clean stop; every
// failure has its own negative code.
type Status int

const (
	StatusOK                    Status = 0
	StatusOpenFailed            Status = -1
	StatusBindFailed            Status = -2
	StatusCopyModeFailed        Status = -3
	StatusReceiveBufferTooSmall Status = -5
	StatusUnexpectedExit        Status = -6
	StatusMaxLenFailed          Status = -7
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusOpenFailed:
		return "open failed"
	case StatusBindFailed:
		return "bind failed"
	case StatusCopyModeFailed:
		return "copy mode failed"
	case StatusReceiveBufferTooSmall:
		return "receive buffer too small"
	case StatusUnexpectedExit:
		return "unexpected exit"
	case StatusMaxLenFailed:
		return "queue max length failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Kind maps the status onto an error kind.
func (s Status) Kind() errors.Kind {
	switch s {
	case StatusOK:
		return errors.KindUnknown
	case StatusOpenFailed, StatusUnexpectedExit:
		return errors.KindUnavailable
	case StatusBindFailed:
		return errors.KindConflict
	case StatusReceiveBufferTooSmall:
		return errors.KindResource
	default:
		return errors.KindInternal
	}
}

// Err returns nil for StatusOK and a structured error carrying the code
// otherwise.
func (s Status) Err() error {
	if s == StatusOK {
		return nil
	}
	return errors.Attr(errors.New(s.Kind(), s.String()), "code", int(s))
}

// State is the lifecycle position of a Loop call.
type State int32

const (
	StateInit State = iota
	StateOpening
	StateBound
	StateConfigured
	StateRunning
	StateCleanStop
	StateErrorStop
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateOpening:
		return "opening"
	case StateBound:
		return "bound"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateCleanStop:
		return "clean_stop"
	case StateErrorStop:
		return "error_stop"
	default:
		return "unknown"
	}
}
