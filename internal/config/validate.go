// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"math"
	"strings"

	"grimm.is/nfqengine/internal/kernel"
	"grimm.is/nfqengine/internal/logging"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks a configuration that had its defaults applied.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	if c.Queue != nil {
		c.Queue.validate(&errs)
	}
	if c.Logging != nil {
		if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
			errs.add("logging.level", "%v", err)
		}
	}
	if m := c.Metrics; m != nil && m.Listen != "" && !strings.HasPrefix(m.Path, "/") {
		errs.add("metrics.path", "must start with /: %q", m.Path)
	}
	if c.Rule != nil {
		c.Rule.validate(&errs)
	}
	return errs
}

func (q *QueueConfig) validate(errs *ValidationErrors) {
	if q.ID < 0 || q.ID > math.MaxUint16 {
		errs.add("queue.id", "must be between 0 and %d, got %d", math.MaxUint16, q.ID)
	}
	if q.Capacity <= 0 {
		errs.add("queue.capacity", "must be positive, got %d", q.Capacity)
	} else if q.Capacity > kernel.MaxCapacity {
		errs.add("queue.capacity", "receive buffer for %d packets exceeds the socket limit", q.Capacity)
	}
	if _, err := kernel.ParseCopyMode(q.CopyMode); err != nil {
		errs.add("queue.copy_mode", "%v", err)
	}
	if q.CopyRange < 0 || q.CopyRange > math.MaxUint16 {
		errs.add("queue.copy_range", "must be between 0 and %d, got %d", math.MaxUint16, q.CopyRange)
	}
	if q.ReceiveBuffer < 0 || q.ReceiveBuffer > math.MaxInt32 {
		errs.add("queue.receive_buffer", "out of range: %d", q.ReceiveBuffer)
	}
	switch q.Verdict {
	case "accept":
	case "drop":
		if q.Mark != 0 {
			errs.add("queue.mark", "cannot mark dropped packets")
		}
	default:
		errs.add("queue.verdict", "must be accept or drop, got %q", q.Verdict)
	}
	if q.Mark < 0 || int64(q.Mark) > math.MaxUint32 {
		errs.add("queue.mark", "must fit in 32 bits, got %d", q.Mark)
	}
}

func (r *RuleConfig) validate(errs *ValidationErrors) {
	switch r.Family {
	case "inet", "ip":
	default:
		errs.add("rule.family", "must be inet or ip, got %q", r.Family)
	}
	switch r.Hook {
	case "prerouting", "input", "forward", "output", "postrouting":
	default:
		errs.add("rule.hook", "unknown hook %q", r.Hook)
	}
	if r.Table == "" {
		errs.add("rule.table", "must not be empty")
	}
	if r.Chain == "" {
		errs.add("rule.chain", "must not be empty")
	}
	if len(r.Interface) >= 16 {
		errs.add("rule.interface", "name too long: %q", r.Interface)
	}
}
