// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"fmt"
	"sync"
)

type queueEntry struct {
	q  Queue
	cb Callback
}

// dispatcher routes parsed packet messages to the callback of their queue.
type dispatcher struct {
	mu     sync.RWMutex
	queues map[uint16]queueEntry
}

func newDispatcher() *dispatcher {
	return &dispatcher{queues: make(map[uint16]queueEntry)}
}

func (d *dispatcher) add(q Queue, cb Callback) {
	d.mu.Lock()
	d.queues[q.Num()] = queueEntry{q: q, cb: cb}
	d.mu.Unlock()
}

func (d *dispatcher) remove(num uint16) {
	d.mu.Lock()
	delete(d.queues, num)
	d.mu.Unlock()
}

func (d *dispatcher) lookup(num uint16) (queueEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.queues[num]
	return e, ok
}

// dispatch invokes the queue callback once per packet message in buf.
// Messages for unknown queues and non-packet messages are skipped.
func (d *dispatcher) dispatch(buf []byte) error {
	msgs, err := splitMessages(buf)
	if err != nil && len(msgs) == 0 {
		return err
	}

	var first error
	for _, m := range msgs {
		if m.Header.Type != queueMsgType(nfqnlMsgPacket) {
			continue
		}
		msg, pkt, perr := decodePacket(m.Data)
		if perr != nil {
			if first == nil {
				first = fmt.Errorf("decode packet: %w", perr)
			}
			continue
		}
		e, ok := d.lookup(msg.ResourceID)
		if !ok {
			continue
		}
		if cerr := e.cb(e.q, msg, pkt); cerr != nil && first == nil {
			first = cerr
		}
	}
	if first == nil {
		first = err
	}
	return first
}
