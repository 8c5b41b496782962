/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package queue is the operator-controlled ordered list of upcoming
// tracks. It owns the entries and their mutation, but not transcoding:
// the director decides when a mutation requires rebuilding the
// queue-prepared set and does so itself, keeping the queue a plain,
// easily-tested data structure.
package queue

import (
	"sync"

	"github.com/rs/zerolog"
)

// Entry is a single queued track locator. Equal by ID; immutable once
// created.
type Entry struct {
	ID   int64
	Path string
}

// Position names one end of the queue an Insert/Remove targets.
type Position int

const (
	Head Position = iota
	Tail
)

// MessageKind tags the variant carried by an ApiMessage.
type MessageKind int

const (
	MsgSkip MessageKind = iota
	MsgClear
	MsgInsert
	MsgRemove
)

// ApiMessage is one operator command, normalized from whichever ingress
// (HTTP control API or NATS subject) received it.
type ApiMessage struct {
	Kind  MessageKind
	Pos   Position
	Entry Entry
}

// Queue is the mutable, singleton ordered list of QueueEntry values.
// Safe for concurrent use, though spec.md's concurrency model has it
// mutated only by the director's single scheduling goroutine.
type Queue struct {
	mu      sync.Mutex
	entries []Entry
	counter int64
	logger  zerolog.Logger
}

// New builds an empty Queue.
func New(logger zerolog.Logger) *Queue {
	return &Queue{logger: logger.With().Str("component", "queue.Queue").Logger()}
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Head returns the entry at the front of the queue, if any.
func (q *Queue) Head() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	return q.entries[0], true
}

// Snapshot returns a copy of the current entry list, for inspection and
// tests.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// NextCounter returns a fresh monotonic diagnostic id, for tagging the
// next transcode attempt's logs.
func (q *Queue) NextCounter() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.counter++
	return q.counter
}

// PushTail appends qe to the end of the queue. Returns true if the queue
// was empty beforehand (the director uses this to decide whether a
// queue-prepared rebuild is needed).
func (q *Queue) PushTail(qe Entry) (wasEmpty bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	wasEmpty = len(q.entries) == 0
	q.entries = append(q.entries, qe)
	q.logger.Debug().Int64("id", qe.ID).Str("path", qe.Path).Msg("inserted into queue tail")
	return wasEmpty
}

// PushHead inserts qe at the front of the queue. The head always changes
// here, so the caller always owes a queue-prepared rebuild.
func (q *Queue) PushHead(qe Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append([]Entry{qe}, q.entries...)
	q.logger.Debug().Int64("id", qe.ID).Str("path", qe.Path).Msg("inserted into queue head")
}

// PopTail removes the last entry, if any. Returns the removed entry and
// whether the queue is now empty.
func (q *Queue) PopTail() (removed Entry, ok bool, nowEmpty bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false, true
	}
	removed = q.entries[len(q.entries)-1]
	q.entries = q.entries[:len(q.entries)-1]
	q.logger.Debug().Int64("id", removed.ID).Msg("removed queue tail")
	return removed, true, len(q.entries) == 0
}

// PopHead removes the first entry, if any.
func (q *Queue) PopHead() (removed Entry, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	removed = q.entries[0]
	q.entries = q.entries[1:]
	q.logger.Debug().Int64("id", removed.ID).Msg("removed queue head")
	return removed, true
}

// Clear empties the queue entirely.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
	q.logger.Debug().Msg("queue cleared")
}

// DropHeadIfMatches removes the head entry only if it still has the
// given id, guarding against a concurrent mutation racing a rebuild
// attempt that is about to drop a now-stale head.
func (q *Queue) DropHeadIfMatches(id int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) > 0 && q.entries[0].ID == id {
		q.entries = q.entries[1:]
		q.logger.Debug().Int64("id", id).Msg("dropped unplayable queue head")
	}
}
