/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package prebuffer wraps a ringbuffer.RingBuffer fed by a single transcode
// output branch, together with the cancel/drain contract the scheduler uses
// to retire a prepared slot that was never promoted to air.
package prebuffer

import (
	"github.com/rs/zerolog"

	"github.com/grimnircore/radio/internal/ringbuffer"
)

// Metadata describes the track feeding a PreBuffer, shared across every
// output branch transcoding the same source.
type Metadata struct {
	Title    string
	Artist   string
	Duration int64 // nanoseconds; zero if unknown
}

// PreBuffer is one transcode output branch's ring, plus the logger tagged
// with the mount and queue generation that branch belongs to.
type PreBuffer struct {
	Ring *ringbuffer.RingBuffer
	Meta *Metadata
	log  zerolog.Logger
}

// New wraps ring with the shared metadata and a tagged logger.
func New(ring *ringbuffer.RingBuffer, meta *Metadata, log zerolog.Logger) *PreBuffer {
	return &PreBuffer{Ring: ring, Meta: meta, log: log}
}

// Cancel marks the underlying ring cancelled, then drains whatever the
// transcoder has already produced so the writer goroutine (blocked on a
// full ring) is released and exits instead of leaking.
func (p *PreBuffer) Cancel() {
	p.log.Debug().Msg("cancelling prepared buffer")
	p.Ring.Cancel()
	for p.Ring.Len() > 0 {
		p.Ring.TryRead(4096)
	}
}
