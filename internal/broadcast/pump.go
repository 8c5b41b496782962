/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package broadcast

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/grimnircore/radio/internal/ringbuffer"
	"github.com/grimnircore/radio/internal/telemetry"
)

// stepBytes is the chunk size drained from a ring buffer per send, per
// the broadcast pump contract.
const stepBytes = 4096

// idlePoll is how long the pump sleeps when its assigned ring has
// nothing to drain.
const idlePoll = 100 * time.Millisecond

// mountSink paces writes to a Mount to roughly real time, the way the
// original broadcast-protocol client's send/sync pair would: send()
// hands bytes to the sink unconditionally, sync() sleeps just enough to
// keep cumulative bytes sent in step with the stream's bitrate.
type mountSink struct {
	mount          *Mount
	bytesPerSecond float64
	start          time.Time
	sent           int64
}

func newMountSink(mount *Mount, bitrateKbps int) *mountSink {
	bps := float64(bitrateKbps) * 1000 / 8
	if bps <= 0 {
		bps = 16000
	}
	return &mountSink{mount: mount, bytesPerSecond: bps}
}

func (s *mountSink) send(data []byte) {
	s.mount.Broadcast(data)
	s.sent += int64(len(data))
}

func (s *mountSink) sync() {
	if s.start.IsZero() {
		s.start = time.Now()
		return
	}
	expected := time.Duration(float64(s.sent) / s.bytesPerSecond * float64(time.Second))
	if d := expected - time.Since(s.start); d > 0 {
		time.Sleep(d)
	}
}

// Pump is the per-stream broadcast pump: it owns one sink Mount and
// drains whichever RingBuffer is currently assigned to it in
// stepBytes-sized chunks, accepting atomic reassignment at track
// boundaries without losing bytes already in flight.
type Pump struct {
	sink   *mountSink
	mount  *Mount
	assign chan *ringbuffer.RingBuffer
	logger zerolog.Logger
}

// NewPump builds a Pump fronting mount, pacing sends as if bitrateKbps.
func NewPump(mount *Mount, bitrateKbps int, logger zerolog.Logger) *Pump {
	return &Pump{
		sink:   newMountSink(mount, bitrateKbps),
		mount:  mount,
		assign: make(chan *ringbuffer.RingBuffer, 1),
		logger: logger.With().Str("component", "broadcast.Pump").Str("mount", mount.Name).Logger(),
	}
}

// Assign hands the pump a new ring to drain, effective at its next
// poll. Any bytes left in a previously assigned, not-yet-swapped-to
// ring are discarded, per the ring ownership-transfer contract: by the
// time a swap happens the old ring is either drained or the track was
// skipped.
func (p *Pump) Assign(ring *ringbuffer.RingBuffer) {
	select {
	case <-p.assign:
	default:
	}
	p.assign <- ring
}

// Run blocks, draining the currently assigned ring to the sink, until
// ctx is cancelled. The first call blocks until an initial ring is
// assigned, matching the pump's "block once to receive the first ring"
// contract.
func (p *Pump) Run(ctx context.Context) {
	var ring *ringbuffer.RingBuffer
	select {
	case ring = <-p.assign:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case newRing := <-p.assign:
			ring = newRing
			continue
		default:
		}

		if ring != nil {
			telemetry.RingOccupancyBytes.WithLabelValues(p.mount.Name).Set(float64(ring.Len()))
		}

		if ring != nil && ring.Len() > 0 {
			chunk := ring.TryRead(stepBytes)
			if len(chunk) > 0 {
				p.sink.send(chunk)
				p.sink.sync()
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(idlePoll):
		}
	}
}
