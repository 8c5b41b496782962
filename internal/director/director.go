/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package director is the scheduling core: it owns the operator queue,
// builds and promotes prepared transcode sets at track boundaries, and
// services operator messages while a track plays. It is grounded on the
// original radio::start_streams loop, generalized to an arbitrary
// number of output streams and run as goroutines instead of OS threads.
package director

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/grimnircore/radio/internal/config"
	"github.com/grimnircore/radio/internal/events"
	"github.com/grimnircore/radio/internal/prebuffer"
	"github.com/grimnircore/radio/internal/queue"
	"github.com/grimnircore/radio/internal/randomsource"
	"github.com/grimnircore/radio/internal/ringbuffer"
	"github.com/grimnircore/radio/internal/sourcefetch"
	"github.com/grimnircore/radio/internal/store"
	"github.com/grimnircore/radio/internal/telemetry"
	"github.com/grimnircore/radio/internal/transcode"
)

// innerTick is how often the song-activity loop polls for operator
// messages and checks the current set for completion.
const innerTick = 100 * time.Millisecond

// maxPrebuildAttempts caps real-source attempts before falling back.
const maxPrebuildAttempts = 5

// maxRandomExhaustion bounds consecutive random-oracle failures across
// the lifetime of the Director, not just one prebuild attempt sequence:
// a process that can never reach the oracle would otherwise fall back
// silently forever, so the counter lives on the Director and is only
// reset by a successful oracle response.
const maxRandomExhaustion = 100

// Leader reports whether this instance currently holds scheduling
// leadership. A nil Leader means single-instance mode: always leader.
type Leader interface {
	IsLeader() bool
}

// Sink is the promotion target for one output branch's ring: the
// broadcast pump in production, a recording fake in tests.
type Sink interface {
	Assign(ring *ringbuffer.RingBuffer)
}

// TranscodeGraph is the subset of *transcode.Graph the director depends
// on, seamed out so tests can drive Run end-to-end against synthetic
// rings instead of a real gst-launch-1.0 subprocess.
type TranscodeGraph interface {
	Outputs() []*ringbuffer.RingBuffer
	Cancel()
}

// graphBuilder matches transcode.Build's signature, returning the seamed
// TranscodeGraph interface instead of the concrete type.
type graphBuilder func(ctx context.Context, source io.Reader, ext string, outputs []transcode.OutputSpec, gstBin string, logger zerolog.Logger) (TranscodeGraph, error)

func buildRealGraph(ctx context.Context, source io.Reader, ext string, outputs []transcode.OutputSpec, gstBin string, logger zerolog.Logger) (TranscodeGraph, error) {
	g, err := transcode.Build(ctx, source, ext, outputs, gstBin, logger)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// preparedSet bundles the per-output PreBuffers built for one upcoming
// track along with the transcode graph producing them and the queue
// entry it was drawn from, if any.
type preparedSet struct {
	buffers   []*prebuffer.PreBuffer
	graph     TranscodeGraph
	duration  time.Duration
	fromID    int64
	hasID     bool
	source    store.Source
	path      string
	historyID uint
}

func (s *preparedSet) cancel() {
	if s == nil {
		return
	}
	for _, pb := range s.buffers {
		pb.Cancel()
	}
	if s.graph != nil {
		s.graph.Cancel()
	}
}

func (s *preparedSet) done() bool {
	for _, pb := range s.buffers {
		if !pb.Ring.Cancelled() || pb.Ring.Len() > 0 {
			return false
		}
	}
	return true
}

// Director drives the scheduling loop for one set of configured output
// streams.
type Director struct {
	cfg     *config.Config
	queue   *queue.Queue
	fetcher *sourcefetch.Fetcher
	random  *randomsource.Source
	pumps   []Sink
	leader  Leader
	bus     *events.Bus
	history *store.Store
	logger  zerolog.Logger

	messages chan queue.ApiMessage

	// graphBuilder defaults to transcode.Build wrapped behind
	// TranscodeGraph; tests override it directly (same package) to drive
	// Run end-to-end against synthetic rings.
	graphBuilder graphBuilder

	// randomFailures persists across startNextTranscode calls so the
	// maxRandomExhaustion ceiling is evaluated against the oracle's
	// lifetime failure streak rather than one attempt sequence.
	randomFailures int
}

// New builds a Director. pumps must be index-aligned with the
// non-WebRTC entries of cfg.Streams, in order. history may be nil, in
// which case play history is not persisted.
func New(cfg *config.Config, q *queue.Queue, fetcher *sourcefetch.Fetcher, random *randomsource.Source, pumps []Sink, leader Leader, bus *events.Bus, history *store.Store, logger zerolog.Logger) *Director {
	return &Director{
		cfg:          cfg,
		queue:        q,
		fetcher:      fetcher,
		random:       random,
		pumps:        pumps,
		leader:       leader,
		bus:          bus,
		history:      history,
		logger:       logger.With().Str("component", "director.Director").Logger(),
		messages:     make(chan queue.ApiMessage, 32),
		graphBuilder: buildRealGraph,
	}
}

// publish is a nil-safe wrapper around bus.Publish, since not every test
// and not every deployment need wire a live events.Bus.
func (d *Director) publish(eventType events.EventType, payload events.Payload) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventType, payload)
}

// Messages returns the channel operator ingresses (HTTP control API,
// NATS subscription) should send normalized ApiMessage values to.
func (d *Director) Messages() chan<- queue.ApiMessage {
	return d.messages
}

// Run is the top-level scheduling loop. It blocks until ctx is
// cancelled or an unrecoverable error occurs (random-source exhaustion,
// fallback transcode failure).
func (d *Director) Run(ctx context.Context) error {
	d.logger.Info().Msg("director started")

	if err := d.awaitLeadership(ctx); err != nil {
		return err
	}

	queuePrepared, err := d.buildQueuePrepared(ctx)
	if err != nil {
		return err
	}
	randomPrepared, err := d.buildRandomPrepared(ctx)
	if err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			queuePrepared.cancel()
			randomPrepared.cancel()
			return ctx.Err()
		}

		if d.leader != nil && !d.leader.IsLeader() {
			queuePrepared.cancel()
			randomPrepared.cancel()
			d.logger.Info().Msg("lost leadership, suspending track loop")
			d.publish(events.EventLeaderLost, events.Payload{})
			if err := d.awaitLeadership(ctx); err != nil {
				return err
			}
			queuePrepared, err = d.buildQueuePrepared(ctx)
			if err != nil {
				return err
			}
			randomPrepared, err = d.buildRandomPrepared(ctx)
			if err != nil {
				return err
			}
		}

		var current *preparedSet
		if queuePrepared != nil {
			current = queuePrepared
			if current.hasID {
				d.queue.DropHeadIfMatches(current.fromID)
			}
			queuePrepared, err = d.buildQueuePrepared(ctx)
			if err != nil {
				current.cancel()
				return err
			}
		} else {
			current = randomPrepared
			randomPrepared, err = d.buildRandomPrepared(ctx)
			if err != nil {
				current.cancel()
				return err
			}
		}

		d.promote(current)
		telemetry.SchedulerTicksTotal.Inc()

		for !current.done() {
			select {
			case <-ctx.Done():
				current.cancel()
				queuePrepared.cancel()
				randomPrepared.cancel()
				return ctx.Err()
			case msg, ok := <-d.messages:
				if !ok {
					current.cancel()
					queuePrepared.cancel()
					randomPrepared.cancel()
					d.logger.Info().Msg("operator channel closed, director stopping")
					return nil
				}
				queuePrepared = d.handleMessage(ctx, msg, current, queuePrepared)
			case <-time.After(innerTick):
			}
		}
		if d.history != nil {
			d.history.RecordEnd(current.historyID)
		}
	}
}

// awaitLeadership blocks until this instance holds scheduling
// leadership (or there is no Leader at all, i.e. single-instance mode),
// publishing EventLeaderAcquired once it does.
func (d *Director) awaitLeadership(ctx context.Context) error {
	for d.leader != nil && !d.leader.IsLeader() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(innerTick):
		}
	}
	d.publish(events.EventLeaderAcquired, events.Payload{})
	return nil
}

// handleMessage applies one operator command and returns the (possibly
// rebuilt) queue-prepared set.
func (d *Director) handleMessage(ctx context.Context, msg queue.ApiMessage, current *preparedSet, queuePrepared *preparedSet) *preparedSet {
	switch msg.Kind {
	case queue.MsgSkip:
		telemetry.SkipsTotal.Inc()
		d.logger.Info().Msg("skip received")
		d.publish(events.EventSkipIssued, events.Payload{"path": current.path})
		for _, pb := range current.buffers {
			pb.Cancel()
		}
		return queuePrepared

	case queue.MsgClear:
		d.logger.Info().Msg("clear received")
		queuePrepared.cancel()
		d.queue.Clear()
		d.publish(events.EventQueueChanged, events.Payload{"action": "clear"})
		return nil

	case queue.MsgInsert:
		if msg.Pos == queue.Head {
			d.queue.PushHead(msg.Entry)
			d.publish(events.EventQueueChanged, events.Payload{"action": "insert_head", "id": msg.Entry.ID, "path": msg.Entry.Path})
			queuePrepared.cancel()
			rebuilt, err := d.buildQueuePrepared(ctx)
			if err != nil {
				d.logger.Error().Err(err).Msg("rebuild after insert-head failed")
				return nil
			}
			return rebuilt
		}
		wasEmpty := d.queue.PushTail(msg.Entry)
		d.publish(events.EventQueueChanged, events.Payload{"action": "insert_tail", "id": msg.Entry.ID, "path": msg.Entry.Path})
		if wasEmpty && queuePrepared == nil {
			rebuilt, err := d.buildQueuePrepared(ctx)
			if err != nil {
				d.logger.Error().Err(err).Msg("rebuild after insert-tail failed")
				return nil
			}
			return rebuilt
		}
		return queuePrepared

	case queue.MsgRemove:
		if msg.Pos == queue.Head {
			if removed, ok := d.queue.PopHead(); ok {
				d.publish(events.EventQueueChanged, events.Payload{"action": "remove_head", "id": removed.ID})
				queuePrepared.cancel()
				rebuilt, err := d.buildQueuePrepared(ctx)
				if err != nil {
					d.logger.Error().Err(err).Msg("rebuild after remove-head failed")
					return nil
				}
				return rebuilt
			}
			return queuePrepared
		}
		removed, ok, nowEmpty := d.queue.PopTail()
		if ok {
			d.publish(events.EventQueueChanged, events.Payload{"action": "remove_tail", "id": removed.ID})
		}
		if nowEmpty {
			queuePrepared.cancel()
			return nil
		}
		return queuePrepared
	}
	return queuePrepared
}

// promote hands each current PreBuffer's ring to the index-aligned
// broadcast pump, records a best-effort play-history start, and
// publishes EventNowPlaying for external diagnostics.
func (d *Director) promote(set *preparedSet) {
	for i, pb := range set.buffers {
		if i >= len(d.pumps) {
			break
		}
		d.pumps[i].Assign(pb.Ring)
	}
	if d.history != nil {
		set.historyID = d.history.RecordStart(set.fromID, set.path, set.source)
	}
	d.publish(events.EventNowPlaying, events.Payload{
		"path":       set.path,
		"source":     string(set.source),
		"from_queue": set.hasID,
	})
}

// buildQueuePrepared builds a prepared set from the queue head, or
// returns nil if the queue is empty (random-prepared covers that case).
func (d *Director) buildQueuePrepared(ctx context.Context) (*preparedSet, error) {
	if _, ok := d.queue.Head(); !ok {
		return nil, nil
	}
	return d.startNextTranscode(ctx, true)
}

// buildRandomPrepared always builds from the random oracle.
func (d *Director) buildRandomPrepared(ctx context.Context) (*preparedSet, error) {
	return d.startNextTranscode(ctx, false)
}

// startNextTranscode implements the 5-attempts-then-fallback prebuild
// policy. When preferQueue is true and the queue is non-empty, each
// attempt uses the queue head (without removing it); otherwise it
// fetches a fresh random entry per attempt.
func (d *Director) startNextTranscode(ctx context.Context, preferQueue bool) (*preparedSet, error) {
	for attempt := 0; attempt < maxPrebuildAttempts; attempt++ {
		entry, src, fromQueue, ok := d.nextBuffer(ctx, preferQueue, &d.randomFailures)
		if d.randomFailures >= maxRandomExhaustion {
			return nil, fmt.Errorf("director: random source exhausted after %d consecutive failures", d.randomFailures)
		}
		if !ok {
			telemetry.PrebuildAttemptsTotal.WithLabelValues(sourceLabel(fromQueue), "failed").Inc()
			d.publish(events.EventTrackFailed, events.Payload{"path": entry.Path, "from_queue": fromQueue})
			if fromQueue {
				d.queue.DropHeadIfMatches(entry.ID)
			}
			continue
		}

		set, err := d.buildPrepared(ctx, src, entry, fromQueue)
		if err != nil {
			d.logger.Warn().Err(err).Str("path", entry.Path).Msg("prebuild attempt failed")
			telemetry.PrebuildAttemptsTotal.WithLabelValues(sourceLabel(fromQueue), "failed").Inc()
			d.publish(events.EventTrackFailed, events.Payload{"path": entry.Path, "from_queue": fromQueue, "error": err.Error()})
			if fromQueue {
				d.queue.DropHeadIfMatches(entry.ID)
			}
			continue
		}

		telemetry.PrebuildAttemptsTotal.WithLabelValues(sourceLabel(fromQueue), "success").Inc()
		return set, nil
	}

	d.logger.Warn().Msg("exhausted prebuild attempts, using fallback")
	telemetry.FallbackUsedTotal.Inc()
	d.publish(events.EventFallbackUsed, events.Payload{"prefer_queue": preferQueue})
	set, err := d.buildFallback(ctx)
	if err != nil {
		return nil, fmt.Errorf("director: fallback transcode failed: %w", err)
	}
	telemetry.PrebuildAttemptsTotal.WithLabelValues("fallback", "success").Inc()
	return set, nil
}

func sourceLabel(fromQueue bool) string {
	if fromQueue {
		return "queue"
	}
	return "random"
}

// nextBuffer resolves one candidate source: the queue head when
// preferQueue and the queue is non-empty, otherwise a fresh random
// oracle fetch.
func (d *Director) nextBuffer(ctx context.Context, preferQueue bool, randomFailures *int) (queue.Entry, sourcefetch.Source, bool, bool) {
	if preferQueue {
		if head, ok := d.queue.Head(); ok {
			src, err := d.fetcher.Resolve(head.Path)
			if err != nil {
				d.logger.Warn().Err(err).Str("path", head.Path).Msg("failed to resolve queue entry")
				return head, sourcefetch.Source{}, true, false
			}
			if src.Ext == "" {
				d.logger.Warn().Str("path", head.Path).Msg("queue entry has no extension")
				return head, sourcefetch.Source{}, true, false
			}
			return head, src, true, true
		}
	}

	e, err := d.random.Next(ctx)
	if err != nil {
		*randomFailures++
		d.logger.Warn().Err(err).Msg("random oracle unavailable")
		return queue.Entry{}, sourcefetch.Source{}, false, false
	}
	*randomFailures = 0
	entry := queue.Entry{ID: e.ID, Path: e.Path}

	src, err := d.fetcher.Resolve(e.Path)
	if err != nil {
		d.logger.Warn().Err(err).Str("path", e.Path).Msg("failed to resolve random entry")
		return entry, sourcefetch.Source{}, false, false
	}
	if src.Ext == "" {
		d.logger.Warn().Str("path", e.Path).Msg("random entry has no extension")
		return entry, sourcefetch.Source{}, false, false
	}
	return entry, src, false, true
}

// buildPrepared opens src and runs it through the transcode graph,
// wrapping each output ring in a PreBuffer.
func (d *Director) buildPrepared(ctx context.Context, src sourcefetch.Source, entry queue.Entry, fromQueue bool) (*preparedSet, error) {
	rc, err := src.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}

	var meta transcode.Metadata
	if src.Seekable {
		if rs, ok := rc.(io.ReadSeeker); ok {
			meta = transcode.ReadMetadata(rs)
		}
	}

	outputs := make([]transcode.OutputSpec, len(d.cfg.Streams))
	for i, s := range d.cfg.Streams {
		spec := transcode.OutputSpec{Container: s.Container, Codec: s.Codec, Bitrate: s.Bitrate}
		if s.Container == config.ContainerWebRTC {
			spec.Port = d.cfg.WebRTCRTPPort
		}
		outputs[i] = spec
	}

	graph, err := d.graphBuilder(ctx, rc, src.Ext, outputs, d.cfg.GStreamerBin, d.logger)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("build transcode graph: %w", err)
	}

	// graph.Outputs() carries one ring per non-WebRTC branch, in cfg.Streams
	// order with WebRTC entries skipped: that branch is tapped by udpsink
	// straight into the webrtcrelay.Relay's RTP listener instead of landing
	// in a ring a broadcast Pump would drain.
	qid := d.queue.NextCounter()
	rings := graph.Outputs()
	buffers := make([]*prebuffer.PreBuffer, 0, len(rings))
	ringIdx := 0
	for _, s := range d.cfg.Streams {
		if s.Container == config.ContainerWebRTC {
			continue
		}
		ring := rings[ringIdx]
		ringIdx++
		tag := d.logger.With().Int64("qid", qid).Str("mount", s.Mount).Logger()
		pbMeta := &prebuffer.Metadata{Title: meta.Title, Artist: meta.Artist, Duration: int64(meta.Duration)}
		buffers = append(buffers, prebuffer.New(ring, pbMeta, tag))
	}

	src2 := store.SourceRandom
	if fromQueue {
		src2 = store.SourceQueue
	}

	return &preparedSet{
		buffers:  buffers,
		graph:    graph,
		duration: meta.Duration,
		fromID:   entry.ID,
		hasID:    fromQueue,
		source:   src2,
		path:     entry.Path,
	}, nil
}

// buildFallback transcodes the configured fallback asset; its failure is
// fatal, since the scheduler has no other candidate left to try.
func (d *Director) buildFallback(ctx context.Context) (*preparedSet, error) {
	src := sourcefetch.Source{
		Ext:      string(d.cfg.FallbackCodec),
		Seekable: true,
		Open: func(context.Context) (io.ReadCloser, error) {
			return openFallbackFile(d.cfg.FallbackPath)
		},
	}
	set, err := d.buildPrepared(ctx, src, queue.Entry{}, false)
	if err != nil {
		return nil, err
	}
	set.source = store.SourceFallback
	set.path = d.cfg.FallbackPath
	return set, nil
}

func openFallbackFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fallback asset %q: %w", path, err)
	}
	return f, nil
}
