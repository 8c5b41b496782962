package director

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
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
	"github.com/grimnircore/radio/internal/transcode"
)

func newTestDirector(t *testing.T) (*Director, *queue.Queue) {
	t.Helper()
	cfg := &config.Config{GStreamerBin: "gst-launch-1.0"}
	q := queue.New(zerolog.Nop())
	fetcher, err := sourcefetch.New(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("sourcefetch.New: %v", err)
	}
	random := randomsource.New("http://127.0.0.1:1")
	d := New(cfg, q, fetcher, random, nil, nil, events.NewBus(), nil, zerolog.Nop())
	return d, q
}

func drainedRing() *ringbuffer.RingBuffer {
	r := ringbuffer.New(64)
	r.Cancel()
	return r
}

func TestPreparedSetCancelIsNilSafe(t *testing.T) {
	var s *preparedSet
	s.cancel() // must not panic
}

func TestPreparedSetDoneWhenAllBuffersDrainedAndCancelled(t *testing.T) {
	set := &preparedSet{
		buffers: []*prebuffer.PreBuffer{
			prebuffer.New(drainedRing(), &prebuffer.Metadata{}, zerolog.Nop()),
			prebuffer.New(drainedRing(), &prebuffer.Metadata{}, zerolog.Nop()),
		},
	}
	if !set.done() {
		t.Fatalf("expected set to be done once every ring is cancelled and empty")
	}
}

func TestPreparedSetNotDoneWhileRingHasData(t *testing.T) {
	ring := ringbuffer.New(64)
	ring.Write([]byte("x"))
	set := &preparedSet{
		buffers: []*prebuffer.PreBuffer{
			prebuffer.New(ring, &prebuffer.Metadata{}, zerolog.Nop()),
		},
	}
	if set.done() {
		t.Fatalf("expected set to report not done while a ring still has bytes queued")
	}
}

func TestSourceLabel(t *testing.T) {
	if sourceLabel(true) != "queue" {
		t.Fatalf("expected queue label")
	}
	if sourceLabel(false) != "random" {
		t.Fatalf("expected random label")
	}
}

func TestHandleMessageSkipCancelsCurrentWithoutTouchingQueuePrepared(t *testing.T) {
	d, _ := newTestDirector(t)
	current := &preparedSet{
		buffers: []*prebuffer.PreBuffer{
			prebuffer.New(ringbuffer.New(64), &prebuffer.Metadata{}, zerolog.Nop()),
		},
	}
	queuePrepared := &preparedSet{}

	result := d.handleMessage(context.Background(), queue.ApiMessage{Kind: queue.MsgSkip}, current, queuePrepared)
	if result != queuePrepared {
		t.Fatalf("skip must not alter queuePrepared")
	}
	for _, pb := range current.buffers {
		if !pb.Ring.Cancelled() {
			t.Fatalf("expected skip to cancel every buffer in the current set")
		}
	}
}

func TestHandleMessageClearEmptiesQueueAndDropsQueuePrepared(t *testing.T) {
	d, q := newTestDirector(t)
	q.PushTail(queue.Entry{ID: 1, Path: "/media/a.mp3"})
	current := &preparedSet{}
	queuePrepared := &preparedSet{}

	result := d.handleMessage(context.Background(), queue.ApiMessage{Kind: queue.MsgClear}, current, queuePrepared)
	if result != nil {
		t.Fatalf("expected clear to drop the queue-prepared slot")
	}
	if q.Len() != 0 {
		t.Fatalf("expected clear to empty the queue, got len=%d", q.Len())
	}
}

func TestNextBufferPrefersQueueHeadWhenPresent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "track.mp3")
	if err := os.WriteFile(path, []byte("audio-bytes"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	d, q := newTestDirector(t)
	q.PushTail(queue.Entry{ID: 7, Path: path})

	failures := 0
	entry, src, fromQueue, ok := d.nextBuffer(context.Background(), true, &failures)
	if !ok {
		t.Fatalf("expected resolving the queue head to succeed")
	}
	if !fromQueue {
		t.Fatalf("expected fromQueue to be true when the queue is non-empty")
	}
	if entry.ID != 7 {
		t.Fatalf("expected entry id 7, got %d", entry.ID)
	}
	if src.Ext != "mp3" {
		t.Fatalf("expected resolved extension mp3, got %q", src.Ext)
	}
}

func TestNextBufferFallsBackToRandomWhenQueueEmpty(t *testing.T) {
	d, _ := newTestDirector(t)
	failures := 0
	_, _, fromQueue, ok := d.nextBuffer(context.Background(), true, &failures)
	if ok {
		t.Fatalf("expected the unreachable random oracle to fail")
	}
	if fromQueue {
		t.Fatalf("expected fromQueue to be false once the queue is empty")
	}
	if failures != 1 {
		t.Fatalf("expected one recorded random failure, got %d", failures)
	}
}

// --- S1-S6 end-to-end scenarios, driven through Director.Run against a
// fake TranscodeGraph and a fake Sink so no gst-launch-1.0 subprocess or
// real broadcast Mount is required. ---

// fakeGraph stands in for *transcode.Graph: it hands out already-filled
// rings instead of spawning a subprocess, and Cancel marks them consumed
// in place of a process exit, simulating track EOF when the test calls it.
type fakeGraph struct {
	rings []*ringbuffer.RingBuffer
	once  sync.Once
}

func newFakeGraph(n int) *fakeGraph {
	rings := make([]*ringbuffer.RingBuffer, n)
	for i := range rings {
		r := ringbuffer.New(256)
		r.Write([]byte("synthetic-audio-frame"))
		rings[i] = r
	}
	return &fakeGraph{rings: rings}
}

func (g *fakeGraph) Outputs() []*ringbuffer.RingBuffer { return g.rings }

func (g *fakeGraph) Cancel() {
	g.once.Do(func() {
		for _, r := range g.rings {
			r.Cancel()
		}
	})
}

// fakeGraphFactory is installed as a Director's graphBuilder; it records
// every graph it hands out, in build order, so a test can reach back and
// force a specific track to "finish" (Cancel) or assert it never aired.
type fakeGraphFactory struct {
	mu     sync.Mutex
	graphs []*fakeGraph
}

func (f *fakeGraphFactory) build(_ context.Context, source io.Reader, _ string, outputs []transcode.OutputSpec, _ string, _ zerolog.Logger) (TranscodeGraph, error) {
	if c, ok := source.(io.Closer); ok {
		c.Close()
	}
	g := newFakeGraph(len(outputs))
	f.mu.Lock()
	f.graphs = append(f.graphs, g)
	f.mu.Unlock()
	return g, nil
}

func (f *fakeGraphFactory) latest() *fakeGraph {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.graphs) == 0 {
		return nil
	}
	return f.graphs[len(f.graphs)-1]
}

func (f *fakeGraphFactory) at(i int) *fakeGraph {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.graphs) {
		return nil
	}
	return f.graphs[i]
}

// fakeSink stands in for *broadcast.Pump: it actively drains whatever
// ring it is assigned (so preparedSet.done() can observe completion) and
// records how many times it was promoted to.
type fakeSink struct {
	mu          sync.Mutex
	assignments int
}

func (s *fakeSink) Assign(ring *ringbuffer.RingBuffer) {
	s.mu.Lock()
	s.assignments++
	s.mu.Unlock()
	go func() {
		for {
			if chunk := ring.TryRead(64); len(chunk) == 0 {
				if ring.Cancelled() {
					return
				}
				time.Sleep(time.Millisecond)
			}
		}
	}()
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assignments
}

// eventRecorder subscribes to a Bus and exposes a thread-safe snapshot of
// every payload seen for a given event type.
type eventRecorder struct {
	mu   sync.Mutex
	seen []events.Payload
}

func subscribeRecorder(bus *events.Bus, eventType events.EventType) *eventRecorder {
	rec := &eventRecorder{}
	sub := bus.Subscribe(eventType)
	go func() {
		for payload := range sub {
			rec.mu.Lock()
			rec.seen = append(rec.seen, payload)
			rec.mu.Unlock()
		}
	}()
	return rec
}

func (r *eventRecorder) snapshot() []events.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Payload, len(r.seen))
	copy(out, r.seen)
	return out
}

// writeFixture writes a small audio-like file under dir/name and returns
// its path; content doesn't matter, only that Open succeeds.
func writeFixture(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("audio-bytes"), 0o644); err != nil {
		t.Fatalf("write fixture %s: %v", name, err)
	}
	return path
}

// startOracle serves the given entries round-robin as the {id,path} JSON
// body spec.md's random-track oracle contract expects.
func startOracle(t *testing.T, entries []randomsource.Entry) string {
	t.Helper()
	var i int64
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		e := entries[int(i)%len(entries)]
		i++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(e)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

// scenarioDirector builds a single-stream Director with a fake transcode
// graph and a fake sink, ready to have Run driven in the background.
func scenarioDirector(t *testing.T, oracleURL, fallbackPath string) (*Director, *queue.Queue, *fakeSink, *fakeGraphFactory) {
	t.Helper()
	cfg := &config.Config{
		GStreamerBin:  "gst-launch-1.0",
		Streams:       []config.StreamConfig{{Mount: "main", Container: config.ContainerMP3, Bitrate: 128}},
		FallbackPath:  fallbackPath,
		FallbackCodec: config.ContainerMP3,
	}
	q := queue.New(zerolog.Nop())
	fetcher, err := sourcefetch.New(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("sourcefetch.New: %v", err)
	}
	random := randomsource.New(oracleURL)
	sink := &fakeSink{}
	d := New(cfg, q, fetcher, random, []Sink{sink}, nil, events.NewBus(), nil, zerolog.Nop())
	factory := &fakeGraphFactory{}
	d.graphBuilder = factory.build
	return d, q, sink, factory
}

// awaitCondition polls cond until it reports true or the deadline passes.
func awaitCondition(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

// TestScenarioS1EmptyQueueRandomPlays: empty queue, oracle returns the
// same entry consistently. Expect a PreBuffer/pump assignment, then, once
// the first prebuild's graph is cancelled (simulated EOF), a second
// random prebuild begins and plays.
func TestScenarioS1EmptyQueueRandomPlays(t *testing.T) {
	dir := t.TempDir()
	track := writeFixture(t, dir, "a.flac")
	fallback := writeFixture(t, dir, "fallback.mp3")
	oracle := startOracle(t, []randomsource.Entry{{ID: 1, Path: track}})

	d, _, sink, factory := scenarioDirector(t, oracle, fallback)
	nowPlaying := subscribeRecorder(d.bus, events.EventNowPlaying)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	if !awaitCondition(t, time.Second, func() bool { return sink.count() >= 1 }) {
		t.Fatalf("expected the first random prebuild to be promoted to the sink")
	}

	first := factory.at(0)
	if first == nil {
		t.Fatalf("expected a transcode graph to have been built")
	}
	first.Cancel() // simulate source EOF

	if !awaitCondition(t, time.Second, func() bool { return sink.count() >= 2 }) {
		t.Fatalf("expected a second random prebuild to play after the first finished")
	}

	seen := nowPlaying.snapshot()
	if len(seen) < 2 {
		t.Fatalf("expected at least 2 now_playing events, got %d", len(seen))
	}
	for _, payload := range seen {
		if payload["source"] != string(store.SourceRandom) {
			t.Fatalf("expected every S1 track to come from the random oracle, got %v", payload["source"])
		}
	}
}

// TestScenarioS2InsertHeadPreemptsRandom: while a random track is
// playing, Insert(Head, ...) rebuilds queue-prepared without disturbing
// the currently-playing track; the inserted entry plays next and is
// dropped from the queue at promotion.
func TestScenarioS2InsertHeadPreemptsRandom(t *testing.T) {
	dir := t.TempDir()
	t0 := writeFixture(t, dir, "t0.mp3")
	b := writeFixture(t, dir, "b.ogg")
	fallback := writeFixture(t, dir, "fallback.mp3")
	oracle := startOracle(t, []randomsource.Entry{{ID: 1, Path: t0}})

	d, q, sink, factory := scenarioDirector(t, oracle, fallback)
	nowPlaying := subscribeRecorder(d.bus, events.EventNowPlaying)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	if !awaitCondition(t, time.Second, func() bool { return sink.count() >= 1 }) {
		t.Fatalf("expected T0 to start playing")
	}

	d.Messages() <- queue.ApiMessage{Kind: queue.MsgInsert, Pos: queue.Head, Entry: queue.Entry{ID: 7, Path: b}}

	// T0 must keep playing; it is not cancelled by the insert.
	time.Sleep(20 * time.Millisecond)
	if sink.count() != 1 {
		t.Fatalf("insert-head must not preempt the currently playing track, sink saw %d assignments", sink.count())
	}

	t0Graph := factory.at(0)
	if t0Graph == nil {
		t.Fatalf("expected T0's graph to exist")
	}
	t0Graph.Cancel() // T0 reaches EOF

	if !awaitCondition(t, time.Second, func() bool { return sink.count() >= 2 }) {
		t.Fatalf("expected /b.ogg to play once T0 finished")
	}

	seen := nowPlaying.snapshot()
	last := seen[len(seen)-1]
	if last["path"] != b {
		t.Fatalf("expected %q to play next, got %v", b, last["path"])
	}
	if last["from_queue"] != true {
		t.Fatalf("expected the promoted track to be sourced from the queue")
	}
	if q.Len() != 0 {
		t.Fatalf("expected id 7 to be dropped from the queue at promotion, queue len=%d", q.Len())
	}
}

// TestScenarioS3Skip: a queued track is playing; Skip cancels its
// buffers immediately and the scheduler promotes the next prepared set.
func TestScenarioS3Skip(t *testing.T) {
	dir := t.TempDir()
	c := writeFixture(t, dir, "c.mp3")
	fallback := writeFixture(t, dir, "fallback.mp3")
	filler := writeFixture(t, dir, "filler.mp3")
	oracle := startOracle(t, []randomsource.Entry{{ID: 99, Path: filler}})

	d, q, sink, factory := scenarioDirector(t, oracle, fallback)
	nowPlaying := subscribeRecorder(d.bus, events.EventNowPlaying)
	q.PushTail(queue.Entry{ID: 5, Path: c})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	if !awaitCondition(t, time.Second, func() bool {
		seen := nowPlaying.snapshot()
		return len(seen) >= 1 && seen[0]["path"] == c
	}) {
		t.Fatalf("expected /c.mp3 to play first")
	}

	d.Messages() <- queue.ApiMessage{Kind: queue.MsgSkip}

	cGraph := factory.at(0)
	if !awaitCondition(t, 200*time.Millisecond, func() bool {
		for _, r := range cGraph.rings {
			if !r.Cancelled() {
				return false
			}
		}
		return true
	}) {
		t.Fatalf("expected skip to cancel every buffer of the current set within 200ms")
	}

	if !awaitCondition(t, time.Second, func() bool { return sink.count() >= 2 }) {
		t.Fatalf("expected the scheduler to promote the next prepared set after skip")
	}
	if q.Len() != 0 {
		t.Fatalf("skip must not re-queue the skipped track, queue len=%d", q.Len())
	}
}

// TestScenarioS4Fallback: five consecutive unopenable candidates exhaust
// the prebuild budget; the sixth attempt streams the configured fallback.
func TestScenarioS4Fallback(t *testing.T) {
	dir := t.TempDir()
	fallback := writeFixture(t, dir, "fallback.mp3")
	missing := filepath.Join(dir, "does-not-exist.mp3")
	oracle := startOracle(t, []randomsource.Entry{{ID: 1, Path: missing}})

	d, _, sink, _ := scenarioDirector(t, oracle, fallback)
	nowPlaying := subscribeRecorder(d.bus, events.EventNowPlaying)
	fallbackUsed := subscribeRecorder(d.bus, events.EventFallbackUsed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	if !awaitCondition(t, 2*time.Second, func() bool { return sink.count() >= 1 }) {
		t.Fatalf("expected the fallback track to eventually play")
	}

	seen := nowPlaying.snapshot()
	if len(seen) == 0 || seen[0]["source"] != string(store.SourceFallback) {
		t.Fatalf("expected the first promoted track to be the fallback, got %v", seen)
	}
	if len(fallbackUsed.snapshot()) == 0 {
		t.Fatalf("expected EventFallbackUsed to be published once the prebuild budget was exhausted")
	}
}

// TestScenarioS5ClearDuringPlay: queue = [q1, q2]; q1 is playing and q2
// is already queue-prepared. Clear empties the queue and cancels q2's
// prepared buffers without disturbing q1; the next track is drawn from
// the random oracle.
func TestScenarioS5ClearDuringPlay(t *testing.T) {
	dir := t.TempDir()
	q1 := writeFixture(t, dir, "q1.mp3")
	q2 := writeFixture(t, dir, "q2.mp3")
	filler := writeFixture(t, dir, "filler.mp3")
	fallback := writeFixture(t, dir, "fallback.mp3")
	oracle := startOracle(t, []randomsource.Entry{{ID: 50, Path: filler}})

	d, q, sink, factory := scenarioDirector(t, oracle, fallback)
	nowPlaying := subscribeRecorder(d.bus, events.EventNowPlaying)
	q.PushTail(queue.Entry{ID: 1, Path: q1})
	q.PushTail(queue.Entry{ID: 2, Path: q2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	if !awaitCondition(t, time.Second, func() bool {
		seen := nowPlaying.snapshot()
		return len(seen) >= 1 && seen[0]["path"] == q1
	}) {
		t.Fatalf("expected q1 to play first")
	}

	// By the time q1 is promoted, queue-prepared for q2 has already been
	// built (Run builds the next queue-prepared before promoting).
	q2Graph := factory.latest()
	if q2Graph == nil {
		t.Fatalf("expected q2's prepared graph to exist before clear")
	}

	d.Messages() <- queue.ApiMessage{Kind: queue.MsgClear}

	if !awaitCondition(t, time.Second, func() bool { return q.Len() == 0 }) {
		t.Fatalf("expected clear to empty the queue")
	}
	if !awaitCondition(t, 200*time.Millisecond, func() bool {
		for _, r := range q2Graph.rings {
			if !r.Cancelled() {
				return false
			}
		}
		return true
	}) {
		t.Fatalf("expected q2's prepared buffers to be cancelled and drained by clear")
	}

	q1Graph := factory.at(0)
	if q1Graph == nil {
		t.Fatalf("expected q1's graph to exist")
	}
	q1Graph.Cancel() // q1 reaches EOF, unaffected by the clear

	if !awaitCondition(t, time.Second, func() bool { return sink.count() >= 2 }) {
		t.Fatalf("expected a track to play after q1 finished")
	}
	seen := nowPlaying.snapshot()
	last := seen[len(seen)-1]
	if last["source"] != string(store.SourceRandom) {
		t.Fatalf("expected the next track after clear to be drawn from the random oracle, got %v", last["source"])
	}
}

// TestScenarioS6RemoveTailDropsOnlyLastQueuedEntry: queue = [q1, q2, q3];
// Remove(Tail) drops q3 only, leaving queue-prepared (built for q1)
// untouched and uncancelled.
func TestScenarioS6RemoveTailDropsOnlyLastQueuedEntry(t *testing.T) {
	d, q := newTestDirector(t)
	q.PushTail(queue.Entry{ID: 1, Path: "/media/q1.mp3"})
	q.PushTail(queue.Entry{ID: 2, Path: "/media/q2.mp3"})
	q.PushTail(queue.Entry{ID: 3, Path: "/media/q3.mp3"})

	queuePrepared := &preparedSet{fromID: 1, path: "/media/q1.mp3", hasID: true}
	current := &preparedSet{}

	result := d.handleMessage(context.Background(), queue.ApiMessage{Kind: queue.MsgRemove, Pos: queue.Tail}, current, queuePrepared)

	if result != queuePrepared {
		t.Fatalf("expected remove-tail to leave queue-prepared (for q1) untouched")
	}
	snapshot := q.Snapshot()
	if len(snapshot) != 2 || snapshot[0].ID != 1 || snapshot[1].ID != 2 {
		t.Fatalf("expected queue [q1, q2] after remove-tail, got %v", snapshot)
	}
}
