/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package transcode builds and supervises a single gst-launch-1.0 process
// that decodes one input stream and fans it out, via a tee, into one
// encoded output branch per configured stream. Each branch's compressed
// bytes land in its own ringbuffer.RingBuffer.
package transcode

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/grimnircore/radio/internal/config"
	"github.com/grimnircore/radio/internal/ringbuffer"
)

// Metadata describes the track currently being transcoded. Fields are
// best-effort: Title and Artist come from tags where present; Duration is
// not probed by this package and stays zero (unknown).
type Metadata struct {
	Title    string
	Artist   string
	Duration time.Duration
}

// ringCapacityBytes sizes each output branch's buffer; this mirrors the
// 500KB working set the original scheduler budgeted per prepared track.
const ringCapacityBytes = 500 * 1024

// firstExtraFD is the lowest fd gst-launch's fdsink elements write to; fd 0-2
// are stdin/stdout/stderr, so ExtraFiles[0] lands on fd 3.
const firstExtraFD = 3

// Graph supervises one running gst-launch-1.0 process and its N output
// branches.
type Graph struct {
	cmd     *exec.Cmd
	outputs []*ringbuffer.RingBuffer
	logger  zerolog.Logger

	mu   sync.Mutex
	done chan struct{}
}

// Build launches gst-launch-1.0 reading source from stdin (container hints
// the demuxer via typefind, extension is informational only for logging)
// and fanning out into one ringbuffer.RingBuffer per output spec. It
// returns once the process has started; transcoding proceeds in the
// background until the source is exhausted, the process exits, or Cancel
// is called.
func Build(ctx context.Context, source io.Reader, ext string, outputs []OutputSpec, gstBin string, logger zerolog.Logger) (*Graph, error) {
	if len(outputs) == 0 {
		return nil, fmt.Errorf("transcode: at least one output is required")
	}

	launch, err := buildLaunchString(outputs)
	if err != nil {
		return nil, err
	}

	// WebRTC branches terminate in a udpsink straight to the relay's RTP
	// listener, not an fdsink; they get no pipe and no ring.
	ringCount := 0
	for _, spec := range outputs {
		if spec.Container != config.ContainerWebRTC {
			ringCount++
		}
	}

	writers := make([]*os.File, ringCount)
	readers := make([]*os.File, ringCount)
	for i := 0; i < ringCount; i++ {
		r, w, perr := os.Pipe()
		if perr != nil {
			closeAll(readers[:i])
			closeAll(writers[:i])
			return nil, fmt.Errorf("transcode: create output pipe %d: %w", i, perr)
		}
		readers[i] = r
		writers[i] = w
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", fmt.Sprintf("%s -e %s", gstBin, launch))
	cmd.Stdin = source
	cmd.Stderr = nil
	cmd.Stdout = nil
	cmd.ExtraFiles = writers

	if err := cmd.Start(); err != nil {
		closeAll(readers)
		closeAll(writers)
		return nil, fmt.Errorf("transcode: start gst-launch-1.0: %w", err)
	}
	// The child now owns the write ends; close our copies so EOF propagates
	// to the readers once gst-launch exits.
	closeAll(writers)

	g := &Graph{
		cmd:     cmd,
		outputs: make([]*ringbuffer.RingBuffer, ringCount),
		logger:  logger.With().Str("component", "transcode.Graph").Str("ext", ext).Logger(),
		done:    make(chan struct{}),
	}

	for i, r := range readers {
		ring := ringbuffer.New(ringCapacityBytes)
		g.outputs[i] = ring
		go pumpOutput(r, ring)
	}

	go func() {
		err := cmd.Wait()
		if closer, ok := source.(io.Closer); ok {
			closer.Close()
		}
		close(g.done)
		if err != nil {
			g.logger.Debug().Err(err).Msg("gst-launch-1.0 exited")
		} else {
			g.logger.Debug().Msg("gst-launch-1.0 completed")
		}
		for _, ring := range g.outputs {
			ring.Cancel()
		}
	}()

	return g, nil
}

// Outputs returns the per-branch ring buffers of the non-WebRTC output
// specs, in the order those specs appear in the slice passed to Build;
// WebRTC specs have no ring and no entry here.
func (g *Graph) Outputs() []*ringbuffer.RingBuffer {
	return g.outputs
}

// Cancel terminates the gst-launch-1.0 process if still running. It does
// not wait for the process to exit; callers that need that can select on
// the ring buffers' Cancelled state.
func (g *Graph) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.done:
		return
	default:
	}
	if g.cmd.Process != nil {
		_ = g.cmd.Process.Signal(os.Interrupt)
	}
}

func pumpOutput(r io.ReadCloser, ring *ringbuffer.RingBuffer) {
	defer r.Close()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if !ring.Write(buf[:n]) {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func closeAll(files []*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}

// buildLaunchString assembles a gst-launch-1.0 pipeline description: a
// stdin source feeding decodebin, tee'd into one queue+encode chain per
// output. Non-WebRTC branches land on their own extra file descriptor,
// starting at 3, via fdsink; a WebRTC branch's encode chain already ends
// in its own udpsink (see buildEncodeChain), so it is appended as-is.
func buildLaunchString(outputs []OutputSpec) (string, error) {
	var b strings.Builder
	b.WriteString("fdsrc fd=0 ! decodebin name=dec ! audioconvert ! audioresample ! tee name=t ")

	fd := firstExtraFD
	for i, spec := range outputs {
		encodeChain, err := buildEncodeChain(spec)
		if err != nil {
			return "", fmt.Errorf("output %d: %w", i, err)
		}
		if spec.Container == config.ContainerWebRTC {
			fmt.Fprintf(&b, "t. ! queue ! %s ", encodeChain)
			continue
		}
		fmt.Fprintf(&b, "t. ! queue ! %s ! fdsink fd=%d sync=false ", encodeChain, fd)
		fd++
	}

	return b.String(), nil
}
