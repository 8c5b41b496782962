package prebuffer

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/grimnircore/radio/internal/ringbuffer"
)

func TestCancelDrainsRemainingBytes(t *testing.T) {
	ring := ringbuffer.New(64)
	ring.Write([]byte("partial frame"))

	pb := New(ring, &Metadata{Title: "Track"}, zerolog.Nop())
	pb.Cancel()

	if ring.Len() != 0 {
		t.Fatalf("expected ring drained after cancel, got len %d", ring.Len())
	}
	if !ring.Cancelled() {
		t.Fatal("expected ring to be cancelled")
	}
}

func TestCancelOnEmptyRingStillCancelsRing(t *testing.T) {
	ring := ringbuffer.New(64)
	pb := New(ring, &Metadata{Title: "Empty"}, zerolog.Nop())
	pb.Cancel()

	if !ring.Cancelled() {
		t.Fatal("expected ring to be cancelled")
	}
}
