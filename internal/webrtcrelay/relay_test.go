package webrtcrelay

import (
	"errors"
	"net"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewRelayDefaultsRTPPort(t *testing.T) {
	r, err := NewRelay(Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	if r.rtpPort != 5004 {
		t.Fatalf("expected default RTP port 5004, got %d", r.rtpPort)
	}
}

func TestPeerCountStartsAtZero(t *testing.T) {
	r, err := NewRelay(Config{RTPPort: 6000}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	if r.PeerCount() != 0 {
		t.Fatalf("expected zero peers on a fresh relay, got %d", r.PeerCount())
	}
	stats := r.Stats()
	if stats["rtp_port"] != 6000 {
		t.Fatalf("expected stats to report configured rtp_port, got %v", stats["rtp_port"])
	}
}

func TestIsTimeoutDistinguishesNetErrors(t *testing.T) {
	if isTimeout(nil) {
		t.Fatalf("nil error should not be a timeout")
	}
	if isTimeout(errors.New("plain error")) {
		t.Fatalf("non-net error should not be a timeout")
	}
	_, err := net.DialTimeout("tcp", "127.0.0.1:1", 0)
	if err == nil {
		t.Skip("expected a dial error to assert against")
	}
	if isTimeout(err) {
		t.Fatalf("connection-refused dial error should not be a timeout: %v", err)
	}
}
