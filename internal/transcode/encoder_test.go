package transcode

import (
	"strings"
	"testing"

	"github.com/grimnircore/radio/internal/config"
)

func TestBuildEncodeChainMP3(t *testing.T) {
	chain, err := buildEncodeChain(OutputSpec{Container: config.ContainerMP3, Bitrate: 128})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(chain, "lamemp3enc") || !strings.Contains(chain, "bitrate=128") {
		t.Fatalf("unexpected mp3 chain: %q", chain)
	}
}

func TestBuildEncodeChainOggVorbisDefault(t *testing.T) {
	chain, err := buildEncodeChain(OutputSpec{Container: config.ContainerOgg, Bitrate: 128})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(chain, "vorbisenc") || !strings.Contains(chain, "oggmux") {
		t.Fatalf("unexpected ogg chain: %q", chain)
	}
}

func TestBuildEncodeChainOggOpus(t *testing.T) {
	chain, err := buildEncodeChain(OutputSpec{Container: config.ContainerOgg, Codec: "opus", Bitrate: 96})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(chain, "opusenc") {
		t.Fatalf("expected opusenc, got %q", chain)
	}
}

func TestBuildEncodeChainRejectsUnknownCodec(t *testing.T) {
	if _, err := buildEncodeChain(OutputSpec{Container: config.ContainerOgg, Codec: "aac"}); err == nil {
		t.Fatal("expected error for unsupported ogg codec")
	}
}

func TestBuildEncodeChainRejectsWebRTCWithoutPort(t *testing.T) {
	if _, err := buildEncodeChain(OutputSpec{Container: config.ContainerWebRTC}); err == nil {
		t.Fatal("expected error: WebRTC output needs a non-zero RTP port")
	}
}

func TestContentType(t *testing.T) {
	if ContentType(config.ContainerMP3) != "audio/mpeg" {
		t.Fatal("unexpected mp3 content type")
	}
	if ContentType(config.ContainerOgg) != "audio/ogg" {
		t.Fatal("unexpected ogg content type")
	}
}
