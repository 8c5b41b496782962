/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package transcode

import (
	"fmt"

	"github.com/grimnircore/radio/internal/config"
)

// OutputSpec describes one transcode output branch: its audio codec,
// bitrate, and the container it will be muxed into. Port is only
// meaningful for config.ContainerWebRTC branches, which terminate in a
// udpsink instead of an fdsink.
type OutputSpec struct {
	Container config.Container
	Codec     string
	Bitrate   int
	Port      int
}

// buildEncodeChain returns the GStreamer element chain (not including the
// leading queue/audioconvert/audioresample, added by the caller) that
// encodes and, where needed, muxes raw audio for one output branch.
func buildEncodeChain(spec OutputSpec) (string, error) {
	bitrate := spec.Bitrate
	if bitrate == 0 {
		bitrate = 128
	}

	switch spec.Container {
	case config.ContainerMP3:
		return fmt.Sprintf("lamemp3enc target=1 bitrate=%d cbr=true", bitrate), nil

	case config.ContainerOgg:
		switch spec.Codec {
		case "opus":
			return fmt.Sprintf("opusenc bitrate=%d ! oggmux", bitrate*1000), nil
		case "vorbis", "":
			return fmt.Sprintf("vorbisenc bitrate=%d ! oggmux", bitrate*1000), nil
		default:
			return "", fmt.Errorf("unsupported ogg codec %q", spec.Codec)
		}

	case config.ContainerWebRTC:
		if spec.Port == 0 {
			return "", fmt.Errorf("webrtc output requires a non-zero RTP target port")
		}
		// rtpopuspay's pt matches the payload type webrtcrelay.Relay
		// registers for its shared audio track; udpsink, not fdsink,
		// terminates this branch since it feeds the relay's RTP
		// listener directly rather than a broadcast Pump ring.
		return fmt.Sprintf("opusenc bitrate=%d ! rtpopuspay pt=111 ! udpsink host=127.0.0.1 port=%d", bitrate*1000, spec.Port), nil

	default:
		return "", fmt.Errorf("unsupported output container %q", spec.Container)
	}
}

// ContentType returns the MIME type a broadcast Mount should advertise for
// an output branch's container.
func ContentType(c config.Container) string {
	switch c {
	case config.ContainerMP3:
		return "audio/mpeg"
	case config.ContainerOgg:
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}
