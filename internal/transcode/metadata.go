/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package transcode

import (
	"io"

	"github.com/dhowden/tag"
)

// ReadMetadata extracts title/artist tags from a seekable source. It is
// best-effort: any failure (unsupported format, no tags, non-seekable
// source) yields a zero-value Metadata rather than an error, since a
// missing tag must never block a track from playing.
func ReadMetadata(r io.ReadSeeker) Metadata {
	m, err := tag.ReadFrom(r)
	defer r.Seek(0, io.SeekStart)
	if err != nil {
		return Metadata{}
	}
	return Metadata{Title: m.Title(), Artist: m.Artist()}
}
