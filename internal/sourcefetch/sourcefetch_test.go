package sourcefetch

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/grimnircore/radio/internal/config"
)

func TestResolveLocalReadsFileContents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "track.mp3")
	if err := os.WriteFile(path, []byte("audio-bytes"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	f, err := New(context.Background(), &config.Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	src, err := f.Resolve(path)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if src.Ext != "mp3" {
		t.Fatalf("expected ext mp3, got %q", src.Ext)
	}
	if !src.Seekable {
		t.Fatal("expected local source to be seekable")
	}

	rc, err := src.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "audio-bytes" {
		t.Fatalf("unexpected contents: %q", got)
	}
}

func TestResolveS3WithoutCredentialsFails(t *testing.T) {
	f, err := New(context.Background(), &config.Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := f.Resolve("s3://bucket/show.ogg"); err == nil {
		t.Fatal("expected error resolving s3 locator with no credentials configured")
	}
}

func TestSplitS3URL(t *testing.T) {
	bucket, key, err := splitS3URL("s3://mybucket/path/to/show.mp3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bucket != "mybucket" || key != "path/to/show.mp3" {
		t.Fatalf("unexpected split: bucket=%q key=%q", bucket, key)
	}
}

func TestSplitS3URLRejectsMalformed(t *testing.T) {
	if _, _, err := splitS3URL("s3://bucketonly"); err == nil {
		t.Fatal("expected error for locator missing a key")
	}
}

func TestExtensionOf(t *testing.T) {
	if got := extensionOf("/media/show.mp3"); got != "mp3" {
		t.Fatalf("unexpected extension: %q", got)
	}
	if got := extensionOf("/media/noext"); got != "" {
		t.Fatalf("expected empty extension, got %q", got)
	}
}
