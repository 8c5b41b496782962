/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package sourcefetch resolves a QueueEntry.Path locator — a local
// filesystem path or an s3://bucket/key URL — into a readable source for
// the transcode graph, along with the container-hint extension taken from
// the locator's final path component.
package sourcefetch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/grimnircore/radio/internal/config"
)

// Source is a resolved, openable locator: Open returns the audio bytes
// plus the extension hint used to pick an encode-chain-appropriate
// demuxer. Seekable reports whether the underlying reader supports
// io.Seeker, which gates best-effort metadata extraction.
type Source struct {
	Ext      string
	Seekable bool
	Open     func(ctx context.Context) (io.ReadCloser, error)
}

// Fetcher resolves locators into Sources. It is safe for concurrent use.
type Fetcher struct {
	s3     *s3.Client
	bucket string
	logger zerolog.Logger
}

// New builds a Fetcher. The S3 client is constructed lazily-by-config:
// when neither an S3 access key nor an S3 bucket is configured, no client
// is built and Resolve simply refuses s3:// locators rather than failing
// at startup.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Fetcher, error) {
	f := &Fetcher{
		bucket: cfg.S3Bucket,
		logger: logger.With().Str("component", "sourcefetch.Fetcher").Logger(),
	}

	if cfg.S3AccessKeyID == "" && cfg.S3Bucket == "" {
		return f, nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, ""),
		))
	}
	if cfg.S3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{URL: cfg.S3Endpoint, HostnameImmutable: true, SigningRegion: cfg.S3Region}, nil
			}
			return aws.Endpoint{}, fmt.Errorf("unknown endpoint requested")
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sourcefetch: load AWS config: %w", err)
	}

	f.s3 = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3UsePathStyle {
			o.UsePathStyle = true
		}
	})
	return f, nil
}

// Resolve turns a queue entry's path locator into a Source. It does not
// open the source; Open does that lazily so retry attempts (see
// internal/director) can each get a fresh reader.
func (f *Fetcher) Resolve(path string) (Source, error) {
	if strings.HasPrefix(path, "s3://") {
		return f.resolveS3(path)
	}
	return f.resolveLocal(path)
}

func (f *Fetcher) resolveLocal(path string) (Source, error) {
	ext := extensionOf(path)
	return Source{
		Ext:      ext,
		Seekable: true,
		Open: func(_ context.Context) (io.ReadCloser, error) {
			file, err := os.Open(path)
			if err != nil {
				return nil, fmt.Errorf("sourcefetch: open local file %q: %w", path, err)
			}
			return file, nil
		},
	}, nil
}

func (f *Fetcher) resolveS3(path string) (Source, error) {
	if f.s3 == nil {
		return Source{}, fmt.Errorf("sourcefetch: %q requires S3 credentials, none configured", path)
	}

	bucket, key, err := splitS3URL(path)
	if err != nil {
		return Source{}, err
	}

	ext := extensionOf(key)
	return Source{
		Ext:      ext,
		Seekable: false,
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			out, err := f.s3.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return nil, fmt.Errorf("sourcefetch: fetch s3://%s/%s: %w", bucket, key, err)
			}
			return out.Body, nil
		},
	}, nil
}

// splitS3URL parses "s3://bucket/key/with/slashes" into its parts.
func splitS3URL(path string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(path, "s3://")
	idx := strings.IndexByte(rest, '/')
	if idx < 0 || idx == len(rest)-1 {
		return "", "", fmt.Errorf("sourcefetch: malformed s3 locator %q", path)
	}
	return rest[:idx], rest[idx+1:], nil
}

// extensionOf returns the container hint from a locator's final
// '.'-delimited path component, without the leading dot.
func extensionOf(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimPrefix(ext, ".")
}
