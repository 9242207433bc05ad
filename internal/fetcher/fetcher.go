package fetcher

import (
	"context"
	"io"
)

// Fetcher downloads schedule exports and registry documents.
type Fetcher interface {
	// Download fetches url and returns the decoded response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile writes the body of url to path, returning bytes
	// written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)

	// HeadETag returns the ETag header from a HEAD request against url.
	HeadETag(ctx context.Context, url string) (string, error)

	// DownloadIfChanged fetches url only when its ETag differs from
	// etag. When unchanged, body is nil and changed is false.
	DownloadIfChanged(ctx context.Context, url string, etag string) (io.ReadCloser, string, bool, error)
}
