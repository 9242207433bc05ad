package fetcher

import (
	"io"
	"mime"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

// decodeTextBody transcodes a text response body to UTF-8 based on the
// charset parameter of its Content-Type. Older agency pages still serve
// ISO-8859-1. Binary, unlabeled, and already-UTF-8 responses pass through
// untouched.
func decodeTextBody(body io.ReadCloser, contentType string) (io.ReadCloser, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return body, nil //nolint:nilerr // unparseable header, serve raw bytes
	}
	if !strings.HasPrefix(mediaType, "text/") {
		return body, nil
	}

	charset := strings.ToLower(params["charset"])
	switch charset {
	case "", "utf-8", "us-ascii":
		return body, nil
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: unsupported charset %q", charset)
	}
	return &decodedBody{reader: enc.NewDecoder().Reader(body), closer: body}, nil
}

// decodedBody reads through the charset transformer while closing the
// underlying response body.
type decodedBody struct {
	reader io.Reader
	closer io.Closer
}

func (d *decodedBody) Read(p []byte) (int, error) { return d.reader.Read(p) }

func (d *decodedBody) Close() error { return d.closer.Close() }
