package fetcher

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
)

// DecodeJSONArray streams the elements of a top-level JSON array. The
// schedule's JSON export is a single array of row objects too large to
// decode in one allocation. Both channels are closed when the input is
// exhausted; at most one error is sent.
func DecodeJSONArray[T any](ctx context.Context, r io.Reader) (<-chan T, <-chan error) {
	rows := make(chan T, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rows)
		defer close(errCh)
		if err := streamArray(ctx, json.NewDecoder(r), rows); err != nil {
			errCh <- err
		}
	}()

	return rows, errCh
}

func streamArray[T any](ctx context.Context, dec *json.Decoder, rows chan<- T) error {
	tok, err := dec.Token()
	switch {
	case err == io.EOF:
		// Empty input streams zero rows.
		return nil
	case err != nil:
		return eris.Wrap(err, "json: read opening token")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return eris.Errorf("json: expected '[', got %v", tok)
	}

	for dec.More() {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "json: context cancelled")
		}

		var row T
		if err := dec.Decode(&row); err != nil {
			return eris.Wrap(err, "json: decode element")
		}

		select {
		case rows <- row:
		case <-ctx.Done():
			return eris.Wrap(ctx.Err(), "json: context cancelled")
		}
	}

	if _, err := dec.Token(); err != nil && err != io.EOF {
		return eris.Wrap(err, "json: read closing token")
	}
	return nil
}

// DecodeJSONObject decodes a single JSON object from r.
func DecodeJSONObject[T any](r io.Reader) (*T, error) {
	var obj T
	if err := json.NewDecoder(r).Decode(&obj); err != nil {
		return nil, eris.Wrap(err, "json: decode object")
	}
	return &obj, nil
}
