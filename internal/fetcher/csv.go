// Package fetcher downloads tariff schedule exports and registry documents
// over HTTP and FTP and streams the CSV, JSON, XLSX, and ZIP formats the
// publishers use.
package fetcher

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// CSVOptions configures the streaming CSV parser.
type CSVOptions struct {
	Delimiter  rune            // default ','
	HasHeader  bool            // first row is not sent as data
	HeaderCh   chan<- []string // receives the header row when HasHeader is set
	Comment    rune            // 0 disables comment handling
	LazyQuotes bool
	TrimSpace  bool
}

// StreamCSV reads CSV records from r and sends them on the returned row
// channel. Schedule exports run to tens of thousands of rows, so records are
// streamed rather than accumulated. The caller must drain the row channel;
// both channels are closed when the reader is exhausted. At most one error
// is sent.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		if opts.Comment != 0 {
			reader.Comment = opts.Comment
		}
		reader.LazyQuotes = opts.LazyQuotes
		// Schedule exports pad trailing columns inconsistently.
		reader.FieldsPerRecord = -1

		headerPending := opts.HasHeader
		for {
			if err := ctx.Err(); err != nil {
				errCh <- eris.Wrap(err, "csv: context cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}

			if opts.TrimSpace {
				for i := range record {
					record[i] = strings.TrimSpace(record[i])
				}
			}

			if headerPending {
				headerPending = false
				if opts.HeaderCh != nil {
					select {
					case opts.HeaderCh <- record:
					case <-ctx.Done():
						errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled sending header")
						return
					}
				}
				continue
			}

			select {
			case rowCh <- record:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}
