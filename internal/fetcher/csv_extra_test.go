package fetcher

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// truncatedReader fails with failErr after failAt bytes, simulating a
// download that drops mid-transfer.
type truncatedReader struct {
	data    string
	pos     int
	failAt  int
	failErr error
}

func (r *truncatedReader) Read(p []byte) (int, error) {
	if r.pos >= r.failAt {
		return 0, r.failErr
	}
	remaining := r.data[r.pos:]
	n := copy(p, remaining)
	if r.pos+n >= r.failAt {
		n = r.failAt - r.pos
		r.pos = r.failAt
		return n, nil
	}
	r.pos += n
	return n, nil
}

func TestStreamCSVTruncatedTransfer(t *testing.T) {
	r := &truncatedReader{
		data:    "7326.90.86,2.9\n7308.90.95,0\n",
		failAt:  18,
		failErr: io.ErrUnexpectedEOF,
	}

	rowCh, errCh := StreamCSV(context.Background(), r, CSVOptions{})
	for range rowCh { //nolint:revive // drain
	}

	var gotErr error
	for err := range errCh {
		if err != nil {
			gotErr = err
		}
	}
	require.Error(t, gotErr)
	assert.Contains(t, gotErr.Error(), "csv: read row")
}

func TestStreamCSVHeaderSkippedWithoutChannel(t *testing.T) {
	input := "HTS Number,Rate\n7326.90.86,2.9%\n7308.90.95,Free\n"
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{
		HasHeader: true,
	})

	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"7326.90.86", "2.9%"}, rows[0])
}

func TestStreamCSVBlockedHeaderCancelled(t *testing.T) {
	headerCh := make(chan []string) // unbuffered, nothing reads it

	ctx, cancel := context.WithCancel(context.Background())
	rowCh, errCh := StreamCSV(ctx, strings.NewReader("HTS Number,Rate\n7326.90.86,2.9\n"), CSVOptions{
		HasHeader: true,
		HeaderCh:  headerCh,
	})
	cancel()

	for range rowCh { //nolint:revive // drain
	}
	var gotErr error
	for err := range errCh {
		if err != nil {
			gotErr = err
		}
	}
	if gotErr != nil {
		assert.Contains(t, gotErr.Error(), "context cancelled")
	}
}

func TestStreamCSVTrimSpaceAppliesToHeader(t *testing.T) {
	input := " HTS Number , Rate \n 7326.90.86 , 2.9 \n"
	headerCh := make(chan []string, 1)
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{
		TrimSpace: true,
		HasHeader: true,
		HeaderCh:  headerCh,
	})

	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"7326.90.86", "2.9"}, rows[0])
	assert.Equal(t, []string{"HTS Number", "Rate"}, <-headerCh)
}

func TestStreamCSVRaggedRows(t *testing.T) {
	// Exports pad or drop trailing columns between revisions.
	input := "7326.90.86,articles,2.9\n7308.90.95,0\n9903.88.01,china,7.5,note 20\n"
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{})

	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Len(t, rows[0], 3)
	assert.Len(t, rows[1], 2)
	assert.Len(t, rows[2], 4)
}
