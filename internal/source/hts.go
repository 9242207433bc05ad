package source

import (
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/fetcher"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/store"
)

const htsBatchSize = 5000

// HTSWriter is the slice of the store the schedule loader needs.
type HTSWriter interface {
	UpsertHTS(ctx context.Context, rows []store.HTSRow) (int64, error)
	CountHTS(ctx context.Context) (int64, error)
}

// FileDownloader fetches a URL to a local path. Both HTTPFetcher and
// FTPFetcher satisfy it.
type FileDownloader interface {
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// HTSLoader downloads the published tariff schedule export and loads it into
// the hts_rates reference table. The export is CSV or XLSX, sometimes inside
// a ZIP, and occasionally mirrored over FTP.
type HTSLoader struct {
	http    FileDownloader
	ftp     FileDownloader
	writer  HTSWriter
	tempDir string
}

// NewHTSLoader creates a schedule loader. ftp may be nil when only HTTP
// sources are configured.
func NewHTSLoader(http FileDownloader, ftp FileDownloader, w HTSWriter, tempDir string) *HTSLoader {
	return &HTSLoader{http: http, ftp: ftp, writer: w, tempDir: tempDir}
}

// Load fetches the export at exportURL and replaces matching reference rows.
// Returns the number of rows loaded.
func (l *HTSLoader) Load(ctx context.Context, exportURL string) (int64, error) {
	log := zap.L().With(zap.String("url", exportURL))

	if err := os.MkdirAll(l.tempDir, 0o755); err != nil {
		return 0, eris.Wrap(err, "hts: create temp dir")
	}

	localPath, cleanup, err := l.download(ctx, exportURL)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	dataPath := localPath
	if strings.EqualFold(filepath.Ext(localPath), ".zip") {
		dataPath, err = fetcher.ExtractZIPSingle(localPath, l.tempDir)
		if err != nil {
			return 0, eris.Wrap(err, "hts: extract export archive")
		}
		defer os.Remove(dataPath) //nolint:errcheck
	}

	var loaded int64
	switch strings.ToLower(filepath.Ext(dataPath)) {
	case ".xlsx":
		loaded, err = l.loadXLSX(ctx, dataPath, exportURL)
	case ".json":
		loaded, err = l.loadJSON(ctx, dataPath, exportURL)
	default:
		loaded, err = l.loadCSV(ctx, dataPath, exportURL)
	}
	if err != nil {
		return loaded, err
	}

	total, err := l.writer.CountHTS(ctx)
	if err != nil {
		return loaded, err
	}
	log.Info("loaded tariff schedule",
		zap.Int64("rows_loaded", loaded),
		zap.Int64("reference_total", total))
	return loaded, nil
}

func (l *HTSLoader) download(ctx context.Context, exportURL string) (string, func(), error) {
	u, err := url.Parse(exportURL)
	if err != nil {
		return "", nil, eris.Wrapf(err, "hts: parse export url %s", exportURL)
	}

	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		name = "hts_export.csv"
	}
	localPath := filepath.Join(l.tempDir, name)

	f := l.http
	if u.Scheme == "ftp" {
		if l.ftp == nil {
			return "", nil, eris.Errorf("hts: ftp source %s but no ftp fetcher configured", exportURL)
		}
		f = l.ftp
	}

	if _, err := f.DownloadToFile(ctx, exportURL, localPath); err != nil {
		return "", nil, eris.Wrapf(err, "hts: download export %s", exportURL)
	}
	return localPath, func() { _ = os.Remove(localPath) }, nil
}

// htsBatcher accumulates parsed reference rows and flushes them to the
// store in chunks.
type htsBatcher struct {
	ctx    context.Context
	writer HTSWriter
	batch  []store.HTSRow
	total  int64
}

func newHTSBatcher(ctx context.Context, w HTSWriter) *htsBatcher {
	return &htsBatcher{ctx: ctx, writer: w, batch: make([]store.HTSRow, 0, htsBatchSize)}
}

func (b *htsBatcher) add(r store.HTSRow) error {
	b.batch = append(b.batch, r)
	if len(b.batch) >= htsBatchSize {
		return b.flush()
	}
	return nil
}

func (b *htsBatcher) flush() error {
	if len(b.batch) == 0 {
		return nil
	}
	n, err := b.writer.UpsertHTS(b.ctx, b.batch)
	b.total += n
	b.batch = b.batch[:0]
	return err
}

func (l *HTSLoader) loadCSV(ctx context.Context, dataPath, sourceURL string) (int64, error) {
	f, err := os.Open(dataPath)
	if err != nil {
		return 0, eris.Wrap(err, "hts: open export")
	}
	defer f.Close() //nolint:errcheck

	headerCh := make(chan []string, 1)
	rowCh, errCh := fetcher.StreamCSV(ctx, f, fetcher.CSVOptions{
		HasHeader:  true,
		HeaderCh:   headerCh,
		LazyQuotes: true,
		TrimSpace:  true,
	})

	cols := htsColumnIndexes(<-headerCh)

	b := newHTSBatcher(ctx, l.writer)
	for row := range rowCh {
		r, ok := parseScheduleRow(row, cols, sourceURL)
		if !ok {
			continue
		}
		if err := b.add(r); err != nil {
			return b.total, err
		}
	}
	if err := <-errCh; err != nil {
		return b.total, eris.Wrap(err, "hts: stream export")
	}
	return b.total, b.flush()
}

func (l *HTSLoader) loadXLSX(ctx context.Context, dataPath, sourceURL string) (int64, error) {
	headerCh := make(chan []string, 1)
	rowCh, errCh := fetcher.StreamXLSX(ctx, dataPath, fetcher.XLSXOptions{
		SkipRows: 1,
		HeaderCh: headerCh,
	})

	cols := htsColumnIndexes(<-headerCh)

	b := newHTSBatcher(ctx, l.writer)
	for row := range rowCh {
		r, ok := parseScheduleRow(row, cols, sourceURL)
		if !ok {
			continue
		}
		if err := b.add(r); err != nil {
			return b.total, err
		}
	}
	if err := <-errCh; err != nil {
		return b.total, eris.Wrap(err, "hts: stream export")
	}
	return b.total, b.flush()
}

// htsJSONRow mirrors the fields of the schedule's JSON export this loader
// consumes.
type htsJSONRow struct {
	Number      string `json:"htsno"`
	Description string `json:"description"`
	GeneralRate string `json:"general"`
}

// jsonExportColumns positions htsJSONRow fields for parseScheduleRow.
var jsonExportColumns = htsColumns{number: 0, description: 1, generalRate: 2}

func (l *HTSLoader) loadJSON(ctx context.Context, dataPath, sourceURL string) (int64, error) {
	f, err := os.Open(dataPath)
	if err != nil {
		return 0, eris.Wrap(err, "hts: open export")
	}
	defer f.Close() //nolint:errcheck

	rowCh, errCh := fetcher.DecodeJSONArray[htsJSONRow](ctx, f)

	b := newHTSBatcher(ctx, l.writer)
	for rec := range rowCh {
		r, ok := parseScheduleRow([]string{rec.Number, rec.Description, rec.GeneralRate}, jsonExportColumns, sourceURL)
		if !ok {
			continue
		}
		if err := b.add(r); err != nil {
			return b.total, err
		}
	}
	if err := <-errCh; err != nil {
		return b.total, eris.Wrap(err, "hts: stream export")
	}
	return b.total, b.flush()
}

// htsColumns maps export header names to row positions.
type htsColumns struct {
	number      int
	description int
	generalRate int
}

func htsColumnIndexes(header []string) htsColumns {
	cols := htsColumns{number: 0, description: -1, generalRate: -1}
	for i, h := range header {
		switch {
		case strings.EqualFold(strings.TrimSpace(h), "HTS Number"):
			cols.number = i
		case strings.EqualFold(strings.TrimSpace(h), "Description"):
			cols.description = i
		case strings.Contains(strings.ToLower(h), "general"):
			cols.generalRate = i
		}
	}
	return cols
}

// parseScheduleRow converts one export row into a reference row. Rows whose
// general rate is specific or compound (cents per kg, etc.) are skipped: only
// ad valorem rates are comparable across the pipeline.
func parseScheduleRow(row []string, cols htsColumns, sourceURL string) (store.HTSRow, bool) {
	var zero store.HTSRow
	if cols.generalRate < 0 || cols.generalRate >= len(row) || cols.number >= len(row) {
		return zero, false
	}

	code := strings.TrimSpace(row[cols.number])
	if _, err := model.NormalizeHSCode(code); err != nil {
		return zero, false
	}

	rate, ok := ParseAdValorem(row[cols.generalRate])
	if !ok {
		return zero, false
	}

	r := store.HTSRow{
		HSCode:     code,
		PolicyType: model.PolicyMFN,
		RateValue:  rate,
		SourceURL:  sourceURL,
	}
	if cols.description >= 0 && cols.description < len(row) {
		r.Description = strings.TrimSpace(row[cols.description])
	}
	return r, true
}

// ParseAdValorem parses a schedule duty string into a percentage. "Free"
// parses as 0. Specific and compound rates return ok=false.
func ParseAdValorem(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if strings.EqualFold(s, "free") {
		return 0, true
	}

	// Accept "2.9%" and "2.9 %" only. Anything else ("4.4¢/kg",
	// "5.5% + 2.2¢/kg") is not ad valorem.
	s = strings.TrimSuffix(s, "%")
	s = strings.TrimSpace(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
