// Package federalregister is a minimal client for the Federal Register
// REST API (www.federalregister.gov/api/v1). It covers document search and
// raw-text retrieval, which is all the registry sync job needs.
package federalregister

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://www.federalregister.gov/api/v1"

// maxPerPage is the API's documented page-size ceiling.
const maxPerPage = 1000

// Client performs document searches against the Federal Register API.
type Client interface {
	ListDocuments(ctx context.Context, q SearchQuery) ([]Document, error)
	GetRawText(ctx context.Context, doc *Document) (string, error)
}

// SearchQuery describes a document search window.
type SearchQuery struct {
	// Term is the full-text search term (e.g. "harmonized tariff schedule").
	Term string
	// PublishedSince restricts results to documents published on or after
	// this date.
	PublishedSince time.Time
	// MaxDocuments caps total results across pages. Zero means one page.
	MaxDocuments int
}

// Document is a single Federal Register document from the search results.
type Document struct {
	DocumentNumber  string   `json:"document_number"`
	Title           string   `json:"title"`
	Type            string   `json:"type"`
	Abstract        string   `json:"abstract"`
	PublicationDate RegDate  `json:"publication_date"`
	HTMLURL         string   `json:"html_url"`
	RawTextURL      string   `json:"raw_text_url"`
	Agencies        []Agency `json:"agencies"`
}

// Agency identifies a publishing agency.
type Agency struct {
	Name string `json:"name"`
	ID   int    `json:"id"`
}

// RegDate unmarshals the API's YYYY-MM-DD date strings.
type RegDate struct {
	time.Time
}

func (d *RegDate) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return eris.Wrapf(err, "federalregister: parse date %q", s)
	}
	d.Time = t
	return nil
}

type searchResponse struct {
	Count      int        `json:"count"`
	TotalPages int        `json:"total_pages"`
	Results    []Document `json:"results"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Federal Register API client. The API is unauthenticated.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) ListDocuments(ctx context.Context, q SearchQuery) ([]Document, error) {
	perPage := q.MaxDocuments
	if perPage <= 0 || perPage > maxPerPage {
		perPage = maxPerPage
	}

	var out []Document
	for page := 1; ; page++ {
		resp, err := c.searchPage(ctx, q, perPage, page)
		if err != nil {
			return nil, err
		}
		out = append(out, resp.Results...)

		if q.MaxDocuments > 0 && len(out) >= q.MaxDocuments {
			out = out[:q.MaxDocuments]
			break
		}
		if page >= resp.TotalPages || len(resp.Results) == 0 {
			break
		}
	}
	return out, nil
}

func (c *httpClient) searchPage(ctx context.Context, q SearchQuery, perPage, page int) (*searchResponse, error) {
	params := url.Values{}
	params.Set("conditions[term]", q.Term)
	if !q.PublishedSince.IsZero() {
		params.Set("conditions[publication_date][gte]", q.PublishedSince.Format("2006-01-02"))
	}
	params.Set("per_page", strconv.Itoa(perPage))
	params.Set("page", strconv.Itoa(page))
	params.Set("order", "newest")
	for _, f := range []string{"document_number", "title", "type", "abstract", "publication_date", "html_url", "raw_text_url", "agencies"} {
		params.Add("fields[]", f)
	}

	reqURL := fmt.Sprintf("%s/documents.json?%s", c.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "federalregister: create request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "federalregister: list documents")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "federalregister: read response")
	}

	// An empty window returns 404 rather than an empty result set.
	if resp.StatusCode == http.StatusNotFound {
		return &searchResponse{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("federalregister: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var result searchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "federalregister: unmarshal response")
	}
	return &result, nil
}

func (c *httpClient) GetRawText(ctx context.Context, doc *Document) (string, error) {
	if doc.RawTextURL == "" {
		return "", eris.Errorf("federalregister: document %s has no raw text URL", doc.DocumentNumber)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, doc.RawTextURL, nil)
	if err != nil {
		return "", eris.Wrap(err, "federalregister: create raw text request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", eris.Wrapf(err, "federalregister: fetch raw text %s", doc.DocumentNumber)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", eris.Wrap(err, "federalregister: read raw text")
	}
	if resp.StatusCode != http.StatusOK {
		return "", eris.Errorf("federalregister: raw text %s: unexpected status %d", doc.DocumentNumber, resp.StatusCode)
	}
	return string(body), nil
}
