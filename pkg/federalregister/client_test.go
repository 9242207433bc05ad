package federalregister

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListDocuments(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/documents.json", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "harmonized tariff schedule", q.Get("conditions[term]"))
		assert.Equal(t, "2025-01-01", q.Get("conditions[publication_date][gte]"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"count": 2,
			"total_pages": 1,
			"results": [
				{
					"document_number": "2025-04589",
					"title": "Adjusting Imports of Steel Into the United States",
					"type": "Presidential Document",
					"abstract": "Proclamation adjusting section 232 duties.",
					"publication_date": "2025-03-12",
					"html_url": "https://www.federalregister.gov/d/2025-04589",
					"raw_text_url": "https://www.federalregister.gov/documents/full_text/text/2025/03/12/2025-04589.txt",
					"agencies": [{"name": "Executive Office of the President", "id": 28}]
				},
				{
					"document_number": "2025-05102",
					"title": "Notice of Modification of Section 301 Action",
					"type": "Notice",
					"publication_date": "2025-03-20",
					"raw_text_url": ""
				}
			]
		}`)
	}))
	defer ts.Close()

	c := NewClient(WithBaseURL(ts.URL))
	docs, err := c.ListDocuments(context.Background(), SearchQuery{
		Term:           "harmonized tariff schedule",
		PublishedSince: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "2025-04589", docs[0].DocumentNumber)
	assert.Equal(t, "Presidential Document", docs[0].Type)
	assert.Equal(t, time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC), docs[0].PublicationDate.Time)
	require.Len(t, docs[0].Agencies, 1)
	assert.Equal(t, 28, docs[0].Agencies[0].ID)
}

func TestListDocumentsPaginates(t *testing.T) {
	var pages []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		pages = append(pages, page)
		w.Header().Set("Content-Type", "application/json")
		if page == "1" {
			fmt.Fprint(w, `{"count": 2, "total_pages": 2, "results": [{"document_number": "A"}]}`)
			return
		}
		fmt.Fprint(w, `{"count": 2, "total_pages": 2, "results": [{"document_number": "B"}]}`)
	}))
	defer ts.Close()

	c := NewClient(WithBaseURL(ts.URL))
	docs, err := c.ListDocuments(context.Background(), SearchQuery{Term: "tariff"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, []string{"1", "2"}, pages)
	assert.Equal(t, "A", docs[0].DocumentNumber)
	assert.Equal(t, "B", docs[1].DocumentNumber)
}

func TestListDocumentsMaxDocumentsCap(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("per_page"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"count": 10, "total_pages": 4, "results": [
			{"document_number": "A"}, {"document_number": "B"}, {"document_number": "C"}
		]}`)
	}))
	defer ts.Close()

	c := NewClient(WithBaseURL(ts.URL))
	docs, err := c.ListDocuments(context.Background(), SearchQuery{Term: "tariff", MaxDocuments: 3})
	require.NoError(t, err)
	assert.Len(t, docs, 3)
}

func TestListDocumentsEmptyWindow(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer ts.Close()

	c := NewClient(WithBaseURL(ts.URL))
	docs, err := c.ListDocuments(context.Background(), SearchQuery{Term: "tariff"})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestListDocumentsServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c := NewClient(WithBaseURL(ts.URL))
	_, err := c.ListDocuments(context.Background(), SearchQuery{Term: "tariff"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestGetRawText(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "Proclamation 10896 of February 10, 2025 ...")
	}))
	defer ts.Close()

	c := NewClient()
	text, err := c.GetRawText(context.Background(), &Document{
		DocumentNumber: "2025-04589",
		RawTextURL:     ts.URL + "/2025-04589.txt",
	})
	require.NoError(t, err)
	assert.Contains(t, text, "Proclamation 10896")
}

func TestGetRawTextMissingURL(t *testing.T) {
	c := NewClient()
	_, err := c.GetRawText(context.Background(), &Document{DocumentNumber: "2025-00001"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no raw text URL")
}
