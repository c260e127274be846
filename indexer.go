package shield

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// MonthlyIndex builds the partitioned index name for a timestamp, e.g.
// "threat-events-2026-08". Partitioning by month keeps retention a cheap
// index-drop on the search side.
func MonthlyIndex(prefix string, ts time.Time) string {
	return fmt.Sprintf("%s-%s", prefix, ts.UTC().Format("2006-01"))
}

// HTTPIndexer ships documents to an Elasticsearch-compatible endpoint over
// its document API. Indexing is best-effort; callers treat failures as soft.
type HTTPIndexer struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

func NewHTTPIndexer(baseURL, username, password string) *HTTPIndexer {
	return &HTTPIndexer{
		baseURL:  baseURL,
		username: username,
		password: password,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (x *HTTPIndexer) IndexDocument(ctx context.Context, index, id string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document for index %s: %w", index, err)
	}
	endpoint := fmt.Sprintf("%s/%s/_doc/%s", x.baseURL, url.PathEscape(index), url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build index request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if x.username != "" {
		req.SetBasicAuth(x.username, x.password)
	}
	resp, err := x.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("indexer returned status %d for %s", resp.StatusCode, index)
	}
	return nil
}

// NoopIndexer satisfies EventIndexer when no search backend is configured.
type NoopIndexer struct{}

func (NoopIndexer) IndexDocument(context.Context, string, string, any) error { return nil }
