package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// SpreadsheetFetcher streams the CSV export of a Google Sheet without
// touching disk.
type SpreadsheetFetcher struct {
	BaseURL string
	Client  *http.Client
}

func NewSpreadsheetFetcher(baseURL string) *SpreadsheetFetcher {
	if baseURL == "" {
		baseURL = "https://docs.google.com"
	}
	return &SpreadsheetFetcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  NewHTTPClient(),
	}
}

func (f *SpreadsheetFetcher) ExportURL(sheetID string) string {
	return fmt.Sprintf("%s/spreadsheets/d/%s/export?format=csv", f.BaseURL, url.PathEscape(sheetID))
}

func (f *SpreadsheetFetcher) Fetch(ctx context.Context, sheetID string, batchSize int) (Batches, error) {
	if batchSize <= 0 {
		return nil, ErrInvalidBatchSize
	}
	resp, err := get(ctx, f.Client, f.ExportURL(sheetID))
	if err != nil {
		return nil, fmt.Errorf("spreadsheet: %w", err)
	}
	// private sheets redirect to a sign-in page
	if isHTML(resp) {
		resp.Body.Close()
		return nil, fmt.Errorf("spreadsheet %s: %w", sheetID, ErrNotDownloadable)
	}
	return newCSVBatches(resp.Body, batchSize, resp.Body.Close)
}
