package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"golang.org/x/net/html"
)

// DriveFetcher downloads a publicly shared Google Drive file into a temp
// file and parses it from there.
type DriveFetcher struct {
	BaseURL string
	TempDir string
	Client  *http.Client
}

func NewDriveFetcher(baseURL, tempDir string) *DriveFetcher {
	if baseURL == "" {
		baseURL = "https://drive.google.com"
	}
	return &DriveFetcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		TempDir: tempDir,
		Client:  NewHTTPClient(),
	}
}

func (f *DriveFetcher) DownloadURL(fileID string) string {
	q := url.Values{}
	q.Set("export", "download")
	q.Set("id", fileID)
	return f.BaseURL + "/uc?" + q.Encode()
}

func (f *DriveFetcher) Fetch(ctx context.Context, fileID string, batchSize int) (Batches, error) {
	if batchSize <= 0 {
		return nil, ErrInvalidBatchSize
	}
	tmp, err := os.CreateTemp(f.TempDir, "drive-*.csv")
	if err != nil {
		return nil, fmt.Errorf("drive: create temp file: %w", err)
	}
	release := func() error {
		_ = tmp.Close()
		return removeFile(tmp.Name())
	}

	if err := f.download(ctx, fileID, tmp); err != nil {
		_ = release()
		return nil, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		_ = release()
		return nil, fmt.Errorf("drive: rewind temp file: %w", err)
	}

	return newCSVBatches(tmp, batchSize, release)
}

func (f *DriveFetcher) download(ctx context.Context, fileID string, dst io.Writer) error {
	resp, err := get(ctx, f.Client, f.DownloadURL(fileID))
	if err != nil {
		return fmt.Errorf("drive: %w", err)
	}

	// large files answer with a "download anyway" page first
	if isHTML(resp) {
		next, perr := confirmURL(resp)
		resp.Body.Close()
		if perr != nil {
			return fmt.Errorf("drive: file %s: %w", fileID, perr)
		}
		resp, err = get(ctx, f.Client, next)
		if err != nil {
			return fmt.Errorf("drive: confirm download: %w", err)
		}
		if isHTML(resp) {
			resp.Body.Close()
			return fmt.Errorf("drive: file %s: %w", fileID, ErrNotDownloadable)
		}
	}
	defer resp.Body.Close()

	if _, err := io.Copy(dst, resp.Body); err != nil {
		return fmt.Errorf("drive: download %s: %w", fileID, err)
	}
	return nil
}

// confirmURL extracts the follow-up download link from Drive's virus-scan
// warning page: either the download form with its hidden inputs, or an
// anchor carrying a confirm= token.
func confirmURL(resp *http.Response) (string, error) {
	doc, err := html.Parse(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("parse confirm page: %w", err)
	}
	base := resp.Request.URL

	var form *html.Node
	var link string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "form":
				if form == nil && (attr(n, "id") == "download-form" || strings.Contains(attr(n, "action"), "download")) {
					form = n
				}
			case "a":
				if href := attr(n, "href"); link == "" && strings.Contains(href, "confirm=") {
					link = href
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	switch {
	case form != nil:
		action, err := base.Parse(attr(form, "action"))
		if err != nil {
			return "", fmt.Errorf("confirm form action: %w", err)
		}
		q := action.Query()
		var inputs func(n *html.Node)
		inputs = func(n *html.Node) {
			if n.Type == html.ElementNode && n.Data == "input" && attr(n, "name") != "" {
				q.Set(attr(n, "name"), attr(n, "value"))
			}
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				inputs(c)
			}
		}
		inputs(form)
		action.RawQuery = q.Encode()
		return action.String(), nil
	case link != "":
		u, err := base.Parse(link)
		if err != nil {
			return "", fmt.Errorf("confirm link: %w", err)
		}
		return u.String(), nil
	default:
		return "", ErrNotDownloadable
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
