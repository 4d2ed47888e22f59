// Package daily resolves and fetches the rotating daily image from the
// upstream renderer.
package daily

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/photoframe-works/orchestrator/pkg/util"
	"github.com/photoframe-works/orchestrator/pkg/version"
)

// Client talks to the daily image renderer.
type Client struct {
	template string
	location *time.Location
	http     *http.Client
}

// NewClient builds a client for the given URL template. The template's
// %DATE% placeholder expands to the current date in location.
func NewClient(template string, timeout time.Duration, location *time.Location) *Client {
	if location == nil {
		location = time.Local
	}
	return &Client{
		template: template,
		location: location,
		http:     &http.Client{Timeout: timeout},
	}
}

// ImageURL renders the daily URL for the local date of now. A date query
// parameter is appended when the template carries neither a placeholder nor
// an explicit date argument, so upstream caches key on the day.
func (c *Client) ImageURL(now time.Time) string {
	date := now.In(c.location).Format("2006-01-02")
	url := strings.ReplaceAll(c.template, "%DATE%", date)
	if !strings.Contains(url, "date=") {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "date=" + date
	}
	return url
}

// FetchBMP downloads the image at url and verifies it looks like a BMP.
func (c *Client) FetchBMP(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &util.UpstreamError{URL: url, Reason: err.Error()}
	}
	req.Header.Set("User-Agent", "photoframe-orchestrator/"+version.Version)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &util.UpstreamError{URL: url, Reason: "unreachable: " + err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &util.UpstreamError{URL: url, Status: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &util.UpstreamError{URL: url, Reason: "read failed: " + err.Error()}
	}
	if len(data) == 0 {
		return nil, &util.UpstreamError{URL: url, Reason: "empty response body"}
	}
	if len(data) < 2 || data[0] != 'B' || data[1] != 'M' {
		return nil, &util.UpstreamError{URL: url, Reason: fmt.Sprintf("not a BMP payload (%d bytes)", len(data))}
	}
	return data, nil
}
