package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// dialTimeout bounds a single probe attempt. Poll retries, so each
// attempt can give up quickly.
const dialTimeout = 500 * time.Millisecond

// HTTP probes by issuing a GET request to Path. Any response below 500
// counts as ready; an app returning 401 or 404 is up, just opinionated.
type HTTP struct {
	Path string
}

func (h *HTTP) Check(ctx context.Context, addr string) error {
	path := h.Path
	if path == "" {
		path = "/"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+path, nil)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: dialTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}
