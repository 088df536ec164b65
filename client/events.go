package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Events opens the daemon's event stream. Events arrive on the returned
// channel until ctx is cancelled or the daemon closes the stream; the
// channel is closed afterwards. fromSeq resumes after a previously seen
// event (the stream replays history from fromSeq+1), and types narrows
// the stream to the named event types.
func (c *Client) Events(ctx context.Context, fromSeq uint64, types ...string) (<-chan Event, error) {
	u := c.base + "/events"
	if len(types) > 0 {
		u += "?type=" + url.QueryEscape(strings.Join(types, ","))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create event stream request: %w", err)
	}
	if fromSeq > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(fromSeq, 10))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect to event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	ch := make(chan Event)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		// Every frame carries the full event as JSON in its data line,
		// so the id: and event: lines can be skipped.
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var event Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}
			select {
			case ch <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
