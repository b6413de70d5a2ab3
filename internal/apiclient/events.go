package apiclient

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"mediajobs/internal/domain"
)

const eventBuffer = 64

// SubscribeSession opens the server-sent event stream of a session. The
// channel closes when the stream ends or stop is called; viewers fall back
// to their periodic refetch after that.
func (c *Client) SubscribeSession(ctx context.Context, sessionID string) (<-chan domain.JobEvent, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/jobs/events?"+url.Values{"sessionId": {sessionID}}.Encode(), nil)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	// The stream is long-lived, so the client-wide timeout must not apply.
	streaming := *c.http
	streaming.Timeout = 0
	resp, err := streaming.Do(req)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		return nil, nil, decodeError(resp)
	}

	ch := make(chan domain.JobEvent, eventBuffer)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		readEvents(ctx, resp.Body, ch)
	}()

	var once sync.Once
	stop := func() { once.Do(cancel) }
	return ch, stop, nil
}

func readEvents(ctx context.Context, body io.Reader, ch chan<- domain.JobEvent) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var ev domain.JobEvent
			if err := json.Unmarshal([]byte(data.String()), &ev); err == nil {
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			data.Reset()
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}
