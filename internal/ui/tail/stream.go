package tail

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/zjrosen/pont/internal/events"
	"github.com/zjrosen/pont/internal/log"
)

// Client consumes a thread's event stream from a running gateway over SSE.
type Client struct {
	// BaseURL is the gateway root, e.g. http://127.0.0.1:8787.
	BaseURL string
	// ThreadID selects the stream to follow.
	ThreadID string
	// HTTP overrides the transport. The zero value uses a client with no
	// timeout, which long-lived streams require.
	HTTP *http.Client
}

// Events opens the stream at the given cursor and pumps decoded gateway
// events until the context is cancelled or the connection drops. The
// event channel closes when the pump stops; the error channel then
// carries nil for a clean cancellation or the terminal error otherwise.
func (c *Client) Events(ctx context.Context, since int64) (<-chan events.GatewayEvent, <-chan error, error) {
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/api/threads/" + url.PathEscape(c.ThreadID) + "/events"
	if since > 0 {
		endpoint += "?since=" + strconv.FormatInt(since, 10)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("building stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to gateway: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, nil, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	ch := make(chan events.GatewayEvent, 32)
	errc := make(chan error, 1)
	go pump(ctx, resp.Body, ch, errc)
	return ch, errc, nil
}

// pump parses SSE frames off the wire and forwards gateway events.
// Heartbeat frames keep the connection alive and are dropped here.
func pump(ctx context.Context, body io.ReadCloser, ch chan<- events.GatewayEvent, errc chan<- error) {
	defer close(ch)
	defer body.Close()

	reader := bufio.NewReader(body)
	var event, data string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			switch {
			case ctx.Err() != nil:
				errc <- nil
			case err == io.EOF:
				errc <- fmt.Errorf("event stream closed by gateway")
			default:
				errc <- fmt.Errorf("reading event stream: %w", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if event == "gateway" && data != "" {
				var ev events.GatewayEvent
				if jsonErr := json.Unmarshal([]byte(data), &ev); jsonErr != nil {
					log.Warn(log.CatUI, "dropping undecodable gateway frame", "error", jsonErr)
				} else {
					select {
					case ch <- ev:
					case <-ctx.Done():
						errc <- nil
						return
					}
				}
			}
			event, data = "", ""
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if data != "" {
				data += "\n"
			}
			data += strings.TrimPrefix(line, "data: ")
		}
		// id: lines carry the sequence already present in the payload.
	}
}
