package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/viant/mcp/jsonrpc"
	"github.com/viant/mcp/retry"
	"github.com/viant/mcp/sse"
)

// defaultReconnectDelay paces redials after a stream the server closed
// cleanly, unless a retry hint overrides it.
const defaultReconnectDelay = 500 * time.Millisecond

// runStream keeps the standing event stream alive. Each reconnect cycle runs
// under the retry budget; a stream that ended gracefully resets the budget,
// the way a browser EventSource reconnects indefinitely. A terminal failure
// (no stream offered, session gone, cancellation) ends the loop for good.
func (c *Connector) runStream(ctx context.Context, done chan struct{}) {
	defer close(done)
	config := c.streamRetry
	if config.RetryDelay == nil {
		config.RetryDelay = func(attempt int) time.Duration {
			if hint := c.serverRetryHint(); hint > 0 {
				return hint
			}
			return retry.DefaultDelay(attempt)
		}
	}
	for {
		if ctx.Err() != nil {
			return
		}
		err := retry.Do(ctx, config, func(ctx context.Context, attempt int) error {
			return c.streamOnce(ctx)
		})
		if err == nil {
			// the server closed the stream after a complete cycle;
			// pace the redial, then reconnect with a fresh attempt budget
			delay := c.serverRetryHint()
			if delay <= 0 {
				delay = defaultReconnectDelay
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		if errors.Is(err, ErrNoStream) {
			c.logger.Debug().Msg("server offers no event stream, staying in request/response mode")
			return
		}
		c.logger.Warn().Err(err).Msg("event stream ingest ended")
		return
	}
}

// streamOnce dials one stream attempt and consumes it until it ends. A nil
// stream from the getter is a terminal condition, not a transient failure.
func (c *Connector) streamOnce(ctx context.Context) error {
	stream, err := c.getStream(ctx, c.LastEventId())
	if err != nil {
		return err
	}
	if stream == nil {
		return retry.NonRetryable(ErrNoStream)
	}
	defer stream.Close()
	return c.consumeStream(ctx, stream, true)
}

// openHTTPStream is the default stream getter: a GET against the endpoint
// with the session and resumption headers.
func (c *Connector) openHTTPStream(ctx context.Context, lastEventId string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpointURL, nil)
	if err != nil {
		return nil, retry.NonRetryable(err)
	}
	req.Header.Set("Accept", sseMime)
	c.setCommonHeaders(req)
	if lastEventId != "" {
		req.Header.Set(lastEventIdHeader, lastEventId)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusMethodNotAllowed:
		_ = resp.Body.Close()
		return nil, nil
	case http.StatusUnauthorized:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		challenge := resp.Header.Get("WWW-Authenticate")
		_ = resp.Body.Close()
		if c.refresher == nil {
			return nil, retry.NonRetryable(jsonrpc.NewUnauthorizedError(resp.StatusCode, challenge, body))
		}
		token, refreshErr := c.refresher(ctx, challenge)
		if refreshErr != nil {
			return nil, retry.NonRetryable(fmt.Errorf("auth refresh failed: %w", refreshErr))
		}
		c.setBearer(token)
		return nil, fmt.Errorf("stream unauthorized, retrying with refreshed credentials")
	case http.StatusNotFound:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, retry.NonRetryable(fmt.Errorf("session is gone: %s", string(body)))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("stream invalid status: %d: %s", resp.StatusCode, string(body))
	}
}

// consumeStream reads SSE blocks and forwards decoded envelopes. Only the
// standing stream advances the resumption cursor and the server retry hint;
// request scoped POST streams carry ids from the same session log but
// resuming from them would scope the next GET to a finished request.
func (c *Connector) consumeStream(ctx context.Context, reader io.Reader, standing bool) error {
	scanner := sse.NewScanner(reader)
	for {
		if err := ctx.Err(); err != nil {
			return retry.NonRetryable(err)
		}
		event, err := scanner.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return retry.NonRetryable(err)
			}
			return err
		}
		if standing {
			if event.ID != nil {
				c.setLastEventId(*event.ID)
			}
			if event.Retry != nil {
				c.setServerRetry(*event.Retry)
			}
		}
		if event.Event != sse.DefaultEvent || event.Data == "" {
			continue
		}
		c.dispatch(ctx, []byte(event.Data))
	}
}

func (c *Connector) setLastEventId(id string) {
	c.mux.Lock()
	c.lastEventId = id
	c.mux.Unlock()
}

func (c *Connector) setServerRetry(hint time.Duration) {
	c.mux.Lock()
	c.serverRetry = hint
	c.mux.Unlock()
}

func (c *Connector) serverRetryHint() time.Duration {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.serverRetry
}
