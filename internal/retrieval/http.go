package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/service"
)

const maxResponseBytes = 4 << 20

// fetch performs req with the shared transient retry policy. newReq is
// called per attempt so request bodies can be replayed.
func fetch(ctx context.Context, hc *http.Client, policy *service.RetryPolicy, newReq func(context.Context) (*http.Request, error)) ([]byte, error) {
	var body []byte
	err := policy.Execute(ctx, func(ctx context.Context) error {
		req, err := newReq(ctx)
		if err != nil {
			return err
		}
		resp, err := hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return core.ErrTimeout("retrieval request timed out").WithCause(err)
			}
			return core.ErrNetwork("retrieval request failed").WithCause(err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return core.ErrNetwork("reading retrieval response").WithCause(err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return core.ErrFromStatus(resp.StatusCode,
				fmt.Sprintf("%s returned %d: %s", req.URL.Host, resp.StatusCode, core.TruncateMessage(string(data), 200)))
		}
		body = data
		return nil
	})
	return body, err
}
