package health

import (
	"context"
	"fmt"
	"net/http"
)

// Pinger is the connectivity probe satisfied by database stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Database returns a [Checker] that verifies database connectivity via the
// store's Ping method.
func Database(p Pinger) Checker {
	return Checker{
		Name: "database",
		Check: func(ctx context.Context) error {
			return p.Ping(ctx)
		},
	}
}

// BotGateway returns a [Checker] that probes the bot gateway's base URL. Any
// response below 500 counts as reachable; a transport error or a 5xx marks
// the gateway unhealthy. When httpc is nil, [http.DefaultClient] is used.
func BotGateway(baseURL string, httpc *http.Client) Checker {
	if httpc == nil {
		httpc = http.DefaultClient
	}
	return Checker{
		Name: "bot_gateway",
		Check: func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodHead, baseURL, nil)
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}
			resp, err := httpc.Do(req)
			if err != nil {
				return fmt.Errorf("gateway unreachable: %w", err)
			}
			resp.Body.Close()
			if resp.StatusCode >= 500 {
				return fmt.Errorf("gateway returned %d", resp.StatusCode)
			}
			return nil
		},
	}
}
