package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to the proxy's control API. The proxy holds the actual
// routing table; the hub pushes desired state through PUT and DELETE
// and reads it back through GET for reconciliation.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
}

// NewClient creates a proxy control client. authToken is sent as
// "Authorization: token <token>" on every call.
func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

// routeBody is the control API wire format for one route
type routeBody struct {
	Target string `json:"target"`
}

// PutRoute installs or replaces a route on the proxy
func (c *Client) PutRoute(ctx context.Context, prefix, target string) error {
	body, err := json.Marshal(routeBody{Target: target})
	if err != nil {
		return fmt.Errorf("failed to marshal route: %w", err)
	}
	return c.do(ctx, http.MethodPut, c.routeURL(prefix), bytes.NewReader(body), nil)
}

// DeleteRoute removes a route from the proxy. A 404 counts as success;
// the route is gone either way.
func (c *Client) DeleteRoute(ctx context.Context, prefix string) error {
	err := c.do(ctx, http.MethodDelete, c.routeURL(prefix), nil, nil)
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}

// GetRoutes fetches the proxy's current routing table
func (c *Client) GetRoutes(ctx context.Context) (map[string]string, error) {
	var out map[string]routeBody
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/api/routes", nil, &out); err != nil {
		return nil, err
	}
	routes := make(map[string]string, len(out))
	for prefix, body := range out {
		routes[NormalizePrefix(prefix)] = body.Target
	}
	return routes, nil
}

// routeURL embeds the prefix directly in the path, so a route for
// "/user/mal/" lives at "/api/routes/user/mal/".
func (c *Client) routeURL(prefix string) string {
	return c.baseURL + "/api/routes" + NormalizePrefix(prefix)
}

// statusError carries a non-2xx control API response
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("proxy control API returned %d: %s", e.code, e.body)
}

func isNotFound(err error) bool {
	se, ok := err.(*statusError)
	return ok && se.code == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, rawURL string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return fmt.Errorf("failed to build proxy request: %w", err)
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "token "+c.authToken)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("proxy control API unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &statusError{code: resp.StatusCode, body: string(data)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode proxy response: %w", err)
		}
	}
	return nil
}
