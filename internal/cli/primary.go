package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// primaryClient talks to the primary device's local API.
type primaryClient struct {
	base string
	http *http.Client
}

func newPrimaryClient(opts *RootOptions) *primaryClient {
	return &primaryClient{base: opts.PrimaryURL(), http: &http.Client{Timeout: 30 * time.Second}}
}

type apiError struct {
	Status int
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

func (e *apiError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("primary returned %d", e.Status)
	}
	return fmt.Sprintf("primary returned %d %s: %s", e.Status, e.Type, e.Detail)
}

func (c *primaryClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reach primary at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(body, apiErr)
		return apiErr
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
