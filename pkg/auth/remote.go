package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// RemoteValidator returns a ValidatorFunc that forwards the token to a
// session endpoint as "Authorization: Bearer <token>". Any 2xx status
// means valid; 401 and 403 mean invalid; anything else is an error.
// A nil client uses http.DefaultClient.
func RemoteValidator(url string, client *http.Client) ValidatorFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, token string) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, fmt.Errorf("auth: build session request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := client.Do(req)
		if err != nil {
			return false, fmt.Errorf("auth: session check: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return true, nil
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
			return false, nil
		default:
			return false, fmt.Errorf("auth: session check returned %s", resp.Status)
		}
	}
}
