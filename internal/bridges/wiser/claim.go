package wiser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"
)

// ClaimWindow is how long the installer has to press the gateway button.
const ClaimWindow = 30 * time.Second

var claimUserPattern = regexp.MustCompile(`^[A-Za-z0-9]{4,}$`)

type claimOptions struct {
	window time.Duration
	client *http.Client
}

// ClaimOption customises ClaimToken.
type ClaimOption func(*claimOptions)

// WithClaimWindow overrides ClaimWindow.
func WithClaimWindow(d time.Duration) ClaimOption {
	return func(o *claimOptions) { o.window = d }
}

// WithClaimHTTPClient sets the HTTP client used for the claim request.
func WithClaimHTTPClient(c *http.Client) ClaimOption {
	return func(o *claimOptions) { o.client = c }
}

// ClaimToken pairs with the gateway at gatewayAddr (host[:port]) as user and
// returns the long-lived bearer token.
//
// The gateway holds the request open until its button is pressed. If that
// does not happen within the claim window, ErrClaimTimeout is returned.
// A refusal by the gateway returns an *APIError wrapping ErrClaimRejected.
func ClaimToken(ctx context.Context, gatewayAddr, user string, opts ...ClaimOption) (string, error) {
	o := claimOptions{window: ClaimWindow}
	for _, opt := range opts {
		opt(&o)
	}

	if !claimUserPattern.MatchString(user) {
		return "", ErrInvalidUser
	}
	if gatewayAddr == "" {
		return "", fmt.Errorf("%w: gateway address is required", ErrRequestFailed)
	}

	c := NewClient(ClientConfig{
		Address:    gatewayAddr,
		Timeout:    o.window,
		HTTPClient: o.client,
	})

	var resp claimResponse
	err := c.do(ctx, http.MethodPost, endpointClaim, claimRequest{User: user}, &resp)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return "", fmt.Errorf("claim cancelled: %w", ctx.Err())
	case errors.Is(err, context.DeadlineExceeded):
		return "", fmt.Errorf("%w after %v: press the button on the gateway while claiming", ErrClaimTimeout, o.window)
	default:
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			apiErr.kind = ErrClaimRejected
			return "", apiErr
		}
		return "", err
	}

	if resp.Secret == "" {
		return "", fmt.Errorf("%w: response carried no secret", ErrClaimRejected)
	}
	return resp.Secret, nil
}
