package router

import (
	"context"
	"fmt"

	"github.com/aescanero/workerlink/pkg/auth"
)

// Client wraps a Router with API key enforcement: the key is verified
// against the credential backend before any interaction with the worker is
// allowed.
type Client struct {
	router   *Router
	identity auth.Identity
}

// NewClient verifies the API key and, on success, builds a router that
// presents it on every handshake
func NewClient(ctx context.Context, addr, apiKey string, verifier auth.Verifier, opts Options) (*Client, error) {
	identity, err := verifier.Verify(ctx, apiKey)
	if err != nil {
		return nil, fmt.Errorf("api key verification failed: %w", err)
	}

	opts.APIKey = apiKey
	return &Client{
		router:   New(addr, opts),
		identity: identity,
	}, nil
}

// Identity returns the identity resolved during verification
func (c *Client) Identity() auth.Identity {
	return c.identity
}

// Call sends a message to the worker and returns its response
func (c *Client) Call(ctx context.Context, message string, sink func(chunk string)) (string, error) {
	return c.router.Call(ctx, message, sink)
}

// Status returns the underlying router status
func (c *Client) Status() Status {
	return c.router.Status()
}

// Close releases the underlying router
func (c *Client) Close() {
	c.router.Close()
}
