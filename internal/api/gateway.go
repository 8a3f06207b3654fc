package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/algotrade/feedmux/internal/model"
)

// API paths.
const (
	pathCSRFToken    = "/api/csrf-token"
	pathSocketConfig = "/api/ws/config"
	pathFeedToken    = "/api/ws/token"
	pathQuotesBatch  = "/api/quotes/batch"
)

var (
	// ErrEmptyToken means the platform answered but handed back no token.
	ErrEmptyToken = errors.New("empty feed token in response")
	// ErrNoSocketURL means the config endpoint returned no gateway URL.
	ErrNoSocketURL = errors.New("no websocket url in config response")
)

// GetCSRFToken fetches the short-lived anti-forgery token the token
// endpoint requires.
func (c *Client) GetCSRFToken(ctx context.Context) (string, error) {
	var resp csrfResponse
	if err := c.get(ctx, pathCSRFToken, nil, &resp); err != nil {
		return "", fmt.Errorf("fetch csrf token: %w", err)
	}
	if resp.CSRFToken == "" {
		return "", errors.New("empty csrf token in response")
	}
	return resp.CSRFToken, nil
}

// GetSocketConfig fetches the gateway connection configuration.
func (c *Client) GetSocketConfig(ctx context.Context) (SocketConfig, error) {
	var resp SocketConfig
	if err := c.get(ctx, pathSocketConfig, nil, &resp); err != nil {
		return SocketConfig{}, fmt.Errorf("fetch socket config: %w", err)
	}
	if resp.WSURL == "" {
		return SocketConfig{}, ErrNoSocketURL
	}
	return resp, nil
}

// GetFeedToken fetches a short-lived data-access credential. The caller
// supplies the CSRF token obtained from GetCSRFToken.
func (c *Client) GetFeedToken(ctx context.Context, csrf string) (FeedToken, error) {
	header := http.Header{}
	header.Set("X-CSRF-Token", csrf)

	var resp FeedToken
	if err := c.get(ctx, pathFeedToken, header, &resp); err != nil {
		return FeedToken{}, fmt.Errorf("fetch feed token: %w", err)
	}
	if resp.Token == "" {
		return FeedToken{}, ErrEmptyToken
	}
	return resp, nil
}

// GetQuotes issues one batched quote request for the given instruments.
func (c *Client) GetQuotes(ctx context.Context, apikey string, instruments []model.Instrument) ([]QuoteResult, error) {
	if len(instruments) == 0 {
		return nil, nil
	}

	req := quoteRequest{
		APIKey:  apikey,
		Symbols: instruments,
	}

	var resp quoteResponse
	if err := c.post(ctx, pathQuotesBatch, req, &resp); err != nil {
		return nil, fmt.Errorf("fetch quotes: %w", err)
	}
	if resp.Status != "" && resp.Status != "success" {
		return nil, fmt.Errorf("quote request rejected: status %q", resp.Status)
	}

	return resp.Results, nil
}
