// Package api provides the REST client for the trading platform: gateway
// connection bootstrap (socket config, feed tokens) and the batched quote
// endpoint the fallback poller consumes.
package api
