// Package feed implements the shared real-time market-data connection
// manager: one WebSocket to the gateway multiplexed across any number of
// in-process subscribers, with ref-counted wire subscriptions, a
// last-value cache, automatic reconnection, and a REST polling fallback
// when push delivery is unavailable.
package feed
