// Package model defines the shared market-data types used by the feed
// client, the REST API layer, and the snapshot recorder.
package model
