// Package fetch models the network side of request interception: value types
// for requests and responses as the offline cache controller sees them, the
// response classification rules (basic/cors/opaque), and an HTTP-backed
// Fetcher that performs the real exchange against the PWA origin through a
// shared, tuned http.Client. Bodies are fully buffered so a response can be
// cloned once for the cache and once for the caller.
package fetch
