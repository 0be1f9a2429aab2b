// Package api provides the REST price client used while a live stream is
// unavailable.
//
// Endpoints:
//   - GET /prices/{symbol}  latest quote for one symbol
//
// Requests are rate limited client-side and retried with jittered
// exponential backoff on 5xx and 429 responses.
package api
