// Package poller implements the Fallback Poller.
//
// The Fallback Poller:
//   - Runs while a provider's live stream is unavailable
//   - Fetches one REST quote per subscribed key every interval
//   - Checks whether fallback is still active at the top of every cycle
//   - Skips failed keys for the current cycle without aborting the loop
//   - Performs no work per cycle for providers with no REST equivalent
package poller
