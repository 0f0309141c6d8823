// Package internal contains the implementation packages for navkit.
//
// # Package Organization
//
//   - dom: Live document over x/net/html with events and form control state
//   - target: Address normalization and same-origin checks
//   - fetchcache: Fragment cache with TTL plus the deduplicating fetcher
//   - resources: Head stylesheet and script synchronization and cleanup
//   - title: Title candidates, precedence and the publishing tracker
//   - links: Click interception and debounced hover prefetch
//   - fallback: Error overlay and full page load escalation
//   - navigator: The navigation state machine and commit policy
//   - engine: Wiring of the above into the public engine API
//   - browser: Headless window with history used by the CLI and tests
//   - inspector: Websocket stream of navigation transitions
//   - config, logging, metrics, errors, version: Ambient support
//
// # Concurrency
//
// Document mutations run inside dom.Document.Exclusive, which plays the role
// of the page's event loop. Navigations run on their own goroutines; only the
// most recently requested one may commit.
package internal
