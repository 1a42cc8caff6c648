// Package dedupe rejects reused correlation ids on a framed connection
// within a configurable window.
package dedupe
