// Package dedupe remembers recently used idempotency keys so a repeated
// session start (a double click, a retried request) is rejected instead of
// creating a second remote session.
package dedupe
