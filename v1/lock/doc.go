// Package lock provides a distributed mutual-exclusion lock backed by a
// coordination service with sessions and ephemeral keys. A Guard acquires
// a key under a fresh session, keeps the session alive with a background
// heartbeat while the caller's function runs, and releases on every exit
// path; if the process dies instead, the session's TTL releases the key.
package lock
