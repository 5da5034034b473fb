// Package worker implements the offline cache controller of the to-do PWA.
// A Controller owns exactly one versioned cache bucket and exposes one method
// per lifecycle trigger: Install seeds the bucket from the precache list,
// Activate prunes every bucket whose name differs from the current version,
// Fetch applies the cache-first-then-network strategy with opportunistic
// caching of same-origin 200 responses and an app-shell fallback for
// navigations, and Sync/Push/NotificationClick cover the background-sync stub
// and the notification flow. Host integration (HTTP, admin triggers) lives
// in package server; collaborators are injected through Dependencies.
package worker
