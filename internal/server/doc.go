// Package server hosts the Fiber HTTP service that acts as the host adapter for
// the offline cache controller. Every request outside /-/ becomes a fetch event
// for the current controller; the Host swaps controllers when a new cache
// version is installed. Admin and diagnostics routes live in the routes
// subpackage so that this package keeps its exports narrow.
package server
