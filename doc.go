// Package cart implements the context subsystem of a pluggable RPC
// runtime: the per-context data plane that tracks outstanding requests,
// enforces per-endpoint flow control ("credits"), drives timeout
// expiration, and drives a single-threaded progress loop that invokes
// user callbacks.
//
// The wire/transport layer, group membership, and protocol registration
// are external collaborators; this package consumes them only through
// the narrow Transport interface (see transport.go).
package cart
