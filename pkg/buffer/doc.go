// Package buffer provides the bounded byte accumulator that sits between a
// proxy session's event handlers and its transports. Every forwarded byte goes
// through a Bounded buffer first, so a synthetic response can replace whatever
// was queued but not yet flushed.
package buffer
