// Package domain implements the isolation domain registry.
//
// A domain groups processes under a common security posture: a label
// (clearance ceiling plus category mask), capability flags, an isolation
// level, and a set of grants naming which other domains it may talk to.
// Every process is bound to exactly one domain for its whole life. The
// binding is made once at spawn and dropped at teardown through the
// registry's single Binder, which the kernel owns; a domain cannot be removed
// while any live process is bound to it.
//
// Grants are consulted fresh on every send, so Grant and Revoke take effect
// for the very next message.
package domain
