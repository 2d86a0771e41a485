// Package authz implements the authorization engine, the single gate every
// message passes through before it reaches an inbox.
//
// Decisions are pure functions of the registry state at the moment of the
// send. Nothing is cached, so a revoked grant or a quarantined domain takes
// effect on the very next message.
//
// Rules, in evaluation order:
//
//  1. Both processes resolve to a domain.
//  2. Neither domain is quarantined.
//  3. The class is a real message class, not the grant wildcard.
//  4. The class is within the clearance of both domains.
//  5. A VM-isolated sender never reaches an unisolated receiver.
//  6. The sender's domain holds a Send grant for the receiver's domain and class.
//  7. A strict-inbound receiver's domain holds a Receive grant for the sender.
//
// The first failing rule names the deny reason.
package authz
