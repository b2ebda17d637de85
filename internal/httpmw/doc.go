// Package httpmw provides HTTP middleware for the admin and status
// listener.
//
// opshttp composes it in this order, outermost first: recover, security
// headers, request ID, OTEL tracing, trace response headers, metrics and
// request-scoped logging. Route annotation and the access log run as chi
// middleware so they can see the matched route pattern.
//
// Query strings and user-agents are left out of logs. The listener only
// serves internal clients and rejects forwarded requests, so the peer
// address is the client address.
package httpmw
