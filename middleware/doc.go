// Package middleware instruments inbound and outbound requests: a gin
// handler and gRPC interceptors that extract inbound trace context,
// open a span around the request, and propagate context onward.
package middleware
