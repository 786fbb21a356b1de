// Package httpserver provides the reusable HTTP server shell for the
// coordinator API.
//
// BaseServer carries the concerns every listener needs: request-id, real-ip,
// and panic-recovery middleware, CORS, structured request logging, a
// Prometheus-compatible metrics listener, and the standard health endpoints
// (/livez, /readyz, /drain, /undrain). Components contribute their routes by
// implementing RouteRegistrar.
//
//	srv, err := httpserver.New(cfg, handler)
//	if err != nil { ... }
//	srv.RunInBackground()
//	defer srv.Shutdown()
//
// Draining flips readiness off and waits DrainDuration so load balancers
// stop routing before the listener goes away.
package httpserver
