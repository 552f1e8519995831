// Package server hosts the Fiber HTTP front, its request middleware chain, and
// the site registry that maps a Host header to the site's offline cache
// registration. The proxy package supplies the ProxyHandler that turns a
// routed request into a worker interception; diagnostics live in routes.
package server
