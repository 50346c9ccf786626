// Package server hosts the Fiber admin surface in front of the cache engine:
// request-ID middleware, access logging, and a small set of diagnostics routes
// under /-/ (stats, metrics, flush, sweep, entries). Handlers only translate
// HTTP to cache.Store calls; every cache failure maps to a definite status
// code so operators never wait on an unbounded request.
package server
