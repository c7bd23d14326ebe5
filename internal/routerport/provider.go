// Package routerport provides the router proxy's listening port to
// components that need it before it is known, resolving the chicken-and-egg
// between binding the proxy listener and synthesizing route URLs that embed
// its port.
package routerport

import "sync/atomic"

// Provider hands out the router's bound port once it is known. The zero
// value reports 0 (unresolved) until Set is called.
type Provider struct {
	port atomic.Int64
}

// New returns an unresolved Provider.
func New() *Provider {
	return &Provider{}
}

// Set records the router's bound port. Called exactly once, at startup,
// after the proxy listener binds.
func (p *Provider) Set(port int) {
	p.port.Store(int64(port))
}

// Get returns the router port, or 0 if Set has not yet been called.
func (p *Provider) Get() int {
	return int(p.port.Load())
}
