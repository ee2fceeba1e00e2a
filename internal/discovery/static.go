package discovery

import "sync"

// StaticPlatform is the default Platform: it never observes another broker
// on any scope, so Coordinator always proceeds straight to registration
// after the hold-off timer. Useful for tests and for deployments that don't
// wire in a real DNS-SD/mDNS backend (spec.md §1 lists DNS-SD/mDNS as an
// external collaborator, not something the core implements).
type StaticPlatform struct {
	mu         sync.Mutex
	nextHandle int
}

// NewStaticPlatform returns a StaticPlatform.
func NewStaticPlatform() *StaticPlatform {
	return &StaticPlatform{}
}

// RegisterBroker always succeeds immediately, with no actual network
// registration performed.
func (p *StaticPlatform) RegisterBroker(info BrokerInfo) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextHandle++
	return p.nextHandle, nil
}

// UnregisterBroker is a no-op.
func (p *StaticPlatform) UnregisterBroker(handle int) {}

// MonitorScope always succeeds and never reports another broker.
func (p *StaticPlatform) MonitorScope(scope, domain string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextHandle++
	return p.nextHandle, nil
}

// StopMonitoring is a no-op.
func (p *StaticPlatform) StopMonitoring(monitorHandle int) {}
