// Package discovery implements the Discovery Coordinator: it drives an
// external Discovery Platform (DNS-SD/mDNS in production, a no-op
// StaticPlatform by default) through the register/standby/resume sequence
// of spec.md §4.9, re-posting the platform's callbacks onto an internal
// event channel so the caller's own goroutine (not the platform's) applies
// them.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ETCLabs/RDMnet-sub004/internal/brokererrors"
)

// BrokerInfo describes this broker's identity for registration, per the
// dns.* configuration options of spec.md §6.
type BrokerInfo struct {
	ServiceInstanceName string
	Scope               string
	Port                uint16
	ListenAddrs         []string
	UID                 [6]byte
	CID                 uuid.UUID
	Manufacturer        string
	Model               string
	TXTItems            map[string]string
}

// OtherBrokerInfo describes a broker discovered on the same scope.
type OtherBrokerInfo struct {
	ServiceName string
	Scope       string
}

// Platform is the external Discovery Platform interface spec.md §6 names:
// register_broker/unregister_broker/monitor_scope/stop_monitoring, with
// callbacks delivered asynchronously on a platform-owned thread.
type Platform interface {
	RegisterBroker(info BrokerInfo) (handle int, err error)
	UnregisterBroker(handle int)
	MonitorScope(scope, domain string) (monitorHandle int, err error)
	StopMonitoring(monitorHandle int)
}

// Callbacks are re-posted through Coordinator's internal event channel so
// they're always applied from the caller's own goroutine, never the
// platform's — avoiding the registry/record lock-acquisition-from-a-foreign-
// thread hazard that direct callback dispatch would create.
type Callbacks struct {
	BrokerRegistered   func(assignedServiceName string)
	BrokerRegisterFailed func(err error)
	OtherBrokerFound  func(info OtherBrokerInfo)
	OtherBrokerLost   func(serviceName string)
}

type event struct {
	kind string
	arg  interface{}
}

// Coordinator drives Platform through spec.md §4.9's startup sequence and
// subsequent standby/resume transitions.
type Coordinator struct {
	Platform  Platform
	Info      BrokerInfo
	HoldOff   time.Duration // default 3s
	Callbacks Callbacks
	Log       *logrus.Entry

	// OnOpenListeners/OnCloseListeners let the caller wire listener
	// open/close to the register/standby/resume transitions without this
	// package importing internal/transport.
	OnOpenListeners  func()
	OnCloseListeners func()

	mu             sync.Mutex
	registerHandle int
	registered     bool
	otherBrokers   map[string]struct{}

	events chan event
}

// NewCoordinator returns a Coordinator ready to Run.
func NewCoordinator(platform Platform, info BrokerInfo) *Coordinator {
	return &Coordinator{
		Platform:     platform,
		Info:         info,
		HoldOff:      3 * time.Second,
		otherBrokers: make(map[string]struct{}),
		events:       make(chan event, 32),
	}
}

// postable callback shims, installed once in Run, that simply forward onto
// the internal event channel rather than touching any shared state
// directly — the platform may call these from its own goroutine.
func (c *Coordinator) onBrokerRegistered(name string) { c.post("registered", name) }
func (c *Coordinator) onBrokerRegisterFailed(err error) { c.post("register_failed", err) }
func (c *Coordinator) onOtherBrokerFound(info OtherBrokerInfo) { c.post("found", info) }
func (c *Coordinator) onOtherBrokerLost(name string) { c.post("lost", name) }

func (c *Coordinator) post(kind string, arg interface{}) {
	select {
	case c.events <- event{kind: kind, arg: arg}:
	default:
		if c.Log != nil {
			c.Log.Warn("discovery event channel full, dropping event")
		}
	}
}

// Run executes the startup hold-off sequence and then processes discovery
// events until ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	if _, err := c.Platform.MonitorScope(c.Info.Scope, ""); err != nil {
		return err
	}

	timer := time.NewTimer(c.HoldOff)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			if c.registered {
				c.Platform.UnregisterBroker(c.registerHandle)
			}
			c.mu.Unlock()
			return nil

		case <-timer.C:
			c.mu.Lock()
			noOthers := len(c.otherBrokers) == 0
			alreadyRegistered := c.registered
			c.mu.Unlock()
			if noOthers && !alreadyRegistered {
				c.register()
			} else if !noOthers && c.Log != nil {
				c.Log.Warn("another broker observed before registration; staying unregistered")
			}

		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Coordinator) register() {
	handle, err := c.Platform.RegisterBroker(c.Info)
	if err != nil {
		if brokererrors.IsRetryable(err) {
			if c.Log != nil {
				c.Log.WithError(err).Warn("broker registration failed, retrying after hold-off")
			}
			time.AfterFunc(c.HoldOff, func() { c.post("retry_register", nil) })
			return
		}
		if c.Callbacks.BrokerRegisterFailed != nil {
			c.Callbacks.BrokerRegisterFailed(err)
		}
		return
	}
	c.mu.Lock()
	c.registerHandle = handle
	c.registered = true
	c.mu.Unlock()
	if c.OnOpenListeners != nil {
		c.OnOpenListeners()
	}
}

func (c *Coordinator) handle(ev event) {
	switch ev.kind {
	case "retry_register":
		c.mu.Lock()
		alreadyRegistered := c.registered
		c.mu.Unlock()
		if !alreadyRegistered {
			c.register()
		}
	case "registered":
		if c.Callbacks.BrokerRegistered != nil {
			c.Callbacks.BrokerRegistered(ev.arg.(string))
		}
	case "register_failed":
		if c.Callbacks.BrokerRegisterFailed != nil {
			c.Callbacks.BrokerRegisterFailed(ev.arg.(error))
		}
	case "found":
		info := ev.arg.(OtherBrokerInfo)
		c.mu.Lock()
		wasEmpty := len(c.otherBrokers) == 0
		c.otherBrokers[info.ServiceName] = struct{}{}
		wasRegistered := c.registered
		c.mu.Unlock()
		_ = wasEmpty
		if wasRegistered {
			c.standby()
		}
		if c.Callbacks.OtherBrokerFound != nil {
			c.Callbacks.OtherBrokerFound(info)
		}
	case "lost":
		name := ev.arg.(string)
		c.mu.Lock()
		delete(c.otherBrokers, name)
		empty := len(c.otherBrokers) == 0
		wasRegistered := c.registered
		c.mu.Unlock()
		if empty && !wasRegistered {
			c.register()
		}
		if c.Callbacks.OtherBrokerLost != nil {
			c.Callbacks.OtherBrokerLost(name)
		}
	}
}

// standby unregisters and closes listeners when another broker appears on
// the same scope after this broker was already registered, per spec.md
// §4.9's post-startup standby transition.
func (c *Coordinator) standby() {
	c.mu.Lock()
	handle := c.registerHandle
	c.registered = false
	c.mu.Unlock()

	c.Platform.UnregisterBroker(handle)
	if c.OnCloseListeners != nil {
		c.OnCloseListeners()
	}
	if c.Log != nil {
		c.Log.Warn("another broker observed on this scope; entering standby")
	}
}

// InstallCallbacks wires the Coordinator's internal onXxx shims as the
// Platform's delivery targets. Production Platform implementations call
// these directly from their own monitoring goroutine.
func (c *Coordinator) InstallCallbacks() PlatformCallbacks {
	return PlatformCallbacks{
		BrokerRegistered:     c.onBrokerRegistered,
		BrokerRegisterFailed: c.onBrokerRegisterFailed,
		OtherBrokerFound:     c.onOtherBrokerFound,
		OtherBrokerLost:      c.onOtherBrokerLost,
	}
}

// PlatformCallbacks is the concrete function set a Platform implementation
// invokes; Coordinator.InstallCallbacks wires it so every callback re-posts
// through the Coordinator's own event loop.
type PlatformCallbacks struct {
	BrokerRegistered     func(assignedServiceName string)
	BrokerRegisterFailed func(err error)
	OtherBrokerFound     func(info OtherBrokerInfo)
	OtherBrokerLost      func(serviceName string)
}
