// Package spirecontrol implements C10: the single point through which a
// newly compiled RouteTable becomes live. It publishes the snapshot via
// release-store (spireproxy.Store.Swap), reconciles the listener set, syncs
// the TLS domain set, and triggers the health registry's idle-GC pass --
// the one place spec.md §9 requires all of that to happen atomically with
// respect to each other, even though each downstream component keeps its
// own internal locking.
package spirecontrol

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pterx/spire/internal/spirehealth"
	"github.com/pterx/spire/internal/spirelisten"
	"github.com/pterx/spire/internal/spireproxy"
	"github.com/pterx/spire/internal/spiretls"
)

// Bus coordinates a config reload across every component that needs to
// react to it.
type Bus struct {
	Store  *spireproxy.Store
	Listen *spirelisten.Manager
	Health *spirehealth.Registry
	Certs  *spiretls.Manager
	Logger *zap.Logger

	probeCtx context.Context
}

// NewBus constructs a Bus wiring the given components together. probeCtx
// bounds the lifetime of every active health prober started by Publish;
// cancelling it on process shutdown stops them all.
func NewBus(probeCtx context.Context, store *spireproxy.Store, listen *spirelisten.Manager, health *spirehealth.Registry, certs *spiretls.Manager, log *zap.Logger) *Bus {
	return &Bus{Store: store, Listen: listen, Health: health, Certs: certs, Logger: log, probeCtx: probeCtx}
}

// Publish applies table as the new active snapshot. table must already
// have had Server.Compile called on every server; a build-time compile
// failure must be caught by the caller before Publish is ever invoked, so
// the previous snapshot stays active on a bad reload (spec.md §9).
func (b *Bus) Publish(table *spireproxy.RouteTable) error {
	if err := b.syncTLSDomains(table); err != nil {
		return err
	}
	b.Store.Swap(table)
	if err := b.Listen.Reconcile(table); err != nil {
		b.Logger.Error("listener reconcile reported errors", zap.Error(err))
	}
	b.touchHealthTargets(table)
	b.startProbes(table)
	b.Health.GC(time.Now())
	b.Logger.Info("published new route table snapshot", zap.Int("servers", len(table.Servers)))
	return nil
}

func (b *Bus) syncTLSDomains(table *spireproxy.RouteTable) error {
	if b.Certs == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var domains []string
	for _, s := range table.Servers {
		for d := range s.TLSDomains {
			if _, ok := seen[d]; !ok {
				seen[d] = struct{}{}
				domains = append(domains, d)
			}
		}
	}
	if len(domains) == 0 {
		return nil
	}
	return b.Certs.SetDomains(domains)
}

// startProbes launches (or restarts, since Registry.StartProbe cancels any
// prior goroutine under the same key) an active prober for every endpoint
// whose route declares a HealthSpec (spec.md §4.3), then stops any
// previously running probe whose endpoint is no longer referenced by
// table at all -- otherwise a dropped health_check endpoint keeps being
// dialed forever and its RecordActive calls keep resetting lastSeen,
// which would make it immune to idle-GC even though nothing references it
// (spec.md §5: probes must be cancellable on a reload that removes the
// endpoint).
func (b *Bus) startProbes(table *spireproxy.RouteTable) {
	wanted := make(map[string]struct{})
	for _, s := range table.Servers {
		for _, r := range s.Routes {
			if r.Forward == nil || r.HealthCheck == nil {
				continue
			}
			hc := r.HealthCheck
			var prober spirehealth.Prober
			if hc.TCP {
				prober = &spirehealth.TCPProber{}
			} else {
				prober = &spirehealth.HTTPProber{Path: hc.Path}
			}
			for _, ep := range r.Forward.AllEndpoints() {
				key := ep.Identity()
				wanted[key] = struct{}{}
				target := spirehealth.Target{
					Key:       key,
					Authority: ep.Authority,
					Port:      ep.Port,
					Prober:    prober,
					Interval:  time.Duration(hc.Interval * float64(time.Second)),
					Timeout:   time.Duration(hc.Timeout * float64(time.Second)),
				}
				b.Health.StartProbe(b.probeCtx, target, hc.UnhealthyThreshold, hc.HealthyThreshold)
			}
		}
	}

	for _, key := range b.Health.ProbeKeys() {
		if _, ok := wanted[key]; !ok {
			b.Health.StopProbe(key)
		}
	}
}

// touchHealthTargets resets the idle-GC clock for every endpoint still
// referenced by table, so GC only reaps endpoints genuinely dropped from
// config rather than ones that simply haven't served traffic recently.
func (b *Bus) touchHealthTargets(table *spireproxy.RouteTable) {
	for _, s := range table.Servers {
		for _, r := range s.Routes {
			if r.Forward == nil {
				continue
			}
			for _, ep := range r.Forward.AllEndpoints() {
				b.Health.Touch(ep.Identity())
			}
		}
	}
}
