/*
 * wahost
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package proxy

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gravitational/wahost"
	"github.com/gravitational/wahost/lib/defaults"
	"github.com/gravitational/wahost/lib/session"
)

var (
	assignmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wahost",
		Subsystem: "proxy",
		Name:      "assignments_total",
		Help:      "Egress IP assignments by country and fallback outcome.",
	}, []string{"country", "fallback"})
	releasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wahost",
		Subsystem: "proxy",
		Name:      "releases_total",
		Help:      "Egress IPs returned to the vendor.",
	})
	releaseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wahost",
		Subsystem: "proxy",
		Name:      "release_failures_total",
		Help:      "Best-effort vendor releases that failed.",
	})
	activeAssignments = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "wahost",
		Subsystem: "proxy",
		Name:      "active_assignments",
		Help:      "Sessions currently holding an egress IP.",
	})
)

// Assignment is one session's exclusive egress IP.
type Assignment struct {
	// Key is the owning session.
	Key session.Key
	// IP is the purchased egress IP.
	IP string
	// Port is the super-proxy port.
	Port int
	// Country is the country the IP was purchased in.
	Country string
	// OriginalCountry is the country originally requested. Differs from
	// Country when the fallback oracle was consulted.
	OriginalCountry string
	// FallbackUsed is true when Country != OriginalCountry.
	FallbackUsed bool
	// AssignedAt is when the IP was purchased.
	AssignedAt time.Time
}

// AllocatorConfig configures the Allocator.
type AllocatorConfig struct {
	// Vendor purchases and releases IPs.
	Vendor VendorAPI
	// Oracle picks fallback countries. Optional when Strict is set.
	Oracle Oracle
	// Strict disables country fallback: an exhausted country fails the
	// assignment rather than silently moving the session elsewhere.
	Strict bool
	// MaxFallbacks bounds alternate countries tried per assignment.
	MaxFallbacks int
	// AvailabilityTTL bounds the per-country availability cache.
	AvailabilityTTL time.Duration
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
	// Log is the component logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the configuration.
func (c *AllocatorConfig) CheckAndSetDefaults() error {
	if c.Vendor == nil {
		return trace.BadParameter("missing parameter Vendor")
	}
	if c.Oracle == nil && !c.Strict {
		c.Oracle = &StaticOracle{}
	}
	if c.MaxFallbacks <= 0 {
		c.MaxFallbacks = defaults.MaxCountryFallbacks
	}
	if c.AvailabilityTTL <= 0 {
		c.AvailabilityTTL = defaults.AvailabilityTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(wahost.ComponentKey, wahost.ComponentProxy)
	}
	return nil
}

type availability struct {
	available bool
	checkedAt time.Time
}

// Allocator owns the assignment table. Exclusivity is two-sided: a
// session holds at most one IP and an IP belongs to at most one
// session. Assignment mutation for a given key is expected to come
// from that session's owner task only.
type Allocator struct {
	cfg AllocatorConfig

	mu        sync.Mutex
	bySession map[session.Key]*Assignment
	byIP      map[string]session.Key
	countries map[string]availability
}

// NewAllocator creates an Allocator.
func NewAllocator(cfg AllocatorConfig) (*Allocator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Allocator{
		cfg:       cfg,
		bySession: make(map[session.Key]*Assignment),
		byIP:      make(map[string]session.Key),
		countries: make(map[string]availability),
	}, nil
}

// Assign purchases one egress IP for the session in the requested
// country, falling back to oracle-suggested countries when inventory
// is exhausted. Re-assigning an already assigned session returns the
// existing assignment unchanged.
func (a *Allocator) Assign(ctx context.Context, key session.Key, country string) (Assignment, error) {
	country = strings.ToLower(country)
	a.mu.Lock()
	if existing, ok := a.bySession[key]; ok {
		a.mu.Unlock()
		return *existing, nil
	}
	a.mu.Unlock()

	original := country
	tried := []string{}
	for fallbacks := 0; ; fallbacks++ {
		endpoint, err := a.cfg.Vendor.Purchase(ctx, country)
		if err == nil {
			a.markAvailability(country, true)
			assignment := a.store(key, endpoint, country, original)
			assignmentsTotal.WithLabelValues(country, boolLabel(assignment.FallbackUsed)).Inc()
			a.cfg.Log.InfoContext(ctx, "assigned egress IP",
				"session", key, "ip", endpoint.IP,
				"country", country, "original_country", original,
				"fallback_used", assignment.FallbackUsed)
			return assignment, nil
		}
		if !IsUnavailable(err) {
			return Assignment{}, trace.Wrap(err)
		}
		a.markAvailability(country, false)
		tried = append(tried, country)
		if a.cfg.Strict {
			return Assignment{}, trace.Wrap(err)
		}
		if fallbacks >= a.cfg.MaxFallbacks {
			return Assignment{}, trace.Wrap(err, "exhausted %v fallback countries", fallbacks)
		}
		next, oerr := a.cfg.Oracle.NextCountry(ctx, original, tried)
		if oerr != nil {
			return Assignment{}, trace.NewAggregate(err, oerr)
		}
		a.cfg.Log.InfoContext(ctx, "country exhausted, trying fallback",
			"session", key, "exhausted", country, "next", next)
		country = next
	}
}

func (a *Allocator) store(key session.Key, endpoint Endpoint, country, original string) Assignment {
	assignment := &Assignment{
		Key:             key,
		IP:              endpoint.IP,
		Port:            endpoint.Port,
		Country:         country,
		OriginalCountry: original,
		FallbackUsed:    country != original,
		AssignedAt:      a.cfg.Clock.Now().UTC(),
	}
	a.mu.Lock()
	a.bySession[key] = assignment
	a.byIP[endpoint.IP] = key
	a.mu.Unlock()
	activeAssignments.Inc()
	return *assignment
}

// Release hands an IP back to the vendor. Unknown IPs are a no-op and
// vendor failures are logged, not surfaced; billing for a leaked IP is
// preferable to failing a teardown path.
func (a *Allocator) Release(ctx context.Context, ip string) {
	a.mu.Lock()
	key, ok := a.byIP[ip]
	if ok {
		delete(a.byIP, ip)
		delete(a.bySession, key)
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	activeAssignments.Dec()
	if err := a.cfg.Vendor.Release(ctx, ip); err != nil {
		releaseFailures.Inc()
		a.cfg.Log.WarnContext(ctx, "failed to release egress IP",
			"session", key, "ip", ip, "error", err)
		return
	}
	releasesTotal.Inc()
}

// ReleaseSession releases the IP owned by a session, if any.
func (a *Allocator) ReleaseSession(ctx context.Context, key session.Key) {
	a.mu.Lock()
	assignment, ok := a.bySession[key]
	a.mu.Unlock()
	if ok {
		a.Release(ctx, assignment.IP)
	}
}

// Rotate swaps a session's IP for a fresh one in the same country it
// currently uses. Used when sends fail with connection-level errors
// that point at a bad egress IP.
func (a *Allocator) Rotate(ctx context.Context, key session.Key) (Assignment, error) {
	a.mu.Lock()
	current, ok := a.bySession[key]
	a.mu.Unlock()
	if !ok {
		return Assignment{}, trace.NotFound("session %v holds no proxy assignment", key)
	}
	country := current.Country
	a.Release(ctx, current.IP)
	assignment, err := a.Assign(ctx, key, country)
	if err != nil {
		return Assignment{}, trace.Wrap(err)
	}
	a.cfg.Log.InfoContext(ctx, "rotated egress IP",
		"session", key, "old_ip", current.IP, "new_ip", assignment.IP, "country", country)
	return assignment, nil
}

// ProxyURL builds the authenticated proxy URL for a session's current
// assignment.
func (a *Allocator) ProxyURL(ctx context.Context, key session.Key) (string, error) {
	a.mu.Lock()
	assignment, ok := a.bySession[key]
	a.mu.Unlock()
	if !ok {
		return "", trace.NotFound("session %v holds no proxy assignment", key)
	}
	u, err := a.cfg.Vendor.ProxyURL(ctx, assignment.IP)
	return u, trace.Wrap(err)
}

// Get returns the session's current assignment.
func (a *Allocator) Get(key session.Key) (Assignment, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if assignment, ok := a.bySession[key]; ok {
		return *assignment, true
	}
	return Assignment{}, false
}

// Len returns the number of live assignments.
func (a *Allocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.bySession)
}

// CheckAvailability reports whether the vendor has inventory in a
// country. Cached answers are served within the TTL; a cache miss
// probes the vendor with a purchase that is released immediately.
func (a *Allocator) CheckAvailability(ctx context.Context, country string) (bool, error) {
	country = strings.ToLower(country)
	a.mu.Lock()
	cached, ok := a.countries[country]
	a.mu.Unlock()
	if ok && a.cfg.Clock.Now().Sub(cached.checkedAt) < a.cfg.AvailabilityTTL {
		return cached.available, nil
	}

	endpoint, err := a.cfg.Vendor.Purchase(ctx, country)
	switch {
	case IsUnavailable(err):
		a.markAvailability(country, false)
		return false, nil
	case err != nil:
		return false, trace.Wrap(err)
	}
	if rerr := a.cfg.Vendor.Release(ctx, endpoint.IP); rerr != nil {
		a.cfg.Log.WarnContext(ctx, "failed to release availability probe IP",
			"ip", endpoint.IP, "error", rerr)
	}
	a.markAvailability(country, true)
	return true, nil
}

func (a *Allocator) markAvailability(country string, available bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.countries[country] = availability{available: available, checkedAt: a.cfg.Clock.Now()}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
