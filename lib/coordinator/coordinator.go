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

// Package coordinator keeps the fleet honest: a registry of live
// instances refreshed by heartbeats, compare-and-set session ownership
// so at most one instance hosts a given session, takeover of sessions
// whose owner stopped heartbeating, and advisory placement for new
// sessions.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/wahost"
	"github.com/gravitational/wahost/lib/defaults"
	"github.com/gravitational/wahost/lib/docstore"
	"github.com/gravitational/wahost/lib/session"
	"github.com/gravitational/wahost/lib/utils"
)

// Instance statuses as stored in the registry.
const (
	StatusStarting     = "starting"
	StatusHealthy      = "healthy"
	StatusDegraded     = "degraded"
	StatusShuttingDown = "shutting_down"
	StatusFailed       = "failed"
)

// Strategy selects how BestInstanceFor ranks candidates.
type Strategy string

const (
	// StrategyLeastConnections prefers the emptiest instance. Default.
	StrategyLeastConnections Strategy = "least_connections"
	// StrategyResourceBased scores instances by free memory and CPU.
	StrategyResourceBased Strategy = "resource_based"
	// StrategyRoundRobin cycles through candidates.
	StrategyRoundRobin Strategy = "round_robin"
)

// ParseStrategy parses a placement strategy from configuration.
func ParseStrategy(raw string) (Strategy, error) {
	switch Strategy(raw) {
	case StrategyLeastConnections, StrategyResourceBased, StrategyRoundRobin:
		return Strategy(raw), nil
	case "":
		return StrategyLeastConnections, nil
	}
	return "", trace.BadParameter("unknown load balance strategy %q", raw)
}

// Instance is one registry record.
type Instance struct {
	ID              string
	Hostname        string
	URL             string
	StartedAt       time.Time
	LastHeartbeat   time.Time
	Status          string
	ConnectionCount int
	MaxConnections  int
	MemoryRatio     float64
	CPURatio        float64
}

// instancesCollection and ownershipCollection are top level collections
// in the document store.
const (
	instancesCollection = "instances"
	ownershipCollection = "ownership"
)

func instancePath(id string) string { return instancesCollection + "/" + id }

func ownershipPath(key session.Key) string {
	return ownershipCollection + "/" + key.StorageID()
}

func (i Instance) data() map[string]any {
	return map[string]any{
		"instance_id":      i.ID,
		"hostname":         i.Hostname,
		"instance_url":     i.URL,
		"started_at":       i.StartedAt,
		"last_heartbeat":   i.LastHeartbeat,
		"status":           i.Status,
		"connection_count": i.ConnectionCount,
		"max_connections":  i.MaxConnections,
		"memory_ratio":     i.MemoryRatio,
		"cpu_ratio":        i.CPURatio,
	}
}

func instanceFromDoc(doc *docstore.Document) Instance {
	toInt := func(v any) int {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
		return 0
	}
	toFloat := func(v any) float64 {
		switch n := v.(type) {
		case float64:
			return n
		case int64:
			return float64(n)
		case int:
			return float64(n)
		}
		return 0
	}
	count, _ := docstore.Field(doc, "connection_count")
	max, _ := docstore.Field(doc, "max_connections")
	mem, _ := docstore.Field(doc, "memory_ratio")
	cpu, _ := docstore.Field(doc, "cpu_ratio")
	return Instance{
		ID:              docstore.StringField(doc, "instance_id"),
		Hostname:        docstore.StringField(doc, "hostname"),
		URL:             docstore.StringField(doc, "instance_url"),
		StartedAt:       docstore.TimeField(doc, "started_at"),
		LastHeartbeat:   docstore.TimeField(doc, "last_heartbeat"),
		Status:          docstore.StringField(doc, "status"),
		ConnectionCount: toInt(count),
		MaxConnections:  toInt(max),
		MemoryRatio:     toFloat(mem),
		CPURatio:        toFloat(cpu),
	}
}

// Config configures the Coordinator.
type Config struct {
	// Store is the shared document store.
	Store docstore.Client
	// InstanceID identifies this instance, default a fresh UUID.
	InstanceID string
	// Hostname defaults to os.Hostname.
	Hostname string
	// InstanceURL is the address peers should redirect callers to.
	InstanceURL string
	// MaxSessions caps sessions this instance will accept ownership of.
	MaxSessions int
	// Strategy ranks candidates in BestInstanceFor.
	Strategy Strategy
	// HeartbeatInterval is the registry refresh period.
	HeartbeatInterval time.Duration
	// InstanceTimeout is how stale a heartbeat may be before the
	// instance's sessions become reclaimable.
	InstanceTimeout time.Duration
	// CleanupInterval is the stale instance sweep period.
	CleanupInterval time.Duration
	// ConnectionCount reports this instance's live session count.
	ConnectionCount func() int
	// Sampler reports memory and CPU pressure as ratios in [0,1].
	// Optional; a coarse runtime-based sampler is used when nil.
	Sampler func() (memory, cpu float64)
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
	// Log is the component logger.
	Log *slog.Logger
	// Jitter randomizes periodic work.
	Jitter utils.Jitter
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.ConnectionCount == nil {
		return trace.BadParameter("missing parameter ConnectionCount")
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	if c.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = c.InstanceID
		}
		c.Hostname = hostname
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = defaults.MaxSessionsPerInstance
	}
	if c.Strategy == "" {
		c.Strategy = StrategyLeastConnections
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if c.InstanceTimeout <= 0 {
		c.InstanceTimeout = defaults.InstanceTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaults.InstanceCleanupInterval
	}
	if c.Sampler == nil {
		c.Sampler = runtimeSampler
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(wahost.ComponentKey, wahost.ComponentCoordinator)
	}
	if c.Jitter == nil {
		c.Jitter = utils.NewSeventhJitter()
	}
	return nil
}

// runtimeSampler is a coarse process-local pressure estimate: heap in
// use against the GC goal, and GC CPU fraction as a stand-in for CPU.
func runtimeSampler() (float64, float64) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	memory := 0.0
	if stats.NextGC > 0 {
		memory = min(float64(stats.HeapInuse)/float64(stats.NextGC), 1)
	}
	cpu := min(max(stats.GCCPUFraction*10, 0), 1)
	return memory, cpu
}

// Coordinator registers this instance and arbitrates session
// ownership across the fleet.
type Coordinator struct {
	cfg Config

	mu      sync.Mutex
	status  string
	started time.Time
	rrNext  int

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// New creates a Coordinator. Call Start to register and begin
// heartbeating.
func New(cfg Config) (*Coordinator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Coordinator{
		cfg:     cfg,
		status:  StatusStarting,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}, nil
}

// InstanceID returns this instance's registry id.
func (c *Coordinator) InstanceID() string { return c.cfg.InstanceID }

// Start registers the instance and starts the heartbeat and cleanup
// loops.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	c.started = c.cfg.Clock.Now().UTC()
	c.mu.Unlock()
	if err := c.writeHeartbeat(ctx); err != nil {
		return trace.Wrap(err, "registering instance %v", c.cfg.InstanceID)
	}
	go c.heartbeatLoop()
	go c.cleanupLoop()
	c.cfg.Log.InfoContext(ctx, "instance registered",
		"instance_id", c.cfg.InstanceID, "hostname", c.cfg.Hostname)
	return nil
}

// SetStatus updates the advertised instance status; the change is
// written with the next heartbeat at the latest.
func (c *Coordinator) SetStatus(ctx context.Context, status string) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
	if err := c.writeHeartbeat(ctx); err != nil {
		c.cfg.Log.WarnContext(ctx, "failed to write status change",
			"status", status, "error", err)
	}
}

func (c *Coordinator) self() Instance {
	c.mu.Lock()
	status, started := c.status, c.started
	c.mu.Unlock()
	memory, cpu := c.cfg.Sampler()
	return Instance{
		ID:              c.cfg.InstanceID,
		Hostname:        c.cfg.Hostname,
		URL:             c.cfg.InstanceURL,
		StartedAt:       started,
		LastHeartbeat:   c.cfg.Clock.Now().UTC(),
		Status:          status,
		ConnectionCount: c.cfg.ConnectionCount(),
		MaxConnections:  c.cfg.MaxSessions,
		MemoryRatio:     memory,
		CPURatio:        cpu,
	}
}

func (c *Coordinator) writeHeartbeat(ctx context.Context) error {
	return trace.Wrap(c.cfg.Store.Set(ctx, instancePath(c.cfg.InstanceID), c.self().data()))
}

func (c *Coordinator) heartbeatLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.cfg.Clock.After(c.cfg.Jitter(c.cfg.HeartbeatInterval)):
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HeartbeatInterval)
			if err := c.writeHeartbeat(ctx); err != nil {
				c.cfg.Log.WarnContext(ctx, "heartbeat write failed", "error", err)
			}
			cancel()
		}
	}
}

func (c *Coordinator) cleanupLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.cfg.Clock.After(c.cfg.Jitter(c.cfg.CleanupInterval)):
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CleanupInterval)
			if err := c.CleanupStaleInstances(ctx); err != nil {
				c.cfg.Log.WarnContext(ctx, "stale instance sweep failed", "error", err)
			}
			cancel()
		}
	}
}

// CleanupStaleInstances marks instances with expired heartbeats as
// failed and deletes their ownership records so peers can acquire
// those sessions.
func (c *Coordinator) CleanupStaleInstances(ctx context.Context) error {
	instances, err := c.cfg.Store.List(ctx, instancesCollection)
	if err != nil {
		return trace.Wrap(err)
	}
	now := c.cfg.Clock.Now()
	var stale []string
	for i := range instances {
		instance := instanceFromDoc(&instances[i])
		if instance.ID == c.cfg.InstanceID || instance.Status == StatusFailed {
			continue
		}
		if now.Sub(instance.LastHeartbeat) > c.cfg.InstanceTimeout {
			stale = append(stale, instance.ID)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	staleSet := make(map[string]bool, len(stale))
	for _, id := range stale {
		staleSet[id] = true
		if err := c.cfg.Store.Update(ctx, instancePath(id), []docstore.Update{
			{Path: "status", Value: StatusFailed},
		}); err != nil && !trace.IsNotFound(err) {
			c.cfg.Log.WarnContext(ctx, "failed to mark stale instance",
				"instance_id", id, "error", err)
		}
	}
	owned, err := c.cfg.Store.List(ctx, ownershipCollection)
	if err != nil {
		return trace.Wrap(err)
	}
	released := 0
	for i := range owned {
		if staleSet[docstore.StringField(&owned[i], "instance_id")] {
			if err := c.cfg.Store.Delete(ctx, owned[i].Path); err != nil {
				c.cfg.Log.WarnContext(ctx, "failed to release stale ownership",
					"path", owned[i].Path, "error", err)
				continue
			}
			released++
		}
	}
	c.cfg.Log.InfoContext(ctx, "swept stale instances",
		"instances", stale, "ownerships_released", released)
	return nil
}

// BestInstanceFor ranks live instances with spare capacity and returns
// the preferred host for a session. Advisory only; ownership CAS is
// what actually serializes placement.
func (c *Coordinator) BestInstanceFor(ctx context.Context, key session.Key) (Instance, error) {
	docs, err := c.cfg.Store.List(ctx, instancesCollection)
	if err != nil {
		return Instance{}, trace.Wrap(err)
	}
	now := c.cfg.Clock.Now()
	var candidates []Instance
	for i := range docs {
		instance := instanceFromDoc(&docs[i])
		switch instance.Status {
		case StatusHealthy, StatusStarting:
		default:
			continue
		}
		if now.Sub(instance.LastHeartbeat) > c.cfg.InstanceTimeout {
			continue
		}
		if instance.MaxConnections > 0 && instance.ConnectionCount >= instance.MaxConnections {
			continue
		}
		candidates = append(candidates, instance)
	}
	if len(candidates) == 0 {
		return Instance{}, trace.NotFound("no instance has capacity for %v", key)
	}
	switch c.cfg.Strategy {
	case StrategyRoundRobin:
		c.mu.Lock()
		pick := candidates[c.rrNext%len(candidates)]
		c.rrNext++
		c.mu.Unlock()
		return pick, nil
	case StrategyResourceBased:
		best := candidates[0]
		bestScore := -1.0
		for _, candidate := range candidates {
			score := (1 - candidate.MemoryRatio) * (1 - candidate.CPURatio)
			if score > bestScore {
				best, bestScore = candidate, score
			}
		}
		return best, nil
	default: // least_connections
		best := candidates[0]
		for _, candidate := range candidates[1:] {
			if candidate.ConnectionCount < best.ConnectionCount {
				best = candidate
			}
		}
		return best, nil
	}
}

// Close deregisters the instance and stops the loops. Ownership
// records are expected to be released per-session by the pool before
// this is called.
func (c *Coordinator) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.mu.Lock()
		c.status = StatusShuttingDown
		c.mu.Unlock()
		if werr := c.writeHeartbeat(ctx); werr != nil {
			c.cfg.Log.WarnContext(ctx, "failed to write shutdown status", "error", werr)
		}
		err = trace.Wrap(c.cfg.Store.Delete(ctx, instancePath(c.cfg.InstanceID)))
		close(c.stopped)
	})
	<-c.stopped
	return err
}

// String implements fmt.Stringer.
func (c *Coordinator) String() string {
	return fmt.Sprintf("Coordinator(%v)", c.cfg.InstanceID)
}
