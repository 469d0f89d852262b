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

// Package reconcile periodically corrects divergence between the three
// views of a session: the in-memory state, the live protocol socket,
// and the external projection document. Drift is expected — crashes,
// lost writes, races between instances — and the reconciler's job is to
// converge the projection back to reality without fighting the pairing
// status suppression.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gravitational/wahost"
	"github.com/gravitational/wahost/lib/defaults"
	"github.com/gravitational/wahost/lib/docstore"
	"github.com/gravitational/wahost/lib/eventbus"
	"github.com/gravitational/wahost/lib/session"
	"github.com/gravitational/wahost/lib/statemgr"
	"github.com/gravitational/wahost/lib/utils"
)

var (
	driftsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wahost",
		Subsystem: "reconcile",
		Name:      "drifts_detected_total",
		Help:      "Divergences found between session views, by rule.",
	}, []string{"rule"})
	driftsFixed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wahost",
		Subsystem: "reconcile",
		Name:      "drifts_fixed_total",
		Help:      "Divergences successfully corrected.",
	})
	driftsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wahost",
		Subsystem: "reconcile",
		Name:      "drifts_failed_total",
		Help:      "Corrections that could not be written.",
	})
	sweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wahost",
		Subsystem: "reconcile",
		Name:      "sweeps_total",
		Help:      "Completed reconciliation sweeps.",
	})
)

// Rules identify why the reconciler touched a session.
const (
	// RuleMismatch is a plain projection/in-memory status divergence.
	RuleMismatch = "status_mismatch"
	// RuleGhost is a projection claiming connected with no in-memory
	// entry behind it.
	RuleGhost = "ghost_connected"
	// RuleStuckConnecting is a projection parked in connecting or
	// initializing with no socket to show for it.
	RuleStuckConnecting = "stuck_connecting"
	// RuleStuckImport is an import whose terminal batch never arrived.
	RuleStuckImport = "stuck_import"
)

// PoolView is the slice of the session pool the reconciler reads.
type PoolView interface {
	// HasSocket reports whether a live open socket exists for the key.
	HasSocket(key session.Key) bool
}

// Drift is one recorded divergence.
type Drift struct {
	// Key is the affected session.
	Key session.Key
	// Rule names the rule that fired.
	Rule string
	// From and To are the projection statuses before and after.
	From session.Status
	To   session.Status
	// Fixed reports whether the correction write succeeded.
	Fixed bool
	// Time is when the drift was observed.
	Time time.Time
}

// Config configures the Reconciler.
type Config struct {
	// Pool answers socket liveness questions.
	Pool PoolView
	// States is the in-memory state view and preferred write path.
	States *statemgr.Manager
	// Store is the projection document store, used for corrections on
	// sessions this instance holds no in-memory state for.
	Store docstore.Client
	// Emitter publishes reconcile_alert.
	Emitter eventbus.Emitter
	// Interval is the sweep period.
	Interval time.Duration
	// StuckConnectingThreshold ages out projections stuck in
	// connecting or initializing.
	StuckConnectingThreshold time.Duration
	// StuckImportThreshold ages out projections stuck importing.
	StuckImportThreshold time.Duration
	// AlertThreshold is the per-sweep drift count that raises an alert.
	AlertThreshold int
	// HistorySize bounds the kept drift history.
	HistorySize int
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
	// Log is the component logger.
	Log *slog.Logger
	// Jitter randomizes the sweep period.
	Jitter utils.Jitter
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Pool == nil {
		return trace.BadParameter("missing parameter Pool")
	}
	if c.States == nil {
		return trace.BadParameter("missing parameter States")
	}
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Emitter == nil {
		return trace.BadParameter("missing parameter Emitter")
	}
	if c.Interval <= 0 {
		c.Interval = defaults.ReconcileInterval
	}
	if c.StuckConnectingThreshold <= 0 {
		c.StuckConnectingThreshold = defaults.StuckConnectingThreshold
	}
	if c.StuckImportThreshold <= 0 {
		c.StuckImportThreshold = defaults.StuckImportThreshold
	}
	if c.AlertThreshold <= 0 {
		c.AlertThreshold = defaults.DriftAlertThreshold
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaults.DriftHistorySize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(wahost.ComponentKey, wahost.ComponentReconciler)
	}
	if c.Jitter == nil {
		c.Jitter = utils.NewSeventhJitter()
	}
	return nil
}

// Reconciler runs the periodic sweep.
type Reconciler struct {
	cfg Config

	mu      sync.Mutex
	history []Drift

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// New creates a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Reconciler{
		cfg:     cfg,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}, nil
}

// Start launches the sweep loop.
func (r *Reconciler) Start(ctx context.Context) {
	go r.loop(ctx)
}

// Close stops the sweep loop.
func (r *Reconciler) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	<-r.stopped
	return nil
}

func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.stopped)
	for {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			return
		case <-r.cfg.Clock.After(r.cfg.Jitter(r.cfg.Interval)):
		}
		if _, err := r.Sweep(ctx); err != nil {
			r.cfg.Log.WarnContext(ctx, "reconciliation sweep failed", "error", err)
		}
	}
}

// History returns a copy of the recorded drift events, newest last.
func (r *Reconciler) History() []Drift {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Drift(nil), r.history...)
}

// Sweep reads every projection and converges it with the in-memory and
// socket views. Returns the drifts found. Each key is resolved
// independently; there is no cross-key transaction.
func (r *Reconciler) Sweep(ctx context.Context) ([]Drift, error) {
	docs, err := r.cfg.Store.List(ctx, session.NumbersCollection)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	inMem := make(map[session.Key]statemgr.State)
	for _, state := range r.cfg.States.States() {
		inMem[state.Key] = state
	}

	now := r.cfg.Clock.Now()
	var drifts []Drift
	for i := range docs {
		doc := &docs[i]
		projStatus := session.Status(docstore.StringField(doc, "whatsapp.status"))
		if projStatus == "" {
			continue
		}
		key, err := session.KeyFromDocPath(doc.Path)
		if err != nil {
			continue
		}
		lastUpdated := docstore.TimeField(doc, "whatsapp.last_updated")
		age := now.Sub(lastUpdated)
		state, tracked := inMem[key]

		if drift, ok := r.resolve(ctx, key, projStatus, age, state, tracked); ok {
			drifts = append(drifts, drift)
		}
	}

	r.record(ctx, drifts)
	sweepsTotal.Inc()
	return drifts, nil
}

// resolve applies the drift rules to one session and performs the
// correction. Returns the drift, if any.
func (r *Reconciler) resolve(ctx context.Context, key session.Key, projStatus session.Status, age time.Duration, state statemgr.State, tracked bool) (Drift, bool) {
	switch {
	case !tracked && projStatus == session.StatusConnected:
		// Race guard: the pool may hold a live socket whose state was
		// evicted moments ago, or an attach may be mid-flight.
		if r.cfg.Pool.HasSocket(key) {
			return Drift{}, false
		}
		return r.fix(ctx, key, RuleGhost, projStatus, session.StatusDisconnected, tracked), true

	case (projStatus == session.StatusConnecting || projStatus == session.StatusInitializing) &&
		age > r.cfg.StuckConnectingThreshold && !r.cfg.Pool.HasSocket(key):
		// No auto-retry here: the underlying cause (proxy outage,
		// vendor trouble) may be unresolved; the user must re-attach.
		return r.fix(ctx, key, RuleStuckConnecting, projStatus, session.StatusDisconnected, tracked), true

	case projStatus.IsImporting() && age > r.cfg.StuckImportThreshold:
		return r.fixStuckImport(ctx, key, projStatus, tracked), true

	case tracked && state.Status != "" && projStatus != state.Status:
		return r.fix(ctx, key, RuleMismatch, projStatus, state.Status, tracked), true
	}
	return Drift{}, false
}

func (r *Reconciler) fix(ctx context.Context, key session.Key, rule string, from, to session.Status, tracked bool) Drift {
	driftsDetected.WithLabelValues(rule).Inc()
	drift := Drift{Key: key, Rule: rule, From: from, To: to, Time: r.cfg.Clock.Now().UTC()}

	var err error
	if tracked {
		// Repairs bypass the pairing suppression gate: a session that
		// never finished pairing must still be movable out of its
		// stuck status.
		err = r.cfg.States.ForceStatus(ctx, key, to)
		if err == nil {
			r.cfg.States.Flush(key)
		}
	} else {
		err = r.writeProjection(ctx, key, map[string]any{
			"whatsapp.status":       string(to),
			"whatsapp.last_updated": r.cfg.Clock.Now().UTC(),
		})
	}
	if err != nil {
		driftsFailed.Inc()
		r.cfg.Log.WarnContext(ctx, "failed to correct drift",
			"session", key, "rule", rule, "from", from, "to", to, "error", err)
		return drift
	}
	driftsFixed.Inc()
	drift.Fixed = true
	r.cfg.Log.InfoContext(ctx, "corrected drift",
		"session", key, "rule", rule, "from", from, "to", to)
	return drift
}

// fixStuckImport forces a projection out of importing_* into connected
// with a completed sync marker. Recovers imports whose terminal batch
// never arrived.
func (r *Reconciler) fixStuckImport(ctx context.Context, key session.Key, from session.Status, tracked bool) Drift {
	driftsDetected.WithLabelValues(RuleStuckImport).Inc()
	drift := Drift{Key: key, Rule: RuleStuckImport, From: from, To: session.StatusConnected, Time: r.cfg.Clock.Now().UTC()}

	var err error
	if tracked {
		// An import only starts after a completed handshake, so
		// forcing both flags is safe and keeps the connected write
		// from being suppressed.
		completed := true
		err = r.cfg.States.Update(ctx, key, statemgr.Delta{
			Status:             session.StatusConnected,
			SyncStatus:         session.SyncCompleted,
			SyncCompleted:      &completed,
			HandshakeCompleted: &completed,
		})
		if err == nil {
			r.cfg.States.Flush(key)
		}
	} else {
		err = r.writeProjection(ctx, key, map[string]any{
			"whatsapp.status":       string(session.StatusConnected),
			"whatsapp.sync_status":  string(session.SyncCompleted),
			"whatsapp.last_updated": r.cfg.Clock.Now().UTC(),
		})
	}
	if err != nil {
		driftsFailed.Inc()
		r.cfg.Log.WarnContext(ctx, "failed to recover stuck import",
			"session", key, "error", err)
		return drift
	}
	driftsFixed.Inc()
	drift.Fixed = true
	r.cfg.Log.InfoContext(ctx, "recovered stuck import", "session", key, "from", from)
	return drift
}

func (r *Reconciler) writeProjection(ctx context.Context, key session.Key, fields map[string]any) error {
	updates := make([]docstore.Update, 0, len(fields))
	for path, value := range fields {
		updates = append(updates, docstore.Update{Path: path, Value: value})
	}
	return trace.Wrap(r.cfg.Store.Update(ctx, key.DocPath(), updates))
}

func (r *Reconciler) record(ctx context.Context, drifts []Drift) {
	r.mu.Lock()
	r.history = append(r.history, drifts...)
	if excess := len(r.history) - r.cfg.HistorySize; excess > 0 {
		r.history = append([]Drift(nil), r.history[excess:]...)
	}
	r.mu.Unlock()

	if len(drifts) > r.cfg.AlertThreshold {
		r.cfg.Log.WarnContext(ctx, "drift count exceeded alert threshold",
			"drifts", len(drifts), "threshold", r.cfg.AlertThreshold)
		if err := r.cfg.Emitter.Publish(ctx, session.Key{}, eventbus.TopicReconcileAlert, map[string]any{
			"drifts":    len(drifts),
			"threshold": r.cfg.AlertThreshold,
		}); err != nil {
			r.cfg.Log.WarnContext(ctx, "failed to publish reconcile alert", "error", err)
		}
	}
}
