// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package probemanager tracks which probes are installed, pending or failed,
// and installs pending probes as their targets get loaded.
package probemanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/DataDog/dyninst-go/pkg/dyninst/coderegistry"
	"github.com/DataDog/dyninst-go/pkg/dyninst/instrumenter"
	"github.com/DataDog/dyninst-go/pkg/dyninst/probe"
	"github.com/DataDog/dyninst-go/pkg/dyninst/target"
	"github.com/DataDog/dyninst-go/pkg/util/log"
)

// ErrPreviouslyFailed is returned when adding a probe whose id failed to
// install before. Such ids are never retried.
var ErrPreviouslyFailed = errors.New("previously failed")

// Outcome is the state a probe ends up in after AddProbe.
type Outcome uint8

const (
	// Installed means the probe's hook is in place.
	Installed Outcome = iota
	// Pending means the target is not loaded yet.
	Pending
	// Failed means the probe will not be installed.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Installed:
		return "installed"
	case Pending:
		return "pending"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
}

// InstallResult is the result of AddProbe. Err is set when Outcome is Failed.
type InstallResult struct {
	Outcome Outcome
	Err     error
}

// Manager owns the installed, pending and failed probe sets.
//
// The manager lock is always taken before the instrumenter's.
type Manager struct {
	in  *instrumenter.Instrumenter
	cfg configuration

	mu        sync.Mutex
	installed map[string]*probe.Probe
	// pending keeps insertion order; reconciliation scans it linearly.
	pending []*probe.Probe
	failed  map[string]error
	closed  bool
}

// New returns a manager installing probes through in.
func New(in *instrumenter.Instrumenter, opts ...Option) *Manager {
	return &Manager{
		in:        in,
		cfg:       makeConfiguration(opts...),
		installed: make(map[string]*probe.Probe),
		failed:    make(map[string]error),
	}
}

// AddProbe tries to install p.
func (m *Manager) AddProbe(p *probe.Probe) InstallResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return InstallResult{Outcome: Failed, Err: errors.New("probe manager is closed")}
	}
	return m.addLocked(p)
}

func (m *Manager) addLocked(p *probe.Probe) InstallResult {
	if err, ok := m.failed[p.ID]; ok {
		return InstallResult{Outcome: Failed, Err: fmt.Errorf("probe %s %w: %v", p.ID, ErrPreviouslyFailed, err)}
	}
	if cur, ok := m.installed[p.ID]; ok && cur == p {
		return InstallResult{Outcome: Installed}
	}

	err := m.in.Hook(p, m.onFire)
	switch {
	case err == nil:
		m.installed[p.ID] = p
		m.removePendingLocked(p.ID)
		m.cfg.notifier.EnqueueStatus(m.cfg.builder.BuildInstalled(p))
		m.cfg.telemetry.ProbeTransition("installed")
		log.Debugf("di: probe %s installed on %s", p.ID, p.Location())
		return InstallResult{Outcome: Installed}

	case errors.Is(err, instrumenter.ErrTargetNotRegistered):
		if m.replacePendingLocked(p) {
			m.cfg.telemetry.ProbeTransition("pending")
			log.Debugf("di: probe %s is pending: %v", p.ID, err)
		}
		return InstallResult{Outcome: Pending}

	default:
		m.failed[p.ID] = err
		m.removePendingLocked(p.ID)
		m.cfg.notifier.EnqueueStatus(m.cfg.builder.BuildErrored(p, err))
		m.cfg.telemetry.ProbeTransition("failed")
		log.Warnf("di: failed to install probe %s on %s: %v", p.ID, p.Location(), err)
		return InstallResult{Outcome: Failed, Err: err}
	}
}

// replacePendingLocked records p as pending, replacing an entry with the same
// id. It reports whether p was not pending already.
func (m *Manager) replacePendingLocked(p *probe.Probe) bool {
	for i, cur := range m.pending {
		if cur.ID == p.ID {
			m.pending[i] = p
			return cur != p
		}
	}
	m.pending = append(m.pending, p)
	return true
}

func (m *Manager) removePendingLocked(id string) {
	m.pending = lo.Reject(m.pending, func(p *probe.Probe, _ int) bool {
		return p.ID == id
	})
}

// OnTypeDefined installs the first pending method probe targeting t. Other
// probes on t are installed on later definition events.
func (m *Manager) OnTypeDefined(t *target.Type) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for _, p := range m.pending {
		if p.IsMethodProbe() && p.TypeName == t.Name() {
			m.addLocked(p)
			break
		}
	}
}

// OnUnitLoaded retries every pending line probe whose file matches u.
func (m *Manager) OnUnitLoaded(u *target.Unit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	candidates := lo.Filter(m.pending, func(p *probe.Probe, _ int) bool {
		return p.IsLineProbe() && coderegistry.PathMatches(u.Path(), p.File)
	})
	for _, p := range candidates {
		m.addLocked(p)
	}
}

// RemoveProbe uninstalls and forgets the probe with the given id. A probe
// that cannot be uninstalled stays installed.
func (m *Manager) RemoveProbe(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(id)
}

func (m *Manager) removeLocked(id string) error {
	m.removePendingLocked(id)
	p, ok := m.installed[id]
	if !ok {
		return nil
	}
	if err := m.in.Unhook(p); err != nil {
		return fmt.Errorf("failed to uninstall probe %s: %w", id, err)
	}
	delete(m.installed, id)
	m.cfg.telemetry.ProbeTransition("removed")
	log.Debugf("di: probe %s removed", id)
	return nil
}

// RemoveOtherProbes removes every installed or pending probe whose id is not
// in ids. Probes that fail to uninstall are kept so the removal is retried on
// the next call; their errors are aggregated.
func (m *Manager) RemoveOtherProbes(ids []string) error {
	keep := lo.SliceToMap(ids, func(id string) (string, struct{}) { return id, struct{}{} })
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending = lo.Reject(m.pending, func(p *probe.Probe, _ int) bool {
		_, ok := keep[p.ID]
		return !ok
	})
	var errs error
	for _, id := range sortedKeys(m.installed) {
		if _, ok := keep[id]; ok {
			continue
		}
		if err := m.removeLocked(id); err != nil {
			log.Warnf("di: %v", err)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// ProbeExecuted handles one firing of a probe: the first firing reports the
// probe as emitting, and every firing produces a snapshot.
func (m *Manager) ProbeExecuted(ev instrumenter.Event) {
	p := ev.Probe
	p.MarkExecuted()
	if p.MarkEmitting() {
		m.cfg.notifier.EnqueueStatus(m.cfg.builder.BuildEmitting(p))
		m.cfg.telemetry.ProbeTransition("emitting")
	}
	m.cfg.notifier.EnqueueSnapshot(m.cfg.builder.BuildExecuted(ev))
}

func (m *Manager) onFire(ev instrumenter.Event) {
	m.ProbeExecuted(ev)
}

// Probe returns the installed or pending probe with the given id.
func (m *Manager) Probe(id string) (*probe.Probe, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.installed[id]; ok {
		return p, true
	}
	return lo.Find(m.pending, func(p *probe.Probe) bool { return p.ID == id })
}

// InstalledProbes returns the ids of installed probes, sorted.
func (m *Manager) InstalledProbes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.installed)
}

// PendingProbes returns the ids of pending probes, in the order they became
// pending.
func (m *Manager) PendingProbes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Map(m.pending, func(p *probe.Probe, _ int) string { return p.ID })
}

// FailedProbes returns the ids of failed probes with the reason they failed.
func (m *Manager) FailedProbes() map[string]error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Assign(m.failed)
}

// Close uninstalls every probe and rejects further additions.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.pending = nil
	var errs error
	for _, id := range sortedKeys(m.installed) {
		errs = multierr.Append(errs, m.removeLocked(id))
	}
	return errs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
