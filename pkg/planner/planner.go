// Package planner diffs a project's desired state against the ledger and
// produces the ordered list of actions an apply run would perform.
//
// Planning is pure: it reads a *project.Project and a *ledger.Snapshot and
// touches neither the filesystem nor the database.
package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/pthm/pgm"
	"github.com/pthm/pgm/pkg/fingerprint"
	"github.com/pthm/pgm/pkg/ledger"
	"github.com/pthm/pgm/pkg/project"
)

// ActionKind is what an action does to its target.
type ActionKind int

const (
	Skip ActionKind = iota
	Create
	Replace
	RunMigration
	MarkFake
)

func (k ActionKind) String() string {
	switch k {
	case Skip:
		return "skip"
	case Create:
		return "create"
	case Replace:
		return "replace"
	case RunMigration:
		return "run"
	case MarkFake:
		return "fake"
	default:
		return fmt.Sprintf("action(%d)", int(k))
	}
}

// Action is one planned step. Exactly one of Object and Migration is set.
type Action struct {
	Kind      ActionKind
	Object    *project.Object
	Migration *project.Migration

	// SQL lists the statements to execute, in order. Empty for Skip and
	// MarkFake.
	SQL []string

	// Reason explains why the action was chosen.
	Reason string

	// Previous is the ledger entry the action supersedes, if any.
	Previous *ledger.Entry
}

// Target names the action's object or migration, e.g. "view active_users".
func (a *Action) Target() string {
	if a.Migration != nil {
		return "migration " + a.Migration.Label()
	}
	return a.Object.Key().String()
}

// Pending reports whether the action changes anything.
func (a *Action) Pending() bool {
	return a.Kind != Skip
}

// IsMigration reports whether the action targets a migration.
func (a *Action) IsMigration() bool {
	return a.Migration != nil
}

// Entry builds the ledger row recording this action.
func (a *Action) Entry(runID uuid.UUID) *ledger.Entry {
	if a.Migration != nil {
		return &ledger.Entry{
			Kind:        ledger.KindMigration,
			Name:        a.Migration.Label(),
			Sequence:    a.Migration.Sequence,
			Fingerprint: a.Migration.Fingerprint,
			Source:      a.Migration.Source,
			RunID:       runID,
			Fake:        a.Kind == MarkFake,
		}
	}
	return &ledger.Entry{
		Kind:        a.Object.Kind.String(),
		Name:        a.Object.Name,
		Fingerprint: a.Object.Fingerprint,
		Source:      a.Object.Source,
		RunID:       runID,
	}
}

// WarningKind classifies a non-fatal planning finding.
type WarningKind int

const (
	// Drift: an applied migration's file changed after it was applied.
	Drift WarningKind = iota
	// OutOfOrder: an unapplied migration sorts below the highest applied one.
	OutOfOrder
	// MissingMigration: the ledger records a migration with no file.
	MissingMigration
	// Orphaned: the ledger records an object with no file.
	Orphaned
)

func (k WarningKind) String() string {
	switch k {
	case Drift:
		return "drift"
	case OutOfOrder:
		return "out-of-order"
	case MissingMigration:
		return "missing-migration"
	case Orphaned:
		return "orphaned"
	default:
		return fmt.Sprintf("warning(%d)", int(k))
	}
}

// Warning is a non-fatal finding surfaced to the user.
type Warning struct {
	Kind    WarningKind
	Message string

	// Drift is set for Drift warnings.
	Drift *pgm.DriftWarning
}

func (w Warning) String() string {
	return w.Message
}

// DriftPolicy decides what happens when an applied migration has changed.
type DriftPolicy int

const (
	// DriftWarn reports drift and carries on. It is the default.
	DriftWarn DriftPolicy = iota
	// DriftError fails planning with pgm.ErrDrift.
	DriftError
)

// ParseDriftPolicy accepts "warn" or "error"; empty means warn.
func ParseDriftPolicy(s string) (DriftPolicy, error) {
	switch strings.ToLower(s) {
	case "", "warn":
		return DriftWarn, nil
	case "error":
		return DriftError, nil
	}
	return DriftWarn, fmt.Errorf("%w: unknown drift policy %q (want warn or error)", pgm.ErrConfig, s)
}

func (p DriftPolicy) String() string {
	if p == DriftError {
		return "error"
	}
	return "warn"
}

// Options tune planning.
type Options struct {
	// Fake turns every RunMigration into MarkFake.
	Fake bool

	// AllowOutOfOrder runs unapplied migrations whose sequence is below the
	// highest applied one instead of skipping them.
	AllowOutOfOrder bool

	DriftPolicy DriftPolicy
}

// Plan is the ordered result of Build.
type Plan struct {
	Actions  []*Action
	Warnings []Warning
}

// Pending returns the actions that change something, in order.
func (p *Plan) Pending() []*Action {
	var out []*Action
	for _, a := range p.Actions {
		if a.Pending() {
			out = append(out, a)
		}
	}
	return out
}

// Empty reports whether the plan has nothing to do.
func (p *Plan) Empty() bool {
	for _, a := range p.Actions {
		if a.Pending() {
			return false
		}
	}
	return true
}

// Counts tallies actions by kind.
func (p *Plan) Counts() map[ActionKind]int {
	counts := make(map[ActionKind]int)
	for _, a := range p.Actions {
		counts[a.Kind]++
	}
	return counts
}

// DriftWarnings returns the drift findings in sequence order.
func (p *Plan) DriftWarnings() []pgm.DriftWarning {
	var out []pgm.DriftWarning
	for _, w := range p.Warnings {
		if w.Drift != nil {
			out = append(out, *w.Drift)
		}
	}
	return out
}

// Build computes the plan for p against snap.
//
// Actions are ordered functions, triggers, migrations (ascending sequence),
// views, then materialized views; objects of one kind are ordered by name.
func Build(p *project.Project, snap *ledger.Snapshot, opts Options) (*Plan, error) {
	if snap == nil {
		snap = ledger.NewSnapshot()
	}
	plan := &Plan{}

	byKind := make(map[project.Kind][]*Action, len(project.Kinds))
	for _, kind := range project.Kinds {
		for _, obj := range p.ObjectsOfKind(kind) {
			byKind[kind] = append(byKind[kind], planObject(obj, snap.Object(obj.Key())))
		}
	}
	rebuildDependents(byKind)

	migrations, err := planMigrations(p, snap, opts, plan)
	if err != nil {
		return nil, err
	}

	plan.Actions = append(plan.Actions, byKind[project.Function]...)
	plan.Actions = append(plan.Actions, byKind[project.Trigger]...)
	plan.Actions = append(plan.Actions, migrations...)
	plan.Actions = append(plan.Actions, byKind[project.View]...)
	plan.Actions = append(plan.Actions, byKind[project.MaterializedView]...)

	plan.Warnings = append(plan.Warnings, orphans(p, snap)...)
	return plan, nil
}

func planObject(obj *project.Object, prev *ledger.Entry) *Action {
	a := &Action{Object: obj, Previous: prev}
	switch {
	case prev == nil:
		a.Kind = Create
		a.Reason = "not applied"
	case !fingerprint.Equal(prev.Fingerprint, obj.Fingerprint):
		a.Kind = Replace
		a.Reason = "source changed"
	default:
		a.Kind = Skip
		a.Reason = "unchanged"
		return a
	}
	a.SQL = []string{obj.Source}
	return a
}

// dropStatement removes a relation and everything built on it, keyed by kind.
// Functions and triggers carry their own CREATE OR REPLACE.
var dropStatement = map[project.Kind]func(name string) string{
	project.View: func(name string) string {
		return "DROP VIEW IF EXISTS " + name + " CASCADE"
	},
	project.MaterializedView: func(name string) string {
		return "DROP MATERIALIZED VIEW IF EXISTS " + name + " CASCADE"
	},
}

// rebuildKinds are the relation kinds dropped and re-created together.
var rebuildKinds = []project.Kind{project.View, project.MaterializedView}

// rebuildDependents turns a view replace, or any materialized view create or
// replace, into a rebuild of every view and materialized view. A cascading
// drop removes relations of either kind, so all drops run, in reverse plan
// order, before the first create; each relation then carries only its own
// source.
func rebuildDependents(byKind map[project.Kind][]*Action) {
	triggered := false
	for _, a := range byKind[project.View] {
		triggered = triggered || a.Kind == Replace
	}
	for _, a := range byKind[project.MaterializedView] {
		triggered = triggered || a.Kind != Skip
	}
	if !triggered {
		return
	}

	var relations []*Action
	for _, kind := range rebuildKinds {
		relations = append(relations, byKind[kind]...)
	}
	drops := make([]string, 0, len(relations))
	for i := len(relations) - 1; i >= 0; i-- {
		obj := relations[i].Object
		drops = append(drops, dropStatement[obj.Kind](obj.Name))
	}

	for i, a := range relations {
		if a.Kind == Skip {
			a.Kind = Replace
			a.Reason = "dependent rebuild"
		}
		a.SQL = []string{a.Object.Source}
		if i == 0 {
			a.SQL = append(drops, a.SQL...)
		}
	}
}

func planMigrations(p *project.Project, snap *ledger.Snapshot, opts Options, plan *Plan) ([]*Action, error) {
	highest, anyApplied := snap.MaxSequence()

	var actions []*Action
	var drifted []string
	for _, m := range p.Migrations {
		a := &Action{Migration: m, Previous: snap.Migration(m.Sequence)}
		switch {
		case a.Previous != nil:
			a.Kind = Skip
			a.Reason = "already applied"
			if !fingerprint.Equal(a.Previous.Fingerprint, m.Fingerprint) {
				dw := &pgm.DriftWarning{
					Sequence: m.Sequence,
					Name:     m.Name,
					Applied:  a.Previous.Fingerprint,
					Current:  m.Fingerprint,
				}
				plan.Warnings = append(plan.Warnings, Warning{Kind: Drift, Message: dw.String(), Drift: dw})
				drifted = append(drifted, m.Label())
			}
		case anyApplied && m.Sequence < highest && !opts.AllowOutOfOrder:
			a.Kind = Skip
			a.Reason = "out of order"
			msg := fmt.Sprintf("migration %s is below the highest applied sequence %05d and was not run", m.Label(), highest)
			plan.Warnings = append(plan.Warnings, Warning{Kind: OutOfOrder, Message: msg})
		case opts.Fake:
			a.Kind = MarkFake
			a.Reason = "fake apply"
		default:
			a.Kind = RunMigration
			a.Reason = "not applied"
			a.SQL = []string{m.Source}
		}
		actions = append(actions, a)
	}

	if len(drifted) > 0 && opts.DriftPolicy == DriftError {
		return nil, fmt.Errorf("%w: %s", pgm.ErrDrift, strings.Join(drifted, ", "))
	}

	var missing []int64
	for seq := range snap.Migrations {
		if p.Migration(seq) == nil {
			missing = append(missing, seq)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	for _, seq := range missing {
		plan.Warnings = append(plan.Warnings, Warning{
			Kind:    MissingMigration,
			Message: fmt.Sprintf("migration %s is recorded as applied but has no file", snap.Migrations[seq].Name),
		})
	}
	return actions, nil
}

func orphans(p *project.Project, snap *ledger.Snapshot) []Warning {
	var keys []project.Key
	for key := range snap.Objects {
		if p.Objects[key] == nil {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Kind != keys[j].Kind {
			return keys[i].Kind < keys[j].Kind
		}
		return keys[i].Name < keys[j].Name
	})
	out := make([]Warning, 0, len(keys))
	for _, key := range keys {
		out = append(out, Warning{
			Kind:    Orphaned,
			Message: fmt.Sprintf("%s is recorded as applied but has no file; drop it with a migration if it is no longer wanted", key),
		})
	}
	return out
}
