// Package merge combines canonical records for the same CVE identifier into a
// single stored record, deterministically and without ever shrinking the
// product-association set.
package merge

import (
	"github.com/cvedash/cve-pipeline/types"
)

type Action int

const (
	ActionInsert Action = iota
	ActionUpdate
	ActionNoOp
	ActionConflict
)

func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionUpdate:
		return "update"
	case ActionNoOp:
		return "noop"
	case ActionConflict:
		return "conflict"
	}
	return "unknown"
}

// Result is the outcome of merging an incoming record against the stored one.
// Record is what must be stored (for Conflict and NoOp it is the existing
// record, unchanged). ProductShrink flags an incoming record that supplied a
// non-empty product set missing associations a prior fetch established; the
// union is applied anyway and the anomaly reported.
type Result struct {
	Action        Action
	Record        types.Record
	ProductShrink bool
}

// Merge resolves an incoming record against the existing stored record for
// the same identifier.
//
// Rules, in order: no existing record inserts; a newer incoming record
// updates, taking authoritative fields (severity, weaknesses, description)
// only when the incoming provenance is authoritative; an older-or-equal
// incoming record that agrees on every field it carries is a no-op (modulo
// fill-ins and product union); an older-or-equal incoming record that
// contradicts a field both sides carry is a conflict and the stored record
// wins. Product sets always merge by union.
func Merge(existing *types.Record, incoming types.Record) Result {
	incoming.Products = types.SortedUnique(incoming.Products)
	incoming.CWEs = types.SortedUnique(incoming.CWEs)
	incoming.References = types.SortedUnique(incoming.References)

	if existing == nil {
		return Result{Action: ActionInsert, Record: incoming}
	}

	if incoming.LastModified.After(existing.LastModified) {
		return update(*existing, incoming)
	}
	return reconcile(*existing, incoming)
}

// update applies a strictly newer incoming record.
func update(existing, incoming types.Record) Result {
	out := existing
	out.LastModified = incoming.LastModified
	if authoritative(incoming.Provenance) {
		out.Score = incoming.Score
		out.Vector = incoming.Vector
		out.VectorVersion = incoming.VectorVersion
		out.CWEs = incoming.CWEs
		if incoming.Description != "" {
			out.Description = incoming.Description
		}
	}
	return finish(existing, incoming, out)
}

// reconcile handles an incoming record that is not newer than the stored one.
// When the two sides differ in authority the tie-break applies: authoritative
// (API-sourced) severity/weakness fields win over scraped ones, in either
// direction, without raising a conflict. Equal-authority contradictions on
// fields both sides carry are conflicts; fields only one side carries are
// filled in.
func reconcile(existing, incoming types.Record) Result {
	exAuth, inAuth := authoritative(existing.Provenance), authoritative(incoming.Provenance)
	if exAuth == inAuth && contradicts(existing, incoming) {
		return Result{Action: ActionConflict, Record: existing}
	}

	out := existing
	if inAuth && !exAuth {
		// scraped record upgraded by authoritative data from the same run
		if incoming.Score != nil {
			out.Score = incoming.Score
			out.Vector = incoming.Vector
			out.VectorVersion = incoming.VectorVersion
		}
		if len(incoming.CWEs) > 0 {
			out.CWEs = incoming.CWEs
		}
		if incoming.Description != "" {
			out.Description = incoming.Description
		}
	} else {
		if out.Score == nil && incoming.Score != nil {
			out.Score = incoming.Score
			out.Vector = incoming.Vector
			out.VectorVersion = incoming.VectorVersion
		}
		if len(out.CWEs) == 0 {
			out.CWEs = incoming.CWEs
		}
		if out.Description == "" {
			out.Description = incoming.Description
		}
	}
	return finish(existing, incoming, out)
}

// finish applies the union rules shared by both paths and classifies the
// outcome as Update or NoOp.
func finish(existing, incoming, out types.Record) Result {
	out.Products = unionStrings(existing.Products, incoming.Products)
	out.References = unionStrings(existing.References, incoming.References)
	out.KnownExploited = existing.KnownExploited || incoming.KnownExploited
	if existing.Published.IsZero() || (!incoming.Published.IsZero() && incoming.Published.Before(existing.Published)) {
		out.Published = incoming.Published
	}
	if existing.Provenance != incoming.Provenance {
		out.Provenance = types.ProvenanceMerged
	}

	// A newer record carrying a non-empty product set that misses prior
	// associations is a reportable anomaly; the union is kept regardless.
	shrink := incoming.LastModified.After(existing.LastModified) &&
		len(incoming.Products) > 0 && !containsAll(incoming.Products, existing.Products)

	res := Result{
		Record:        out,
		ProductShrink: shrink,
	}
	if equal(existing, out) {
		res.Action = ActionNoOp
		res.Record = existing
	} else {
		res.Action = ActionUpdate
	}
	return res
}

func authoritative(p types.Provenance) bool {
	return p == types.ProvenanceAPI || p == types.ProvenanceMerged
}

// contradicts reports whether the two records disagree on an authoritative
// field both of them actually carry. A record that omits a field (no score,
// empty weakness set, empty description) never contradicts it.
func contradicts(existing, incoming types.Record) bool {
	if existing.Score != nil && incoming.Score != nil && *existing.Score != *incoming.Score {
		return true
	}
	if len(existing.CWEs) > 0 && len(incoming.CWEs) > 0 && !equalStrings(existing.CWEs, incoming.CWEs) {
		return true
	}
	if existing.Description != "" && incoming.Description != "" && existing.Description != incoming.Description {
		return true
	}
	return false
}

func equal(a, b types.Record) bool {
	switch {
	case a.ID != b.ID,
		!a.Published.Equal(b.Published),
		!a.LastModified.Equal(b.LastModified),
		(a.Score == nil) != (b.Score == nil),
		a.Score != nil && b.Score != nil && *a.Score != *b.Score,
		a.Vector != b.Vector,
		a.VectorVersion != b.VectorVersion,
		a.Description != b.Description,
		a.KnownExploited != b.KnownExploited,
		a.Provenance != b.Provenance,
		!equalStrings(a.CWEs, b.CWEs),
		!equalStrings(a.Products, b.Products),
		!equalStrings(a.References, b.References):
		return false
	}
	return true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func unionStrings(a, b []string) []string {
	return types.SortedUnique(append(append([]string(nil), a...), b...))
}

func containsAll(haystack, needles []string) bool {
	set := make(map[string]struct{}, len(haystack))
	for _, s := range haystack {
		set[s] = struct{}{}
	}
	for _, n := range needles {
		if _, ok := set[n]; !ok {
			return false
		}
	}
	return true
}
