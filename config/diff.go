package config

import "sort"

// Diff is the set-difference reconciliation between two snapshots,
// keyed by service identity.
type Diff struct {
	Added     []ServiceSpec
	Removed   []Identity
	Modified  []ServiceSpec
	Unchanged []Identity
}

// Reconcile compares old against next and classifies every identity as
// added, removed, modified (same identity, different command/levels/
// conditions) or unchanged. Identity is (name, id).
func Reconcile(old, next Snapshot) Diff {
	oldIdx := old.Identities()
	newIdx := next.Identities()

	var d Diff
	for id, spec := range newIdx {
		if oldSpec, ok := oldIdx[id]; ok {
			if specsDiffer(oldSpec, spec) {
				d.Modified = append(d.Modified, spec)
			} else {
				d.Unchanged = append(d.Unchanged, id)
			}
		} else {
			d.Added = append(d.Added, spec)
		}
	}
	for id := range oldIdx {
		if _, ok := newIdx[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}

	sort.Slice(d.Added, func(i, j int) bool { return d.Added[i].Identity().String() < d.Added[j].Identity().String() })
	sort.Slice(d.Modified, func(i, j int) bool { return d.Modified[i].Identity().String() < d.Modified[j].Identity().String() })
	sort.Slice(d.Removed, func(i, j int) bool { return d.Removed[i].String() < d.Removed[j].String() })
	sort.Slice(d.Unchanged, func(i, j int) bool { return d.Unchanged[i].String() < d.Unchanged[j].String() })
	return d
}

func specsDiffer(a, b ServiceSpec) bool {
	if a.Kind != b.Kind || a.Path != b.Path || a.Levels != b.Levels {
		return true
	}
	if len(a.Args) != len(b.Args) {
		return true
	}
	for i := range a.Args {
		if a.Args[i] != b.Args[i] {
			return true
		}
	}
	return a.CondExpr.String() != b.CondExpr.String()
}
