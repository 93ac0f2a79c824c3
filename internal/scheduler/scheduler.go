// Package scheduler selects the tasks eligible to run next. Selection is
// a pure function over a status snapshot: it never mutates state, so the
// orchestration loop can call it on every tick and the same snapshot
// always yields the same answer.
package scheduler

import (
	"fmt"
	"sort"

	"github.com/Iron-Ham/orchard/internal/plan"
	"github.com/Iron-Ham/orchard/internal/status"
)

// Options tunes one selection pass.
type Options struct {
	// MaxCount caps the number of ready tasks returned. Zero means no cap.
	MaxCount int

	// IgnoreSequential disables sequential-group filtering. This is an
	// operator override; the caller is responsible for recording that the
	// constraint was bypassed.
	IgnoreSequential bool

	// Groups maps sequential group IDs to their members in plan
	// declaration order. When a group is absent, member order falls back
	// to task ID order.
	Groups map[string][]string
}

// Result is the outcome of one selection pass. Ready holds runnable task
// IDs in priority order (phase, then index). Blocked maps each candidate that
// was dependency-ready but filtered out to the reason it was held back.
type Result struct {
	Ready   []string
	Blocked map[string]string
}

// ReadyTasks returns the tasks that may be dispatched given the snapshot.
//
// A task is a candidate when it is pending and every dependency is
// completed or skipped. Candidates are then filtered in order: sequential
// groups admit only their earliest unfinished member, and file conflicts
// against in-progress tasks and between candidates keep the earlier task
// (lower phase, then lower ID). Whatever survives is truncated to
// MaxCount.
func ReadyTasks(snap *status.Snapshot, opts Options) Result {
	res := Result{Blocked: make(map[string]string)}

	var candidates []string
	for id, ts := range snap.Tasks {
		if ts.Status != status.TaskPending {
			continue
		}
		if depsSatisfied(snap, ts) {
			candidates = append(candidates, id)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return plan.Less(candidates[i], candidates[j])
	})

	if !opts.IgnoreSequential {
		candidates = filterSequential(snap, candidates, opts.Groups, res.Blocked)
	}
	candidates = filterFileConflicts(snap, candidates, res.Blocked)

	if opts.MaxCount > 0 && len(candidates) > opts.MaxCount {
		candidates = candidates[:opts.MaxCount]
	}
	res.Ready = candidates
	return res
}

func depsSatisfied(snap *status.Snapshot, ts *status.TaskState) bool {
	for _, dep := range ts.DependsOn {
		d := snap.Tasks[dep]
		if d == nil || !d.Status.SatisfiesDependents() {
			return false
		}
	}
	return true
}

// filterSequential admits at most one member per sequential group: the
// earliest member, in declared order, that has not yet finished. Every
// other candidate in the group is blocked on the group ID.
func filterSequential(snap *status.Snapshot, candidates []string, groups map[string][]string, blocked map[string]string) []string {
	eligible := make(map[string]string) // group -> admitted task
	for group, members := range groupMembers(snap, groups) {
		for _, id := range members {
			ts := snap.Tasks[id]
			if ts == nil || ts.Status.SatisfiesDependents() {
				continue
			}
			eligible[group] = id
			break
		}
	}

	kept := candidates[:0]
	for _, id := range candidates {
		group := snap.Tasks[id].SequentialGroup
		if group == "" || eligible[group] == id {
			kept = append(kept, id)
			continue
		}
		blocked[id] = "sequential:" + group
	}
	return kept
}

// groupMembers returns each sequential group's members in declared order,
// falling back to task ID order for groups the plan order map omits.
func groupMembers(snap *status.Snapshot, declared map[string][]string) map[string][]string {
	out := make(map[string][]string)
	for id, ts := range snap.Tasks {
		if ts.SequentialGroup != "" {
			out[ts.SequentialGroup] = append(out[ts.SequentialGroup], id)
		}
	}
	for group, members := range out {
		if ordered, ok := declared[group]; ok {
			out[group] = ordered
			continue
		}
		sort.Slice(members, func(i, j int) bool {
			return plan.Less(members[i], members[j])
		})
		out[group] = members
	}
	return out
}

// filterFileConflicts drops candidates whose file references overlap an
// in-progress task or an already-kept candidate. Candidates arrive in
// priority order, so on a conflict between two candidates the earlier one
// wins deterministically.
func filterFileConflicts(snap *status.Snapshot, candidates []string, blocked map[string]string) []string {
	claims := make(map[string]string) // file -> holding task
	for id, ts := range snap.Tasks {
		if ts.Status != status.TaskInProgress {
			continue
		}
		for _, f := range ts.Files {
			claims[f] = id
		}
	}

	kept := candidates[:0]
next:
	for _, id := range candidates {
		for _, f := range snap.Tasks[id].Files {
			if holder, taken := claims[f]; taken {
				blocked[id] = fmt.Sprintf("fileConflict:%s", holder)
				continue next
			}
		}
		for _, f := range snap.Tasks[id].Files {
			claims[f] = id
		}
		kept = append(kept, id)
	}
	return kept
}
