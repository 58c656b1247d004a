// Package replay implements the Replay component (C10): a read-only
// reconstruction of a task's timeline by merging its transitions, events
// and audits into one chronological sequence (spec.md §4.10).
package replay

import (
	"context"
	"sort"
	"time"

	"github.com/agentcore/substrate/internal/audit"
	"github.com/agentcore/substrate/internal/model"
)

// EntryKind tags which source table a timeline entry came from.
type EntryKind string

const (
	EntryTransition EntryKind = "transition"
	EntryEvent      EntryKind = "event"
	EntryAudit      EntryKind = "audit"
)

// Entry is one point in a task's reconstructed timeline.
type Entry struct {
	Kind       EntryKind
	Transition *model.StateTransition
	Event      *model.Event
	Audit      *model.Audit
}

// sourceOrder breaks ties when two entries share the same timestamp: by
// convention transitions are considered to have happened first, then
// events, then audits, since an audit row typically documents something
// that already occurred.
func sourceOrder(k EntryKind) int {
	switch k {
	case EntryTransition:
		return 0
	case EntryEvent:
		return 1
	default:
		return 2
	}
}

// Timeline reconstructs the full chronological history for a task by
// reading its transitions, events and audits and merging them, oldest
// first, with source-order used as the tie-break for equal timestamps.
func Timeline(ctx context.Context, log *audit.Log, taskID string) ([]Entry, error) {
	transitions, err := log.Transitions(ctx, taskID)
	if err != nil {
		return nil, err
	}
	events, err := log.Events(ctx, taskID)
	if err != nil {
		return nil, err
	}
	audits, err := log.Audits(ctx, taskID)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(transitions)+len(events)+len(audits))
	for i := range transitions {
		entries = append(entries, Entry{Kind: EntryTransition, Transition: &transitions[i]})
	}
	for i := range events {
		entries = append(entries, Entry{Kind: EntryEvent, Event: &events[i]})
	}
	for i := range audits {
		entries = append(entries, Entry{Kind: EntryAudit, Audit: &audits[i]})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		ti, tj := entryTime(entries[i]), entryTime(entries[j])
		if ti.Equal(tj) {
			return sourceOrder(entries[i].Kind) < sourceOrder(entries[j].Kind)
		}
		return ti.Before(tj)
	})

	return entries, nil
}

func entryTime(e Entry) time.Time {
	switch e.Kind {
	case EntryTransition:
		return e.Transition.CreatedAt
	case EntryEvent:
		return e.Event.CreatedAt
	default:
		return e.Audit.CreatedAt
	}
}
