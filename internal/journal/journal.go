// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package journal implements an append-only change journal: monotonically
// increasing sequence numbers, accumulate_range queries, and subscriber
// notification, backed by an in-memory ring of records bounded by byte
// size rather than record age.
package journal

import (
	"sync"

	"edenfs/internal/core"
)

// Sequence identifies one journal record's position, monotonically
// increasing for the lifetime of a Journal.
type Sequence uint64

// RecordKind classifies what a journal record reports.
type RecordKind int

const (
	// RecordEntryAdded: a path was added to the working copy.
	RecordEntryAdded RecordKind = iota
	// RecordEntryRemoved: a path was removed.
	RecordEntryRemoved
	// RecordEntryModified: a path's content or type changed in place,
	// without discarding any locally materialized state.
	RecordEntryModified
	// RecordPathReplaced: a locally materialized path was force-overwritten
	// with destination content, discarding local changes.
	RecordPathReplaced
	// RecordPathRenamed: a path moved from Path to NewPath.
	RecordPathRenamed
	// RecordUncleanPaths: bulk record of every path found modified relative
	// to FromRoot immediately before a checkout to ToRoot was applied.
	RecordUncleanPaths
	// RecordCheckout: a checkout completed, changing the working copy
	// parent.
	RecordCheckout
)

// Record is one entry in the journal.
type Record struct {
	Seq  Sequence
	Kind RecordKind
	Path string
	// NewPath is set for RecordPathRenamed, naming the destination path.
	NewPath string
	// Paths is set for RecordUncleanPaths, the bulk path set.
	Paths []string
	// FromRoot/ToRoot are set for RecordCheckout and RecordUncleanPaths,
	// describing the parent transition.
	FromRoot core.RootId
	ToRoot   core.RootId
	// SizeBytes is this record's contribution to the journal's memory
	// budget, an approximation of len(Path) plus a fixed per-record
	// overhead.
	SizeBytes int64
}

func recordSize(path string) int64 { return int64(len(path)) + 64 }

// RootTransition is one checkout recorded within a Range, describing the
// working copy parent moving from FromRoot to ToRoot.
type RootTransition struct {
	FromRoot core.RootId
	ToRoot   core.RootId
}

// Range is the result of AccumulateRange: every record in (from, to], plus
// whether the range's true start could not be represented because older
// records were evicted for budget. UncleanPaths and SnapshotTransitions
// summarize the RecordUncleanPaths and RecordCheckout records within the
// range, so subscribers don't have to re-derive them from Records.
type Range struct {
	Records             []Record
	IsTruncated         bool
	UncleanPaths        []string
	SnapshotTransitions []RootTransition
}

// Journal is an in-memory, append-only, budget-bounded record of working
// copy changes. Once the configured byte budget is exceeded,
// the oldest records are evicted; AccumulateRange reports IsTruncated when
// a record after the query's start has been evicted.
type Journal struct {
	mu sync.Mutex

	budget       int64
	used         int64
	records      []Record
	nextSeq      Sequence
	firstLiveSeq Sequence

	subscribers map[int]chan struct{}
	nextSubID   int
}

// New returns an empty Journal bounded by budgetBytes. A non-positive
// budget disables eviction (records accumulate forever, useful in tests).
func New(budgetBytes int64) *Journal {
	return &Journal{budget: budgetBytes, nextSeq: 1, firstLiveSeq: 1, subscribers: make(map[int]chan struct{})}
}

// Append adds a new record, assigning it the next Sequence, evicting the
// oldest records if the byte budget is now exceeded, and waking every
// subscriber.
func (j *Journal) Append(kind RecordKind, path string, fromRoot, toRoot core.RootId) Sequence {
	return j.appendRecord(Record{Kind: kind, Path: path, FromRoot: fromRoot, ToRoot: toRoot, SizeBytes: recordSize(path)})
}

// AppendRename records a path moving from oldPath to newPath.
func (j *Journal) AppendRename(oldPath, newPath string, fromRoot, toRoot core.RootId) Sequence {
	size := recordSize(oldPath) + recordSize(newPath)
	return j.appendRecord(Record{Kind: RecordPathRenamed, Path: oldPath, NewPath: newPath, FromRoot: fromRoot, ToRoot: toRoot, SizeBytes: size})
}

// AppendUncleanPaths records the bulk set of paths found locally modified
// relative to fromRoot immediately before a checkout to toRoot.
func (j *Journal) AppendUncleanPaths(fromRoot, toRoot core.RootId, paths []string) Sequence {
	size := int64(64)
	for _, p := range paths {
		size += recordSize(p)
	}
	return j.appendRecord(Record{Kind: RecordUncleanPaths, Paths: paths, FromRoot: fromRoot, ToRoot: toRoot, SizeBytes: size})
}

func (j *Journal) appendRecord(rec Record) Sequence {
	j.mu.Lock()
	rec.Seq = j.nextSeq
	j.nextSeq++
	j.records = append(j.records, rec)
	j.used += rec.SizeBytes
	j.evictLocked()
	seq := rec.Seq
	j.mu.Unlock()

	j.notifySubscribers()
	return seq
}

func (j *Journal) evictLocked() {
	if j.budget <= 0 {
		return
	}
	for j.used > j.budget && len(j.records) > 1 {
		evicted := j.records[0]
		j.records = j.records[1:]
		j.used -= evicted.SizeBytes
		j.firstLiveSeq = j.records[0].Seq
	}
}

// LatestSequence returns the sequence number of the most recently appended
// record, or 0 if the journal is empty.
func (j *Journal) LatestSequence() Sequence {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.records) == 0 {
		return 0
	}
	return j.records[len(j.records)-1].Seq
}

// AccumulateRange returns every record with Seq > from, up to and
// including the latest. If any record with Seq > from has already been
// evicted, the result is marked truncated: the caller cannot
// distinguish "nothing changed before the retained window" from "changes
// were evicted", and must treat the whole working copy as possibly stale.
// ErrJournalTruncated is the sibling error for callers that prefer a hard
// failure to a soft flag.
func (j *Journal) AccumulateRange(from Sequence) Range {
	j.mu.Lock()
	defer j.mu.Unlock()

	truncated := from < j.firstLiveSeq-1 && j.firstLiveSeq > 1
	var out []Record
	var unclean []string
	var transitions []RootTransition
	for _, r := range j.records {
		if r.Seq <= from {
			continue
		}
		out = append(out, r)
		switch r.Kind {
		case RecordUncleanPaths:
			unclean = append(unclean, r.Paths...)
		case RecordCheckout:
			transitions = append(transitions, RootTransition{FromRoot: r.FromRoot, ToRoot: r.ToRoot})
		}
	}
	return Range{Records: out, IsTruncated: truncated, UncleanPaths: unclean, SnapshotTransitions: transitions}
}

// Subscribe registers a channel that receives a (non-blocking, coalesced)
// notification after every Append. Callers must call the returned
// unsubscribe function when done.
func (j *Journal) Subscribe() (ch <-chan struct{}, unsubscribe func()) {
	j.mu.Lock()
	id := j.nextSubID
	j.nextSubID++
	c := make(chan struct{}, 1)
	j.subscribers[id] = c
	j.mu.Unlock()

	return c, func() {
		j.mu.Lock()
		delete(j.subscribers, id)
		j.mu.Unlock()
	}
}

func (j *Journal) notifySubscribers() {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, c := range j.subscribers {
		select {
		case c <- struct{}{}:
		default:
		}
	}
}
