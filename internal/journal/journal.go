// Package journal keeps a bounded in-memory history of hosted command runs.
package journal

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EntryType is the lifecycle step an entry records
type EntryType string

const (
	EntryStarted   EntryType = "started"
	EntryCompleted EntryType = "completed"
	EntryFailed    EntryType = "failed"
	EntryCancelled EntryType = "cancelled"
)

// Entry is one step of a command run
type Entry struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Channel   string        `json:"channel,omitempty"`
	Command   string        `json:"command"`
	Type      EntryType     `json:"type"`
	Async     bool          `json:"async"`
	Duration  time.Duration `json:"duration,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Stats summarises the entries currently held
type Stats struct {
	TotalEntries     int64               `json:"totalEntries"`
	EntriesByType    map[EntryType]int64 `json:"entriesByType"`
	EntriesByCommand map[string]int64    `json:"entriesByCommand"`
	ErrorCount       int64               `json:"errorCount"`
	AverageDuration  time.Duration       `json:"averageDuration"`
	LastEntry        time.Time           `json:"lastEntry"`
}

// Journal is an in-memory command history. Once maxEntries is reached the
// oldest rotatePercent of entries are dropped.
type Journal struct {
	entries       []*Entry
	byChannel     map[string][]*Entry
	byCommand     map[string][]*Entry
	mu            sync.RWMutex
	maxEntries    int
	rotatePercent float64
}

// Option configures the journal
type Option func(*Journal)

// WithMaxEntries sets the maximum number of entries
func WithMaxEntries(max int) Option {
	return func(j *Journal) {
		j.maxEntries = max
	}
}

// WithRotatePercent sets the share of entries removed when max is reached
func WithRotatePercent(percent float64) Option {
	return func(j *Journal) {
		j.rotatePercent = percent
	}
}

// New creates an empty journal
func New(opts ...Option) *Journal {
	j := &Journal{
		entries:       make([]*Entry, 0),
		byChannel:     make(map[string][]*Entry),
		byCommand:     make(map[string][]*Entry),
		maxEntries:    10000,
		rotatePercent: 0.2,
	}

	for _, opt := range opts {
		opt(j)
	}
	if j.maxEntries < 1 {
		j.maxEntries = 1
	}

	return j
}

// Record stores entry, filling in ID and Timestamp when unset
func (j *Journal) Record(_ context.Context, entry *Entry) error {
	if entry == nil {
		return errors.New("journal: entry cannot be nil")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.entries) >= j.maxEntries {
		j.rotate()
	}

	j.entries = append(j.entries, entry)
	j.index(entry)
	return nil
}

// ByChannel returns the entries of one run, oldest first
func (j *Journal) ByChannel(channel string) []*Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return append([]*Entry(nil), j.byChannel[channel]...)
}

// ByCommand returns the newest entries for command, newest first. limit <= 0
// returns all of them.
func (j *Journal) ByCommand(command string, limit int) []*Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return newest(j.byCommand[command], limit)
}

// Recent returns the newest entries across all commands, newest first
func (j *Journal) Recent(limit int) []*Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return newest(j.entries, limit)
}

// Since returns the entries recorded at or after t, oldest first
func (j *Journal) Since(t time.Time) []*Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	i := sort.Search(len(j.entries), func(i int) bool {
		return !j.entries[i].Timestamp.Before(t)
	})
	return append([]*Entry(nil), j.entries[i:]...)
}

// Stats returns journal statistics
func (j *Journal) Stats() Stats {
	j.mu.RLock()
	defer j.mu.RUnlock()

	stats := Stats{
		TotalEntries:     int64(len(j.entries)),
		EntriesByType:    make(map[EntryType]int64),
		EntriesByCommand: make(map[string]int64),
	}

	var totalDuration time.Duration
	var finished int64
	for _, entry := range j.entries {
		stats.EntriesByType[entry.Type]++
		stats.EntriesByCommand[entry.Command]++

		if entry.Error != "" {
			stats.ErrorCount++
		}
		if entry.Type != EntryStarted {
			totalDuration += entry.Duration
			finished++
		}
		if entry.Timestamp.After(stats.LastEntry) {
			stats.LastEntry = entry.Timestamp
		}
	}

	if finished > 0 {
		stats.AverageDuration = totalDuration / time.Duration(finished)
	}
	return stats
}

// Clear removes entries older than olderThan and returns how many went
func (j *Journal) Clear(olderThan time.Duration) int {
	j.mu.Lock()
	defer j.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	kept := make([]*Entry, 0, len(j.entries))
	for _, entry := range j.entries {
		if entry.Timestamp.After(cutoff) {
			kept = append(kept, entry)
		}
	}

	removed := len(j.entries) - len(kept)
	j.entries = kept
	j.rebuildIndexes()
	return removed
}

func (j *Journal) rotate() {
	removeCount := int(float64(j.maxEntries) * j.rotatePercent)
	if removeCount < 1 {
		removeCount = 1
	}
	if removeCount > len(j.entries) {
		removeCount = len(j.entries)
	}

	j.entries = append([]*Entry(nil), j.entries[removeCount:]...)
	j.rebuildIndexes()
}

func (j *Journal) index(entry *Entry) {
	if entry.Channel != "" {
		j.byChannel[entry.Channel] = append(j.byChannel[entry.Channel], entry)
	}
	if entry.Command != "" {
		j.byCommand[entry.Command] = append(j.byCommand[entry.Command], entry)
	}
}

func (j *Journal) rebuildIndexes() {
	j.byChannel = make(map[string][]*Entry)
	j.byCommand = make(map[string][]*Entry)
	for _, entry := range j.entries {
		j.index(entry)
	}
}

func newest(entries []*Entry, limit int) []*Entry {
	n := len(entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Entry, 0, n)
	for i := len(entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, entries[i])
	}
	return out
}
