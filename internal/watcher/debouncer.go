package watcher

import (
	"sort"
	"sync"
	"time"
)

// ChangeKind says what happened to a mirror path
type ChangeKind int

const (
	ChangeCreate ChangeKind = iota
	ChangeModify
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreate:
		return "CREATE"
	case ChangeModify:
		return "MODIFY"
	case ChangeDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Change is one coalesced change to a path relative to the watched root
type Change struct {
	Path string
	Kind ChangeKind
	At   time.Time
}

// Batch holds the changes of one quiet period, sorted by path
type Batch []Change

// Paths returns the changed paths
func (b Batch) Paths() []string {
	paths := make([]string, len(b))
	for i, c := range b {
		paths[i] = c.Path
	}
	return paths
}

// Debouncer gathers changes until none has arrived for its delay, then
// emits everything gathered as one Batch. The Batches channel is never
// closed; readers select on their own context.
type Debouncer struct {
	delay    time.Duration
	mu       sync.Mutex
	pending  map[string]*Change
	timer    *time.Timer
	output   chan Batch
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewDebouncer creates a debouncer with the given quiet period
func NewDebouncer(delayMs int) *Debouncer {
	return &Debouncer{
		delay:   time.Duration(delayMs) * time.Millisecond,
		pending: make(map[string]*Change),
		output:  make(chan Batch, 16),
		stopCh:  make(chan struct{}),
	}
}

// Batches returns the channel of emitted batches
func (d *Debouncer) Batches() <-chan Batch {
	return d.output
}

// Add records a change and restarts the quiet period
func (d *Debouncer) Add(path string, kind ChangeKind) {
	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case <-d.stopCh:
		return
	default:
	}

	now := time.Now()
	if c, ok := d.pending[path]; ok {
		c.Kind = coalesce(c.Kind, kind)
		c.At = now
	} else {
		d.pending[path] = &Change{Path: path, Kind: kind, At: now}
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.emit)
}

// coalesce folds a new change into a pending one. Delete wins, a modify
// after a create stays a create, and a create after a delete means the file
// was replaced.
func coalesce(prev, next ChangeKind) ChangeKind {
	switch {
	case next == ChangeDelete:
		return ChangeDelete
	case prev == ChangeCreate && next == ChangeModify:
		return ChangeCreate
	case prev == ChangeDelete && next == ChangeCreate:
		return ChangeModify
	default:
		return next
	}
}

func (d *Debouncer) emit() {
	d.mu.Lock()
	if len(d.pending) == 0 {
		d.mu.Unlock()
		return
	}
	batch := make(Batch, 0, len(d.pending))
	for _, c := range d.pending {
		batch = append(batch, *c)
	}
	d.pending = make(map[string]*Change)
	d.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].Path < batch[j].Path })

	select {
	case d.output <- batch:
	case <-d.stopCh:
	}
}

// Flush emits pending changes without waiting for the quiet period
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
	d.emit()
}

// Stop drops pending changes. Safe to call more than once.
func (d *Debouncer) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)

		d.mu.Lock()
		if d.timer != nil {
			d.timer.Stop()
		}
		d.pending = make(map[string]*Change)
		d.mu.Unlock()
	})
}

// PendingCount returns the number of paths waiting to be emitted
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
