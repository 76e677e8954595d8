package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/livinlefevreloca/apisync/internal/endpoint"
)

// Entry is one scheduled unit of future work.
type Entry struct {
	Endpoint string          `json:"endpoint"`
	RunAfter int64           `json:"runAfter"` // epoch seconds
	Historic bool            `json:"historic"`
	Params   endpoint.Params `json:"params"`
}

// IsStandard reports whether the entry is an endpoint's standing poll slot.
func (e Entry) IsStandard() bool {
	return !e.Historic && len(e.Params) == 0
}

// RunItem is a due entry handed to the orchestrator. A nil Params means the
// endpoint defaults apply.
type RunItem struct {
	Endpoint string
	Params   endpoint.Params
	Historic bool
}

// Journal receives queue-management notes for the run log.
type Journal interface {
	QueueNote(endpoint, message string)
}

// Queue is the persistent scheduling ledger for exactly one integration.
// It is owned by a single invocation and flushed to its store after every
// mutation.
type Queue struct {
	store   Store
	known   map[string]endpoint.Primary
	order   []endpoint.Primary
	entries []Entry

	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the wall clock used to decide which entries are due.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// New loads the queue from store. A missing store is created empty; a
// malformed one is an error.
func New(store Store, endpoints []endpoint.Primary, logger *slog.Logger, opts ...Option) (*Queue, error) {
	q := &Queue{
		store:  store,
		known:  make(map[string]endpoint.Primary, len(endpoints)),
		order:  endpoints,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	for _, p := range endpoints {
		q.known[endpoint.Name(p)] = p
	}

	entries, created, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	if created {
		q.logger.Info("created empty queue store")
	}
	q.entries = entries

	q.logger.Debug("loaded queue", "entries", len(entries))
	return q, nil
}

// Entries returns a snapshot of the current queue.
func (q *Queue) Entries() []Entry {
	out := make([]Entry, len(q.entries))
	for i, e := range q.entries {
		out[i] = e
		out[i].Params = e.Params.Clone()
	}
	return out
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	return len(q.entries)
}

// Add inserts an entry and persists the queue. An existing entry for the
// same endpoint, historic flag and params is replaced in place instead of
// duplicated.
func (q *Queue) Add(entry Entry) error {
	entry = normalize(entry)

	replaced := false
	for i, e := range q.entries {
		if e.Endpoint == entry.Endpoint && e.Historic == entry.Historic && paramsEqual(e.Params, entry.Params) {
			q.entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		q.entries = append(q.entries, entry)
	}

	if err := q.save(); err != nil {
		return err
	}

	q.logger.Debug("queue entry added",
		"endpoint", entry.Endpoint,
		"historic", entry.Historic,
		"run_after", entry.RunAfter,
		"replaced", replaced)
	return nil
}

// HasStandardEntryFor reports whether name has a standing poll entry.
func (q *Queue) HasStandardEntryFor(name string) bool {
	for _, e := range q.entries {
		if e.Endpoint == name && e.IsStandard() {
			return true
		}
	}
	return false
}

// HasHistoricEntryFor reports whether name has any historic entry.
func (q *Queue) HasHistoricEntryFor(name string) bool {
	for _, e := range q.entries {
		if e.Endpoint == name && e.Historic {
			return true
		}
	}
	return false
}

// Process splits the queue into due work and retained entries, purges
// entries for endpoints that no longer exist and synthesizes a standard
// entry for every endpoint that lacks one. The returned items follow store
// order, with synthesized standard items last. The updated queue is saved
// before returning.
func (q *Queue) Process(journal Journal) ([]RunItem, error) {
	now := q.now().Unix()

	kept := make([]Entry, 0, len(q.entries))
	items := make([]RunItem, 0, len(q.entries))
	standardDue := make(map[string]bool)
	historicDue := make(map[string]bool)

	for _, e := range q.entries {
		if _, ok := q.known[e.Endpoint]; !ok {
			q.note(journal, e.Endpoint, fmt.Sprintf("removing unhandled endpoint %s from queue", e.Endpoint))
			continue
		}

		if e.RunAfter > now {
			wait := (e.RunAfter - now + 59) / 60
			q.note(journal, e.Endpoint, fmt.Sprintf("skipping %s for %d minutes", e.Endpoint, wait))
			kept = append(kept, normalize(e))
			continue
		}

		item := RunItem{Endpoint: e.Endpoint}
		if len(e.Params) > 0 {
			item.Params = e.Params.Clone()
			item.Historic = e.Historic
		}

		switch {
		case item.Historic:
			if historicDue[e.Endpoint] {
				// One backfill step per endpoint per invocation; the rest wait.
				kept = append(kept, normalize(e))
				continue
			}
			historicDue[e.Endpoint] = true
		case item.Params == nil:
			if standardDue[e.Endpoint] {
				continue
			}
			standardDue[e.Endpoint] = true
		}
		items = append(items, item)
	}

	q.entries = kept

	for _, p := range q.order {
		name := endpoint.Name(p)
		if q.HasStandardEntryFor(name) {
			continue
		}
		q.note(journal, name, fmt.Sprintf("adding standard queue entry for %s", name))
		q.entries = append(q.entries, Entry{
			Endpoint: name,
			RunAfter: now + int64(endpoint.Delay(p)/time.Second),
			Params:   endpoint.Params{},
		})
		if !standardDue[name] {
			standardDue[name] = true
			items = append(items, RunItem{Endpoint: name})
		}
	}

	if err := q.save(); err != nil {
		return nil, err
	}

	q.logger.Info("processed queue",
		"due", len(items),
		"queued", len(q.entries))
	return items, nil
}

func (q *Queue) save() error {
	if err := q.store.Save(q.entries); err != nil {
		return fmt.Errorf("failed to save queue: %w", err)
	}
	return nil
}

func (q *Queue) note(journal Journal, name, message string) {
	q.logger.Debug(message, "endpoint", name)
	if journal != nil {
		journal.QueueNote(name, message)
	}
}

func normalize(e Entry) Entry {
	if e.Params == nil {
		e.Params = endpoint.Params{}
	} else {
		e.Params = e.Params.Clone()
	}
	return e
}

// paramsEqual compares params by their JSON encoding so that an int 2 and a
// float64 2 decoded from the store are the same page.
func paramsEqual(a, b endpoint.Params) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}
