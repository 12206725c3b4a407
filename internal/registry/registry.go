// Package registry is the canonical in-memory store of machines and the only
// path through which their status, finish time and telegram reference change.
//
// Every mutation of a machine runs under that machine's lock: the new state is
// built on a private copy, written through to the optional Persister, and only
// then published. Readers take the same lock in shared mode and receive deep
// copies, so no reader can observe a status without its history entry.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"stayuptodo-laundry/internal/apperr"
	"stayuptodo-laundry/internal/model"
	"stayuptodo-laundry/internal/parse"
)

// Persister writes committed machine state to durable storage. appended holds
// the history entries added by the mutation being persisted.
type Persister interface {
	SaveMachine(ctx context.Context, m model.Machine, appended []model.StatusHistoryEntry) error
	DeleteMachine(ctx context.Context, id string) error
}

// TransitionValidator decides whether a status change is permitted.
type TransitionValidator func(from, to model.Status) error

// AllowAll permits every transition; the status graph is unrestricted.
func AllowAll(from, to model.Status) error { return nil }

// Options configures a Registry.
type Options struct {
	// RecordUnchanged appends a history entry even when the requested status
	// equals the current one. Off by default.
	RecordUnchanged bool
	Validator       TransitionValidator
	Persister       Persister
	Now             func() time.Time
	Logger          *slog.Logger
}

// Filter selects machines in List. Nil fields match everything.
type Filter struct {
	Status *model.Status
	Type   *model.MachineType
	Block  *int
}

// StatusUpdate is the input of SetStatus.
type StatusUpdate struct {
	Status              model.Status
	User                string
	EstimatedFinishTime *time.Time
}

// Transition is the result of SetStatus. Changed is true when a history entry
// was appended.
type Transition struct {
	Machine model.Machine
	From    model.Status
	To      model.Status
	Changed bool
}

type entry struct {
	mu      sync.RWMutex
	machine model.Machine
	removed bool
}

// Registry holds every machine keyed by id.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	opts Options
	log  *slog.Logger

	obsMu     sync.RWMutex
	observers []func(Event)
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.Validator == nil {
		opts.Validator = AllowAll
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*entry),
		opts:    opts,
		log:     log,
	}
}

func (r *Registry) now() time.Time {
	return r.opts.Now().UTC()
}

// canonicalID normalises the type letter so "55w4" and "55W4" address the same
// machine. Unparseable ids are returned unchanged and will not be found.
func canonicalID(id string) string {
	parsed, err := parse.ParseMachineID(id)
	if err != nil {
		return strings.TrimSpace(id)
	}
	return parsed.String()
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[canonicalID(id)]
}

// Len returns the number of machines.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Get returns a copy of the machine.
func (r *Registry) Get(id string) (model.Machine, error) {
	e := r.lookup(id)
	if e == nil {
		return model.Machine{}, apperr.NotFound("machine %s not found", id)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.removed {
		return model.Machine{}, apperr.NotFound("machine %s not found", id)
	}
	return e.machine.Clone(), nil
}

// History returns a copy of the machine's status history, oldest first.
func (r *Registry) History(id string) ([]model.StatusHistoryEntry, error) {
	m, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return m.StatusHistory, nil
}

// List returns the machines matching f, ordered by block, type and number.
// Each machine is a consistent snapshot; the list as a whole is not.
func (r *Registry) List(f Filter) []model.Machine {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	machines := make([]model.Machine, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		if !e.removed && f.matches(e.machine) {
			machines = append(machines, e.machine.Clone())
		}
		e.mu.RUnlock()
	}

	sortMachines(machines)
	return machines
}

func (f Filter) matches(m model.Machine) bool {
	if f.Status != nil && m.Status != *f.Status {
		return false
	}
	if f.Type != nil && m.Type() != *f.Type {
		return false
	}
	if f.Block != nil && m.BlockNumber != *f.Block {
		return false
	}
	return true
}

func sortMachines(machines []model.Machine) {
	sort.Slice(machines, func(i, j int) bool {
		a, b := machines[i], machines[j]
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		if a.Type() != b.Type() {
			return a.Type() == model.TypeWasher
		}
		return a.Number() < b.Number()
	})
}

// Create adds a machine. Missing status defaults to available.
func (r *Registry) Create(ctx context.Context, m model.Machine) (model.Machine, error) {
	m = m.Clone()
	if m.Status == "" {
		m.Status = model.StatusAvailable
	}
	if m.StatusHistory == nil {
		m.StatusHistory = []model.StatusHistoryEntry{}
	}
	for i := range m.StatusHistory {
		m.StatusHistory[i].Timestamp = m.StatusHistory[i].Timestamp.UTC().Truncate(model.TimestampResolution)
	}
	if m.Status != model.StatusInUse {
		m.EstimatedFinishTime = nil
	} else if m.EstimatedFinishTime != nil {
		ft := m.EstimatedFinishTime.UTC()
		m.EstimatedFinishTime = &ft
	}
	if err := m.Validate(); err != nil {
		return model.Machine{}, apperr.Validation("invalid machine data: %v", err)
	}

	r.mu.Lock()
	if _, exists := r.entries[m.ID]; exists {
		r.mu.Unlock()
		return model.Machine{}, apperr.Conflict("machine %s already exists", m.ID)
	}
	if r.opts.Persister != nil {
		if err := r.opts.Persister.SaveMachine(ctx, m, m.StatusHistory); err != nil {
			r.mu.Unlock()
			return model.Machine{}, fmt.Errorf("persist machine %s: %w", m.ID, err)
		}
	}
	r.entries[m.ID] = &entry{machine: m}
	r.mu.Unlock()

	r.emit(Event{Kind: EventCreated, MachineID: m.ID, To: m.Status, Machine: m.Clone()})
	return m.Clone(), nil
}

// Delete removes a machine together with its history.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	key := canonicalID(id)
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return apperr.NotFound("machine %s not found", id)
	}

	e.mu.Lock()
	if r.opts.Persister != nil {
		if err := r.opts.Persister.DeleteMachine(ctx, key); err != nil {
			e.mu.Unlock()
			r.mu.Unlock()
			return fmt.Errorf("delete machine %s: %w", key, err)
		}
	}
	from := e.machine.Status
	e.removed = true
	delete(r.entries, key)
	e.mu.Unlock()
	r.mu.Unlock()

	r.emit(Event{Kind: EventDeleted, MachineID: key, From: from})
	return nil
}

// Initialize creates every machine of the layout that does not exist yet and
// returns all machines of the layout. Existing machines keep their state and
// history.
func (r *Registry) Initialize(ctx context.Context, layout model.Layout) ([]model.Machine, error) {
	if err := layout.Validate(); err != nil {
		return nil, apperr.Validation("%v", err)
	}

	ids := layout.MachineIDs()
	created := 0
	for _, id := range ids {
		if r.lookup(id) != nil {
			continue
		}
		m, err := model.NewMachine(id)
		if err != nil {
			return nil, apperr.Validation("%v", err)
		}
		if _, err := r.Create(ctx, m); err != nil {
			if apperr.IsConflict(err) {
				continue
			}
			return nil, err
		}
		created++
	}
	r.log.Info("layout initialized", "layout", layout.Name, "machines", len(ids), "created", created)

	machines := make([]model.Machine, 0, len(ids))
	for _, id := range ids {
		m, err := r.Get(id)
		if err != nil {
			continue
		}
		machines = append(machines, m)
	}
	return machines, nil
}

// Load replaces the registry contents with previously persisted machines. It
// does not write to the Persister.
func (r *Registry) Load(machines []model.Machine) error {
	entries := make(map[string]*entry, len(machines))
	for _, m := range machines {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("load machine %s: %w", m.ID, err)
		}
		if _, dup := entries[m.ID]; dup {
			return fmt.Errorf("load machine %s: duplicate id", m.ID)
		}
		c := m.Clone()
		if c.StatusHistory == nil {
			c.StatusHistory = []model.StatusHistoryEntry{}
		}
		entries[m.ID] = &entry{machine: c}
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	return nil
}

// mutateFunc edits m in place and returns the history entries it appended and
// whether anything changed.
type mutateFunc func(m *model.Machine, now time.Time) (appended []model.StatusHistoryEntry, dirty bool, err error)

// mutate runs fn on a copy of the machine under its lock and commits the copy
// only after the persister accepted it. before is the state fn saw.
func (r *Registry) mutate(ctx context.Context, id string, fn mutateFunc) (before, after model.Machine, appended []model.StatusHistoryEntry, err error) {
	e := r.lookup(id)
	if e == nil {
		return model.Machine{}, model.Machine{}, nil, apperr.NotFound("machine %s not found", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return model.Machine{}, model.Machine{}, nil, apperr.NotFound("machine %s not found", id)
	}

	next := e.machine.Clone()
	appended, dirty, err := fn(&next, r.now())
	if err != nil {
		return model.Machine{}, model.Machine{}, nil, err
	}
	if !dirty {
		return e.machine.Clone(), e.machine.Clone(), nil, nil
	}

	if r.opts.Persister != nil {
		if err := r.opts.Persister.SaveMachine(ctx, next, appended); err != nil {
			return model.Machine{}, model.Machine{}, nil, fmt.Errorf("persist machine %s: %w", next.ID, err)
		}
	}

	before = e.machine
	e.machine = next
	return before.Clone(), next.Clone(), appended, nil
}

// SetStatus atomically changes the status and appends one history entry.
// Leaving inUse clears the finish time; entering or staying in inUse without
// a finish time keeps the previous one.
func (r *Registry) SetStatus(ctx context.Context, id string, upd StatusUpdate) (Transition, error) {
	if !upd.Status.Valid() {
		return Transition{}, apperr.Validation("invalid status %q", upd.Status)
	}
	user := strings.TrimSpace(upd.User)
	if user == "" {
		return Transition{}, apperr.Validation("user is required")
	}
	if utf8.RuneCountInString(user) > model.MaxUserLength {
		return Transition{}, apperr.Validation("user must be at most %d characters", model.MaxUserLength)
	}
	var finish *time.Time
	if upd.Status == model.StatusInUse && upd.EstimatedFinishTime != nil {
		ft := upd.EstimatedFinishTime.UTC()
		finish = &ft
	}

	before, after, appended, err := r.mutate(ctx, id, func(m *model.Machine, now time.Time) ([]model.StatusHistoryEntry, bool, error) {
		if finish != nil {
			if err := checkFinishTime(*finish, now); err != nil {
				return nil, false, err
			}
		}

		if m.Status == upd.Status && !r.opts.RecordUnchanged {
			if finish != nil && !sameTime(m.EstimatedFinishTime, finish) {
				m.EstimatedFinishTime = finish
				return nil, true, nil
			}
			return nil, false, nil
		}

		if err := r.opts.Validator(m.Status, upd.Status); err != nil {
			return nil, false, apperr.Validation("transition %s -> %s rejected: %v", m.Status, upd.Status, err)
		}

		e := model.StatusHistoryEntry{
			Status:    upd.Status,
			Timestamp: nextTimestamp(m.StatusHistory, now),
			User:      user,
		}
		m.Status = upd.Status
		m.StatusHistory = append(m.StatusHistory, e)
		if upd.Status != model.StatusInUse {
			m.EstimatedFinishTime = nil
		} else if finish != nil {
			m.EstimatedFinishTime = finish
		}
		return []model.StatusHistoryEntry{e}, true, nil
	})
	if err != nil {
		return Transition{}, err
	}

	t := Transition{Machine: after, From: before.Status, To: after.Status, Changed: len(appended) > 0}
	if t.Changed {
		r.log.Debug("machine status changed", "machine_id", after.ID, "from", t.From, "to", t.To, "user", user)
		r.emit(Event{Kind: EventStatusChanged, MachineID: after.ID, From: t.From, To: t.To, User: user, Machine: after.Clone()})
	} else if !sameTime(before.EstimatedFinishTime, after.EstimatedFinishTime) {
		r.emit(Event{Kind: EventUpdated, MachineID: after.ID, From: t.From, To: t.To, Machine: after.Clone()})
	}
	return t, nil
}

// SetTime sets or clears the estimated finish time of a machine in use.
func (r *Registry) SetTime(ctx context.Context, id string, finish *time.Time) (model.Machine, error) {
	var ft *time.Time
	if finish != nil {
		t := finish.UTC()
		ft = &t
	}

	before, after, _, err := r.mutate(ctx, id, func(m *model.Machine, now time.Time) ([]model.StatusHistoryEntry, bool, error) {
		if ft != nil {
			if m.Status != model.StatusInUse {
				return nil, false, apperr.Validation("machine %s is %s; a finish time only applies to machines in use", m.ID, m.Status)
			}
			if err := checkFinishTime(*ft, now); err != nil {
				return nil, false, err
			}
		}
		if sameTime(m.EstimatedFinishTime, ft) {
			return nil, false, nil
		}
		m.EstimatedFinishTime = ft
		return nil, true, nil
	})
	if err != nil {
		return model.Machine{}, err
	}
	if !sameTime(before.EstimatedFinishTime, after.EstimatedFinishTime) {
		r.emit(Event{Kind: EventUpdated, MachineID: after.ID, From: after.Status, To: after.Status, Machine: after.Clone()})
	}
	return after, nil
}

// SetTelegramRef attaches the chat message that caused the latest update.
func (r *Registry) SetTelegramRef(ctx context.Context, id, message string, url *string) (model.Machine, error) {
	if strings.TrimSpace(message) == "" {
		return model.Machine{}, apperr.Validation("message is required")
	}
	if utf8.RuneCountInString(message) > model.MaxTelegramMessageLength {
		return model.Machine{}, apperr.Validation("message must be at most %d characters", model.MaxTelegramMessageLength)
	}
	ref := &model.TelegramMessage{Message: message}
	if url != nil && strings.TrimSpace(*url) != "" {
		u := strings.TrimSpace(*url)
		if utf8.RuneCountInString(u) > model.MaxTelegramURLLength {
			return model.Machine{}, apperr.Validation("message_url must be at most %d characters", model.MaxTelegramURLLength)
		}
		ref.MessageURL = &u
	}

	_, after, _, err := r.mutate(ctx, id, func(m *model.Machine, _ time.Time) ([]model.StatusHistoryEntry, bool, error) {
		m.TelegramMessage = ref
		return nil, true, nil
	})
	if err != nil {
		return model.Machine{}, err
	}
	r.emit(Event{Kind: EventUpdated, MachineID: after.ID, From: after.Status, To: after.Status, Machine: after.Clone()})
	return after, nil
}

// ClearTelegramRef removes the telegram reference.
func (r *Registry) ClearTelegramRef(ctx context.Context, id string) (model.Machine, error) {
	before, after, _, err := r.mutate(ctx, id, func(m *model.Machine, _ time.Time) ([]model.StatusHistoryEntry, bool, error) {
		if m.TelegramMessage == nil {
			return nil, false, nil
		}
		m.TelegramMessage = nil
		return nil, true, nil
	})
	if err != nil {
		return model.Machine{}, err
	}
	if before.TelegramMessage == nil {
		return after, nil
	}
	r.emit(Event{Kind: EventUpdated, MachineID: after.ID, From: after.Status, To: after.Status, Machine: after.Clone()})
	return after, nil
}

func checkFinishTime(finish, now time.Time) error {
	if finish.After(now.Add(model.MaxRunTime)) {
		return apperr.Validation("estimated finish time %s is more than %s ahead", finish.Format(time.RFC3339), model.MaxRunTime)
	}
	return nil
}

// nextTimestamp keeps history timestamps strictly increasing at
// model.TimestampResolution even when the clock has not advanced a full tick
// since the previous entry.
func nextTimestamp(history []model.StatusHistoryEntry, now time.Time) time.Time {
	now = now.Truncate(model.TimestampResolution)
	if n := len(history); n > 0 {
		last := history[n-1].Timestamp
		if !now.After(last) {
			return last.Truncate(model.TimestampResolution).Add(model.TimestampResolution)
		}
	}
	return now
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
