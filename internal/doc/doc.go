// Package doc implements the replicated board document.
//
// A Doc holds named maps of entries; each entry is a set of fields and every
// field is an independent last-writer-wins register ordered by a Stamp from
// the writer's hybrid logical clock. Concurrent writes to different fields of
// the same entry therefore both survive a merge. Deleting an entry records a
// tombstone stamp: only fields written after the tombstone stay visible.
//
// All mutation happens inside Transact. A committed transaction is delivered
// to map observers (one MapEvent per touched map) and to update observers (the
// encoded delta) as one unit, tagged with the Origin passed by the caller.
// Observers run after the document lock is released, so an observer may open
// its own transaction; that transaction is queued and dispatched once the
// current dispatch finishes.
package doc

import (
	"errors"
	"sort"
	"sync"
)

// Map names used by the board.
const (
	MapNodes = "nodes"
	MapEdges = "edges"
	MapText  = "node_text"
	MapMeta  = "meta"
)

// dispatchOrder fixes the order observers see maps touched by one transaction.
var dispatchOrder = []string{MapNodes, MapEdges, MapText, MapMeta}

// ErrMalformedUpdate is returned by ApplyUpdate for frames that cannot be
// decoded or carry items without a map, key or stamp.
var ErrMalformedUpdate = errors.New("malformed update")

// Origin tags a transaction with the session (or subsystem) that issued it.
// Origins are compared by value.
type Origin string

// StateVector maps a client id to the highest stamp time seen from it.
type StateVector map[string]int64

// Clone returns a copy of the vector.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for k, v := range sv {
		out[k] = v
	}
	return out
}

type field struct {
	value   any
	removed bool
	stamp   Stamp
}

type entry struct {
	fields  map[string]*field
	deleted Stamp
}

func (e *entry) visible() (Record, bool) {
	rec := Record{}
	for name, f := range e.fields {
		if f.removed || !f.stamp.After(e.deleted) {
			continue
		}
		rec[name] = f.value
	}
	return rec, len(rec) > 0
}

// Transaction describes one committed batch of writes.
type Transaction struct {
	Origin Origin
	// Local is true when the transaction was opened with Transact on this
	// document, false when it came from ApplyUpdate.
	Local bool

	changed map[string]map[string]struct{}
	items   []wireItem
}

// Changed returns the keys of map m touched by the transaction, sorted.
func (t *Transaction) Changed(m string) []string {
	keys := make([]string, 0, len(t.changed[m]))
	for k := range t.changed[m] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Maps returns the names of the maps touched by the transaction in dispatch order.
func (t *Transaction) Maps() []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range dispatchOrder {
		if len(t.changed[m]) > 0 {
			out = append(out, m)
			seen[m] = true
		}
	}
	var rest []string
	for m := range t.changed {
		if !seen[m] {
			rest = append(rest, m)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func (t *Transaction) touch(m, key string) {
	if t.changed == nil {
		t.changed = make(map[string]map[string]struct{})
	}
	if t.changed[m] == nil {
		t.changed[m] = make(map[string]struct{})
	}
	t.changed[m][key] = struct{}{}
}

// MapEvent is delivered to map observers.
type MapEvent struct {
	Map  string
	Keys []string
	Txn  *Transaction
}

// UpdateEvent is delivered to update observers with the encoded delta of a
// committed transaction.
type UpdateEvent struct {
	Data   []byte
	Origin Origin
	Local  bool
}

// Doc is a replicated document. It is safe for concurrent use.
type Doc struct {
	mu     sync.Mutex
	client string
	clock  *Clock
	maps   map[string]map[string]*entry
	vector StateVector

	nextObserver    int
	mapObservers    map[string]map[int]func(MapEvent)
	updateObservers map[int]func(UpdateEvent)

	queue       []*Transaction
	dispatching bool
}

// New creates an empty document whose local writes are stamped with client.
func New(client string) *Doc {
	return NewWithClock(client, NewClock())
}

// NewWithClock creates an empty document using the given clock.
func NewWithClock(client string, clock *Clock) *Doc {
	return &Doc{
		client:          client,
		clock:           clock,
		maps:            make(map[string]map[string]*entry),
		vector:          make(StateVector),
		mapObservers:    make(map[string]map[int]func(MapEvent)),
		updateObservers: make(map[int]func(UpdateEvent)),
	}
}

// Client returns the id stamped on local writes.
func (d *Doc) Client() string {
	return d.client
}

// StateVector returns a copy of the current state vector.
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vector.Clone()
}

// Get returns the visible record stored under key in map m.
func (d *Doc) Get(m, key string) (Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.get(m, key)
}

// Snapshot returns every visible record of map m.
func (d *Doc) Snapshot(m string) map[string]Record {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]Record, len(d.maps[m]))
	for key, e := range d.maps[m] {
		if rec, ok := e.visible(); ok {
			out[key] = rec
		}
	}
	return out
}

// Observe registers fn for transactions touching map m.
// The returned function removes the observer.
func (d *Doc) Observe(m string, fn func(MapEvent)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextObserver
	d.nextObserver++
	if d.mapObservers[m] == nil {
		d.mapObservers[m] = make(map[int]func(MapEvent))
	}
	d.mapObservers[m][id] = fn

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.mapObservers[m], id)
	}
}

// OnUpdate registers fn for the encoded delta of every committed transaction.
// The returned function removes the observer.
func (d *Doc) OnUpdate(fn func(UpdateEvent)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextObserver
	d.nextObserver++
	d.updateObservers[id] = fn

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.updateObservers, id)
	}
}

// Transact runs fn with exclusive access to the document and commits its
// writes as one transaction tagged with origin. fn must not call other Doc
// methods. A transaction without writes is not delivered to observers.
//
// The returned error reports values that could not be encoded; such writes
// are skipped while the rest of the transaction commits.
func (d *Doc) Transact(origin Origin, fn func(tx *Tx)) error {
	d.mu.Lock()
	txn := &Transaction{Origin: origin, Local: true}
	tx := &Tx{d: d, txn: txn}
	fn(tx)
	committed := len(txn.items) > 0
	if committed {
		d.queue = append(d.queue, txn)
	}
	d.mu.Unlock()

	if committed {
		d.dispatch()
	}
	return tx.err
}

func (d *Doc) get(m, key string) (Record, bool) {
	e, ok := d.maps[m][key]
	if !ok {
		return nil, false
	}
	return e.visible()
}

func (d *Doc) entry(m, key string) *entry {
	entries := d.maps[m]
	if entries == nil {
		entries = make(map[string]*entry)
		d.maps[m] = entries
	}
	e := entries[key]
	if e == nil {
		e = &entry{fields: make(map[string]*field)}
		entries[key] = e
	}
	return e
}

func (d *Doc) observeStamp(s Stamp) {
	if s.Time > d.vector[s.Client] {
		d.vector[s.Client] = s.Time
	}
}

// dispatch drains the committed-transaction queue. Only one goroutine
// dispatches at a time; transactions committed meanwhile (including from
// inside observers) are picked up by the running loop.
func (d *Doc) dispatch() {
	d.mu.Lock()
	if d.dispatching {
		d.mu.Unlock()
		return
	}
	d.dispatching = true

	for len(d.queue) > 0 {
		txn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]

		type call struct {
			fn func(MapEvent)
			ev MapEvent
		}
		var calls []call
		for _, m := range txn.Maps() {
			ev := MapEvent{Map: m, Keys: txn.Changed(m), Txn: txn}
			for _, id := range sortedIDs(d.mapObservers[m]) {
				calls = append(calls, call{fn: d.mapObservers[m][id], ev: ev})
			}
		}
		var updateFns []func(UpdateEvent)
		for _, id := range sortedIDs(d.updateObservers) {
			updateFns = append(updateFns, d.updateObservers[id])
		}
		d.mu.Unlock()

		for _, c := range calls {
			c.fn(c.ev)
		}
		if len(updateFns) > 0 {
			data, err := encodeItems(txn.items)
			if err == nil {
				ev := UpdateEvent{Data: data, Origin: txn.Origin, Local: txn.Local}
				for _, fn := range updateFns {
					fn(ev)
				}
			}
		}

		d.mu.Lock()
	}

	d.dispatching = false
	d.mu.Unlock()
}

func sortedIDs[T any](m map[int]T) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Tx is the write handle passed to Transact.
type Tx struct {
	d   *Doc
	txn *Transaction
	err error
}

// Origin returns the origin the transaction was opened with.
func (tx *Tx) Origin() Origin {
	return tx.txn.Origin
}

// Get returns the visible record under key in map m.
func (tx *Tx) Get(m, key string) (Record, bool) {
	return tx.d.get(m, key)
}

// Has reports whether key has a visible record in map m.
func (tx *Tx) Has(m, key string) bool {
	_, ok := tx.d.get(m, key)
	return ok
}

// Keys returns the keys with visible records in map m, sorted.
func (tx *Tx) Keys(m string) []string {
	var keys []string
	for key, e := range tx.d.maps[m] {
		if _, ok := e.visible(); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Set writes one field.
func (tx *Tx) Set(m, key, name string, value any) {
	norm, err := Normalize(value)
	if err != nil {
		if tx.err == nil {
			tx.err = err
		}
		return
	}
	tx.write(m, key, name, norm, false)
}

// SetFields writes every field of rec.
func (tx *Tx) SetFields(m, key string, rec Record) {
	for _, name := range rec.Keys() {
		tx.Set(m, key, name, rec[name])
	}
}

// DeleteField removes one field. Missing fields are ignored.
func (tx *Tx) DeleteField(m, key, name string) {
	rec, ok := tx.d.get(m, key)
	if !ok {
		return
	}
	if _, ok := rec[name]; !ok {
		return
	}
	tx.write(m, key, name, nil, true)
}

// Delete removes the entry under key. Missing entries are ignored.
func (tx *Tx) Delete(m, key string) {
	if !tx.Has(m, key) {
		return
	}
	stamp := Stamp{Time: tx.d.clock.Now(), Client: tx.d.client}
	tx.d.entry(m, key).deleted = stamp
	tx.d.observeStamp(stamp)
	tx.txn.items = append(tx.txn.items, wireItem{Map: m, Key: key, Tombstone: true, Stamp: stamp})
	tx.txn.touch(m, key)
}

func (tx *Tx) write(m, key, name string, value any, removed bool) {
	stamp := Stamp{Time: tx.d.clock.Now(), Client: tx.d.client}
	tx.d.entry(m, key).fields[name] = &field{value: value, removed: removed, stamp: stamp}
	tx.d.observeStamp(stamp)
	tx.txn.items = append(tx.txn.items, wireItem{
		Map: m, Key: key, Field: name, Value: value, Removed: removed, Stamp: stamp,
	})
	tx.txn.touch(m, key)
}
