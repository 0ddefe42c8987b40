package doc

import (
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// wireItem is one field write or entry tombstone on the wire.
type wireItem struct {
	Map       string `msgpack:"m"`
	Key       string `msgpack:"k"`
	Field     string `msgpack:"f,omitempty"`
	Value     any    `msgpack:"v"`
	Removed   bool   `msgpack:"r,omitempty"`
	Tombstone bool   `msgpack:"d,omitempty"`
	Stamp     Stamp  `msgpack:"s"`
}

type wireUpdate struct {
	Items []wireItem `msgpack:"i"`
}

func encodeItems(items []wireItem) ([]byte, error) {
	data, err := msgpack.Marshal(&wireUpdate{Items: items})
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return data, nil
}

func decodeItems(data []byte) ([]wireItem, error) {
	var u wireUpdate
	if err := msgpack.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	for i := range u.Items {
		it := &u.Items[i]
		if it.Map == "" || it.Key == "" || it.Stamp.IsZero() || (!it.Tombstone && it.Field == "") {
			return nil, fmt.Errorf("%w: item %d incomplete", ErrMalformedUpdate, i)
		}
		it.Value = normalizeDecoded(it.Value)
	}
	return u.Items, nil
}

// Delta is an encoded update together with the state vector the document had
// when it was encoded.
type Delta struct {
	Data   []byte
	Vector StateVector
	Items  int
}

// Empty reports whether the delta carries no items.
func (d Delta) Empty() bool {
	return d.Items == 0
}

// DeltaSince encodes every write the holder of since has not seen.
// A nil vector yields the full state.
func (d *Doc) DeltaSince(since StateVector) (Delta, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var items []wireItem
	unseen := func(s Stamp) bool {
		return s.Time > since[s.Client]
	}

	mapNames := make([]string, 0, len(d.maps))
	for m := range d.maps {
		mapNames = append(mapNames, m)
	}
	sort.Strings(mapNames)

	for _, m := range mapNames {
		keys := make([]string, 0, len(d.maps[m]))
		for k := range d.maps[m] {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, key := range keys {
			e := d.maps[m][key]
			if !e.deleted.IsZero() && unseen(e.deleted) {
				items = append(items, wireItem{Map: m, Key: key, Tombstone: true, Stamp: e.deleted})
			}
			names := make([]string, 0, len(e.fields))
			for name := range e.fields {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				f := e.fields[name]
				if !unseen(f.stamp) {
					continue
				}
				items = append(items, wireItem{
					Map: m, Key: key, Field: name, Value: f.value, Removed: f.removed, Stamp: f.stamp,
				})
			}
		}
	}

	delta := Delta{Vector: d.vector.Clone(), Items: len(items)}
	if len(items) == 0 {
		return delta, nil
	}
	data, err := encodeItems(items)
	if err != nil {
		return Delta{}, err
	}
	delta.Data = data
	return delta, nil
}

// EncodeStateAsUpdate encodes the whole document as one update.
func (d *Doc) EncodeStateAsUpdate() ([]byte, error) {
	delta, err := d.DeltaSince(nil)
	if err != nil {
		return nil, err
	}
	if delta.Empty() {
		return encodeItems(nil)
	}
	return delta.Data, nil
}

// ApplyUpdate merges an encoded update from a peer or the durable store.
// Items that lose to what the document already holds are dropped; if nothing
// wins, no transaction is delivered. The update is validated as a whole
// before any item is merged.
func (d *Doc) ApplyUpdate(data []byte, origin Origin) error {
	items, err := decodeItems(data)
	if err != nil {
		return err
	}

	d.mu.Lock()
	txn := &Transaction{Origin: origin}
	for _, it := range items {
		d.clock.Observe(it.Stamp.Time)
		d.observeStamp(it.Stamp)
		if d.integrate(it) {
			txn.items = append(txn.items, it)
			txn.touch(it.Map, it.Key)
		}
	}
	committed := len(txn.items) > 0
	if committed {
		d.queue = append(d.queue, txn)
	}
	d.mu.Unlock()

	if committed {
		d.dispatch()
	}
	return nil
}

// integrate merges one item and reports whether it won.
func (d *Doc) integrate(it wireItem) bool {
	e := d.entry(it.Map, it.Key)
	if it.Tombstone {
		if !it.Stamp.After(e.deleted) {
			return false
		}
		e.deleted = it.Stamp
		return true
	}
	if cur, ok := e.fields[it.Field]; ok && !it.Stamp.After(cur.stamp) {
		return false
	}
	e.fields[it.Field] = &field{value: it.Value, removed: it.Removed, stamp: it.Stamp}
	return true
}

// MergeUpdates folds encoded updates into one update equivalent to applying
// all of them. Order does not matter.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	d := New("merge")
	for i, u := range updates {
		if err := d.ApplyUpdate(u, ""); err != nil {
			return nil, fmt.Errorf("merge update %d: %w", i, err)
		}
	}
	return d.EncodeStateAsUpdate()
}

// ValidateUpdate reports whether data decodes as a well-formed update.
func ValidateUpdate(data []byte) error {
	_, err := decodeItems(data)
	return err
}
