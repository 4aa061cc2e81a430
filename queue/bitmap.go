package queue

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/taskq/taskq_errors"
)

// Table maps a dimension value to the set of ids holding that value.
// Empty sets are never stored.
type Table struct {
	prefix []byte
}

func (t Table) key(value []byte) []byte {
	key := make([]byte, 0, len(t.prefix)+len(value))
	key = append(key, t.prefix...)
	return append(key, value...)
}

func decodeBitmap(data []byte) (*roaring.Bitmap, error) {
	bm := roaring.New()
	if err := bm.UnmarshalBinary(bytes.Clone(data)); err != nil {
		return nil, errors.Join(taskq_errors.ErrBadRecord, err)
	}
	return bm, nil
}

func (t Table) Get(r pebble.Reader, value []byte) (*roaring.Bitmap, error) {
	data, closer, err := r.Get(t.key(value))
	if err == pebble.ErrNotFound {
		return roaring.New(), nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return decodeBitmap(data)
}

func (t Table) Put(w pebble.Writer, value []byte, bm *roaring.Bitmap) error {
	if bm == nil || bm.IsEmpty() {
		return w.Delete(t.key(value), nil)
	}
	bm.RunOptimize()
	data, err := bm.ToBytes()
	if err != nil {
		return err
	}
	return w.Set(t.key(value), data, nil)
}

func (t Table) Update(w *pebble.Batch, value []byte, f func(bm *roaring.Bitmap)) error {
	bm, err := t.Get(w, value)
	if err != nil {
		return err
	}
	f(bm)
	return t.Put(w, value, bm)
}

func (t Table) Insert(w *pebble.Batch, value []byte, id uint32) error {
	return t.Update(w, value, func(bm *roaring.Bitmap) { bm.Add(id) })
}

func (t Table) Remove(w *pebble.Batch, value []byte, id uint32) error {
	return t.Update(w, value, func(bm *roaring.Bitmap) { bm.Remove(id) })
}

// Each visits every stored value in key order.
func (t Table) Each(r pebble.Reader, f func(value []byte, bm *roaring.Bitmap) error) error {
	return t.scan(r, t.key(nil), prefixEnd(t.prefix), f)
}

func (t Table) scan(r pebble.Reader, lower, upper []byte, f func(value []byte, bm *roaring.Bitmap) error) error {
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for valid := iter.First(); valid; valid = iter.Next() {
		bm, err := decodeBitmap(iter.Value())
		if err != nil {
			return err
		}
		value := bytes.Clone(iter.Key()[len(t.prefix):])
		if err = f(value, bm); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Union of every stored set.
func (t Table) Union(r pebble.Reader) (*roaring.Bitmap, error) {
	all := roaring.New()
	err := t.Each(r, func(_ []byte, bm *roaring.Bitmap) error {
		all.Or(bm)
		return nil
	})
	return all, err
}

func (t Table) InsertTime(w *pebble.Batch, at time.Time, id uint32) error {
	return t.Insert(w, timeSuffix(at), id)
}

func (t Table) RemoveTime(w *pebble.Batch, at time.Time, id uint32) error {
	return t.Remove(w, timeSuffix(at), id)
}

// RemoveNEarlierThan drops id from the n latest date entries holding it
// strictly before at.
// Records written before the enqueue span of a batch was kept rely on it.
func (t Table) RemoveNEarlierThan(w *pebble.Batch, at time.Time, n int, id uint32) error {
	iter, err := w.NewIter(&pebble.IterOptions{
		LowerBound: t.key(nil),
		UpperBound: t.key(timeSuffix(at)),
	})
	if err != nil {
		return err
	}
	type entry struct {
		value []byte
		bm    *roaring.Bitmap
	}
	var hits []entry
	for valid := iter.Last(); valid && len(hits) < n; valid = iter.Prev() {
		bm, err := decodeBitmap(iter.Value())
		if err != nil {
			_ = iter.Close()
			return err
		}
		if bm.Contains(id) {
			hits = append(hits, entry{bytes.Clone(iter.Key()[len(t.prefix):]), bm})
		}
	}
	if err := iter.Close(); err != nil {
		return err
	}
	for _, hit := range hits {
		hit.bm.Remove(id)
		if err := t.Put(w, hit.value, hit.bm); err != nil {
			return err
		}
	}
	return nil
}

// Within is the union of ids whose date lies strictly between after and
// before. A nil bound is open.
func (t Table) Within(r pebble.Reader, after, before *time.Time) (*roaring.Bitmap, error) {
	lower, upper := t.key(nil), prefixEnd(t.prefix)
	if after != nil {
		lower = prefixEnd(t.key(timeSuffix(*after)))
	}
	if before != nil {
		upper = t.key(timeSuffix(*before))
	}
	ids := roaring.New()
	if bytes.Compare(lower, upper) >= 0 {
		return ids, nil
	}
	err := t.scan(r, lower, upper, func(_ []byte, bm *roaring.Bitmap) error {
		ids.Or(bm)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("date range scan: %w", err)
	}
	return ids, nil
}
