package index

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"go.uber.org/zap"
)

// FilterIndex maps integer scalar fields to compressed id bitmaps:
// for field f and observed value v, postings[f][v] is the set of ids
// whose record currently carries f=v.
//
// The engine keeps the postings consistent on every upsert: an id
// lives in exactly one value bitmap per field it carries. Empty
// bitmaps are pruned so NOT_EQUAL unions never walk dead values.
type FilterIndex struct {
	mu       sync.RWMutex
	postings map[string]map[int64]*roaring64.Bitmap
	log      *zap.Logger
}

// NewFilterIndex builds an empty filter index.
func NewFilterIndex(log *zap.Logger) *FilterIndex {
	if log == nil {
		log = zap.NewNop()
	}
	return &FilterIndex{
		postings: make(map[string]map[int64]*roaring64.Bitmap),
		log:      log,
	}
}

// Add records id under field=value.
func (fi *FilterIndex) Add(field string, value int64, id uint64) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.add(field, value, id)
}

func (fi *FilterIndex) add(field string, value int64, id uint64) {
	values, ok := fi.postings[field]
	if !ok {
		values = make(map[int64]*roaring64.Bitmap)
		fi.postings[field] = values
	}
	bm, ok := values[value]
	if !ok {
		bm = roaring64.New()
		values[value] = bm
	}
	bm.Add(id)
}

// Update atomically moves id from the old value's bitmap (when
// oldValue is non-nil) into the new value's, pruning any bitmap it
// empties. Both halves happen under one lock so no reader ever sees
// the id in two bitmaps of the same field.
func (fi *FilterIndex) Update(field string, oldValue *int64, newValue int64, id uint64) {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	if values, ok := fi.postings[field]; ok && oldValue != nil {
		if bm, ok := values[*oldValue]; ok {
			bm.Remove(id)
			if bm.IsEmpty() {
				delete(values, *oldValue)
			}
		}
	}
	fi.add(field, newValue, id)
}

// Mask returns the bitmap of ids satisfying (field op value). EQUAL
// returns the value's posting (empty when absent); NOT_EQUAL returns
// the union of every other value's posting for the field. The result
// is always a fresh bitmap the caller may mutate.
func (fi *FilterIndex) Mask(field string, op Operation, value int64) *roaring64.Bitmap {
	fi.mu.RLock()
	defer fi.mu.RUnlock()

	result := roaring64.New()
	values, ok := fi.postings[field]
	if !ok {
		return result
	}

	switch op {
	case OpEqual:
		if bm, ok := values[value]; ok {
			result.Or(bm)
		}
	case OpNotEqual:
		for v, bm := range values {
			if v != value {
				result.Or(bm)
			}
		}
	}
	return result
}

// Serialize renders the postings as text, one per line:
//
//	field|value|base64(bitmap_bytes)
//
// Field names are written unescaped: a name containing '|' or '\n'
// produces a line that Deserialize cannot parse back and skips. Field
// names are not checked anywhere on the way in. Lines are emitted in
// sorted order so serialization is deterministic.
func (fi *FilterIndex) Serialize() (string, error) {
	fi.mu.RLock()
	defer fi.mu.RUnlock()

	fields := make([]string, 0, len(fi.postings))
	for f := range fi.postings {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var b strings.Builder
	for _, f := range fields {
		values := make([]int64, 0, len(fi.postings[f]))
		for v := range fi.postings[f] {
			values = append(values, v)
		}
		sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

		for _, v := range values {
			raw, err := fi.postings[f][v].MarshalBinary()
			if err != nil {
				return "", fmt.Errorf("marshal bitmap %s=%d: %w", f, v, err)
			}
			b.WriteString(f)
			b.WriteByte('|')
			b.WriteString(strconv.FormatInt(v, 10))
			b.WriteByte('|')
			b.WriteString(base64.StdEncoding.EncodeToString(raw))
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

// Deserialize replaces the postings with the serialized form. Lines
// that fail to parse are skipped with a warning rather than aborting
// the load — one bad posting should not take out the whole filter.
func (fi *FilterIndex) Deserialize(data string) {
	postings := make(map[string]map[int64]*roaring64.Bitmap)

	for _, line := range strings.Split(data, "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 {
			fi.log.Warn("skipping malformed filter posting", zap.String("line", line))
			continue
		}
		value, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			fi.log.Warn("skipping filter posting with bad value", zap.String("line", line))
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(parts[2])
		if err != nil {
			fi.log.Warn("skipping filter posting with bad bitmap encoding", zap.String("line", line))
			continue
		}
		bm := roaring64.New()
		if err := bm.UnmarshalBinary(raw); err != nil {
			fi.log.Warn("skipping filter posting with corrupt bitmap", zap.String("line", line))
			continue
		}

		field := parts[0]
		if postings[field] == nil {
			postings[field] = make(map[int64]*roaring64.Bitmap)
		}
		postings[field][value] = bm
	}

	fi.mu.Lock()
	fi.postings = postings
	fi.mu.Unlock()
}
