package core

import "sync"

// ImageRecord is the processor-owned state of one image, looked up by the
// element's Key.  mu serialises runs and restores of the same image.
type ImageRecord struct {
	mu sync.Mutex

	key      string
	element  ImageElement
	original string
	state    ImageState
	// processed is the one live resource owned by this record, or "".
	processed string
}

// RecordInfo is a point-in-time copy of an ImageRecord.
type RecordInfo struct {
	Key              string
	OriginalSource   string
	State            ImageState
	ProcessedLocator string
}

func (r *ImageRecord) info() RecordInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RecordInfo{
		Key:              r.key,
		OriginalSource:   r.original,
		State:            r.state,
		ProcessedLocator: r.processed,
	}
}

// RecordTable holds one ImageRecord per image key, in first-seen order.
type RecordTable struct {
	mu    sync.Mutex
	byKey map[string]*ImageRecord
	order []*ImageRecord
}

// NewRecordTable returns an empty table.
func NewRecordTable() *RecordTable {
	return &RecordTable{byKey: make(map[string]*ImageRecord)}
}

// acquire returns the record for el, creating it on first use.  A new record
// snapshots the element's current source as the original.
func (t *RecordTable) acquire(el ImageElement) *ImageRecord {
	key := el.Key()
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.byKey[key]; ok {
		return r
	}
	r := &ImageRecord{key: key, element: el, original: el.Source()}
	t.byKey[key] = r
	t.order = append(t.order, r)
	return r
}

func (t *RecordTable) all() []*ImageRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*ImageRecord, len(t.order))
	copy(out, t.order)
	return out
}

// Lookup returns a copy of the record for key.
func (t *RecordTable) Lookup(key string) (RecordInfo, bool) {
	t.mu.Lock()
	r, ok := t.byKey[key]
	t.mu.Unlock()
	if !ok {
		return RecordInfo{}, false
	}
	return r.info(), true
}

// Len returns the number of records.
func (t *RecordTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

// CountState returns how many records are currently in state s.
func (t *RecordTable) CountState(s ImageState) int {
	n := 0
	for _, r := range t.all() {
		if r.info().State == s {
			n++
		}
	}
	return n
}
