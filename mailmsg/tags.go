package mailmsg

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// TagMap is an ordered name→value mapping with stable insertion order and
// unique keys, attached to a Mail for template interpolation. It crosses
// the IPC boundary as an opaque serialized blob.
type TagMap struct {
	order  []string
	values map[string]string
}

// NewTagMap returns an empty TagMap.
func NewTagMap() *TagMap {
	return &TagMap{values: map[string]string{}}
}

// Set adds or overwrites key→value, preserving the position of an existing
// key and appending a new one.
func (t *TagMap) Set(key, value string) {
	if _, ok := t.values[key]; !ok {
		t.order = append(t.order, key)
	}
	t.values[key] = value
}

// Get returns the value for key and whether it was present.
func (t *TagMap) Get(key string) (string, bool) {
	v, ok := t.values[key]
	return v, ok
}

// Keys returns tag names in insertion order.
func (t *TagMap) Keys() []string {
	return append([]string(nil), t.order...)
}

// Clone returns an independent copy.
func (t *TagMap) Clone() *TagMap {
	n := NewTagMap()
	for _, k := range t.order {
		n.Set(k, t.values[k])
	}
	return n
}

type tagPair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// MarshalBinary serializes the tag map for transport, preserving order.
func (t *TagMap) MarshalBinary() ([]byte, error) {
	pairs := make([]tagPair, 0, len(t.order))
	for _, k := range t.order {
		pairs = append(pairs, tagPair{k, t.values[k]})
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(pairs); err != nil {
		return nil, fmt.Errorf("encoding tag map: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalTagMap parses a blob produced by MarshalBinary. A nil or empty
// blob is a protocol violation, per the IPC contract that every DONE reply
// carries a replacement tag map.
func UnmarshalTagMap(b []byte) (*TagMap, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty tag map blob")
	}
	var pairs []tagPair
	if err := json.Unmarshal(b, &pairs); err != nil {
		return nil, fmt.Errorf("decoding tag map: %w", err)
	}
	t := NewTagMap()
	for _, p := range pairs {
		t.Set(p.Key, p.Value)
	}
	return t, nil
}
