package entity

import "encoding/json"

// IDSet is an insertion-ordered set of entity identifiers.
// The zero value is an empty, usable set.
type IDSet struct {
	order []string
	index map[string]struct{}
}

func NewIDSet(ids ...string) IDSet {
	s := IDSet{index: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts id, reporting whether it was new. Empty ids are ignored.
func (s *IDSet) Add(id string) bool {
	if id == "" {
		return false
	}
	if s.index == nil {
		s.index = map[string]struct{}{}
	}
	if _, ok := s.index[id]; ok {
		return false
	}
	s.index[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

func (s IDSet) Has(id string) bool {
	_, ok := s.index[id]
	return ok
}

func (s IDSet) Len() int { return len(s.order) }

// Slice returns a copy of the ids in insertion order.
func (s IDSet) Slice() []string {
	return append([]string(nil), s.order...)
}

// Equal reports whether both sets hold the same ids, ignoring order.
func (s IDSet) Equal(o IDSet) bool {
	if s.Len() != o.Len() {
		return false
	}
	for _, id := range s.order {
		if !o.Has(id) {
			return false
		}
	}
	return true
}

func (s IDSet) MarshalJSON() ([]byte, error) {
	if s.order == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.order)
}

func (s *IDSet) UnmarshalJSON(b []byte) error {
	var ids []string
	if err := json.Unmarshal(b, &ids); err != nil {
		return err
	}
	*s = NewIDSet(ids...)
	return nil
}
