package exposure

import "github.com/atmx/optionpool/internal/model"

// ActiveSeriesSet is an order-preserving set of series with O(1) membership,
// insert and swap-remove. Removal moves the last member into the freed slot.
type ActiveSeriesSet struct {
	items []model.OptionSeries
	index map[string]int
}

// NewActiveSeriesSet creates an empty set.
func NewActiveSeriesSet() *ActiveSeriesSet {
	return &ActiveSeriesSet{index: make(map[string]int)}
}

func (s *ActiveSeriesSet) Len() int { return len(s.items) }

// Contains reports whether series is a member.
func (s *ActiveSeriesSet) Contains(series model.OptionSeries) bool {
	_, ok := s.index[series.Key()]
	return ok
}

// At returns the member at index i.
func (s *ActiveSeriesSet) At(i int) model.OptionSeries { return s.items[i] }

// IndexOf returns the position of series, or -1.
func (s *ActiveSeriesSet) IndexOf(series model.OptionSeries) int {
	i, ok := s.index[series.Key()]
	if !ok {
		return -1
	}
	return i
}

// Insert appends series and reports whether it was added.
func (s *ActiveSeriesSet) Insert(series model.OptionSeries) bool {
	key := series.Key()
	if _, ok := s.index[key]; ok {
		return false
	}
	s.index[key] = len(s.items)
	s.items = append(s.items, series)
	return true
}

// Remove swap-removes series and reports whether it was a member.
func (s *ActiveSeriesSet) Remove(series model.OptionSeries) bool {
	key := series.Key()
	i, ok := s.index[key]
	if !ok {
		return false
	}
	last := len(s.items) - 1
	if i != last {
		moved := s.items[last]
		s.items[i] = moved
		s.index[moved.Key()] = i
	}
	s.items[last] = model.OptionSeries{}
	s.items = s.items[:last]
	delete(s.index, key)
	return true
}

// Members returns a copy of the members in set order.
func (s *ActiveSeriesSet) Members() []model.OptionSeries {
	out := make([]model.OptionSeries, len(s.items))
	copy(out, s.items)
	return out
}
