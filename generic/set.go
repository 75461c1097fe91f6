package generic

// Void is the zero-size value type, for sets and for calls with nothing to return.
type Void struct{}

type Set[T any] interface {
	Add(item T) bool
	Contains(items ...T) bool
	Count() int
	Remove(item T) bool
	ToSlice() []T
}

// NewSet makes a set holding items.
func NewSet[T comparable](items ...T) Set[T] {
	s := &set[T]{items: make(map[T]Void, len(items))}
	for _, item := range items {
		s.Add(item)
	}
	return s
}

type set[T comparable] struct {
	items map[T]Void
}

// Add reports whether item was new.
func (s *set[T]) Add(item T) bool {
	if _, found := s.items[item]; found {
		return false
	}
	s.items[item] = Void{}
	return true
}

// Contains reports whether every one of items is present.
func (s *set[T]) Contains(items ...T) bool {
	for _, item := range items {
		if _, found := s.items[item]; !found {
			return false
		}
	}
	return true
}

func (s *set[T]) Count() int {
	return len(s.items)
}

func (s *set[T]) Remove(item T) bool {
	if _, found := s.items[item]; !found {
		return false
	}
	delete(s.items, item)
	return true
}

// ToSlice returns the members in no particular order.
func (s *set[T]) ToSlice() []T {
	out := make([]T, 0, len(s.items))
	for item := range s.items {
		out = append(out, item)
	}
	return out
}
