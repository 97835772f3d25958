package router

import "jammesh/pkg/protocol"

// recentSet remembers the most recently seen message ids in arrival order.
// Not safe for concurrent use; owned by the dispatch goroutine.
type recentSet struct {
	ids   map[protocol.MessageID]struct{}
	order []protocol.MessageID
}

func newRecentSet() *recentSet {
	return &recentSet{ids: make(map[protocol.MessageID]struct{})}
}

// add records id and reports whether it was new. The oldest ids are
// forgotten once more than capacity are held.
func (s *recentSet) add(id protocol.MessageID, capacity int) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	for len(s.order) > capacity {
		delete(s.ids, s.order[0])
		s.order[0] = protocol.MessageID{}
		s.order = s.order[1:]
	}
	return true
}

func (s *recentSet) len() int { return len(s.order) }
