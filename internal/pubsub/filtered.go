package pubsub

// NewFilteredSender narrows s to the messages keep accepts; a nil keep accepts everything. Rejected messages are
// dropped but still count as sent, so a publisher never detaches a subscriber just for being selective.
func NewFilteredSender[T any](s SenderCloser[T], keep func(T) bool) SenderCloser[T] {
	return &filteredSender[T]{SenderCloser: s, keep: keep}
}

type filteredSender[T any] struct {
	SenderCloser[T]
	keep func(T) bool
}

func (s *filteredSender[T]) Send(msg T) bool {
	if s.keep != nil && !s.keep(msg) {
		select {
		case <-s.Closed():
			return false
		default:
			return true
		}
	}
	return s.SenderCloser.Send(msg)
}
