package producer

import "context"

// Sequence is a fixed, in-memory Source used in tests and local demos: it
// replays a preloaded list of messages once, then reports exhaustion.
type Sequence struct {
	messages []Message
	pos      int
}

// NewSequence returns a Source that yields ids in order, each with payload
// equal to its id.
func NewSequence(ids ...int64) *Sequence {
	messages := make([]Message, len(ids))
	for i, id := range ids {
		messages[i] = Message{ID: id, Payload: id}
	}
	return &Sequence{messages: messages}
}

// Next implements Source.
func (s *Sequence) Next(ctx context.Context) (Message, bool, error) {
	select {
	case <-ctx.Done():
		return Message{}, false, ctx.Err()
	default:
	}
	if s.pos >= len(s.messages) {
		return Message{}, false, nil
	}
	msg := s.messages[s.pos]
	s.pos++
	return msg, true, nil
}
