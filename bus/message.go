package bus

import "time"

// AnyType matches every message type in Remove and Contains.
const AnyType = -1

// Target receives point-to-point messages. Implementations must be comparable
// (pointer receivers are the norm) because the bus matches pending messages by
// target identity.
type Target interface {
	ProcessMessage(m *Message)
}

// Message is the envelope scheduled on the bus.
type Message struct {
	// Target is the single recipient; nil means broadcast.
	Target Target
	// Type discriminates messages for the same target.
	Type int
	// Data1 and Data2 carry small integer payloads.
	Data1 int64
	Data2 int64
	// Payload carries anything else.
	Payload any
}

// NewMessage is a shorthand for a targeted message.
func NewMessage(target Target, msgType int, data1, data2 int64) *Message {
	return &Message{Target: target, Type: msgType, Data1: data1, Data2: data2}
}

// NewBroadcast is a shorthand for a message without target.
func NewBroadcast(msgType int, data1, data2 int64) *Message {
	return &Message{Type: msgType, Data1: data1, Data2: data2}
}

// envelope is a scheduled message. seq breaks ties between messages due at the
// same instant so they leave the bus in insertion order.
type envelope struct {
	msg *Message
	at  time.Time
	seq uint64
}

func (e *envelope) matches(target Target, msgType int) bool {
	if e.msg.Target != target {
		return false
	}
	return msgType == AnyType || e.msg.Type == msgType
}

// schedule is a min-heap ordered by (at, seq). It satisfies container/heap.
type schedule []*envelope

func (s schedule) Len() int { return len(s) }

func (s schedule) Less(i, j int) bool {
	if s[i].at.Equal(s[j].at) {
		return s[i].seq < s[j].seq
	}
	return s[i].at.Before(s[j].at)
}

func (s schedule) Swap(i, j int) { s[i], s[j] = s[j], s[i] }

func (s *schedule) Push(x any) { *s = append(*s, x.(*envelope)) }

func (s *schedule) Pop() any {
	old := *s
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*s = old[:n-1]
	return e
}
