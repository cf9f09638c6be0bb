package query

import "fmt"

// Status is the lifecycle state of a query.
//
//	Idle -> Running -> {Finished | Failed | Invalidated}
//
// Terminal states are sticky.
type Status int32

const (
	Idle Status = iota
	Running
	Finished
	Failed
	Invalidated
)

// Terminal reports whether s is one of Finished, Failed or Invalidated.
func (s Status) Terminal() bool {
	return s == Finished || s == Failed || s == Invalidated
}

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	case Invalidated:
		return "invalidated"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}
