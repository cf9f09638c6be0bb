package query

import (
	"context"
	"strconv"

	"github.com/trickstertwo/xtrack/track"
)

// TrackCountName is the registry key of TrackCount.
const TrackCountName = "track_count"

func init() {
	_ = Register(TrackCountName, func(Codec, []byte) (Query, error) {
		return NewTrackCount(), nil
	})
}

type trackCountResult struct {
	Count int `json:"count"`
}

// TrackCount counts the tracks of the local store. It is local only: remote
// dispatchers hand it to their local dispatcher.
type TrackCount struct {
	Base
	result int
}

func NewTrackCount() *TrackCount { return &TrackCount{} }

func (q *TrackCount) Name() string { return TrackCountName }

func (q *TrackCount) LocalOnly() bool { return true }

func (q *TrackCount) Result() int { return q.result }

func (q *TrackCount) Run(ctx context.Context, store track.Store) error {
	n, err := store.Count(ctx)
	if err != nil {
		return err
	}
	q.result = n
	return nil
}

func (q *TrackCount) SerializeQuery() ([]byte, error) { return q.Codec().Marshal(struct{}{}) }

func (q *TrackCount) SerializeResult() ([]byte, error) {
	return q.Codec().Marshal(trackCountResult{Count: q.result})
}

func (q *TrackCount) DeserializeResult(data []byte) error {
	var res trackCountResult
	if err := q.Codec().Unmarshal(data, &res); err != nil {
		return err
	}
	q.result = res.Count
	return nil
}

func itoa(n int) string { return strconv.Itoa(n) }
