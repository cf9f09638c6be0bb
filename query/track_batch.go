package query

import (
	"context"

	"github.com/trickstertwo/xtrack/track"
)

// TrackBatchName is the registry key of TrackBatch.
const TrackBatchName = "track_metadata_batch"

func init() {
	_ = Register(TrackBatchName, func(c Codec, payload []byte) (Query, error) {
		var req trackBatchRequest
		if err := c.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return NewTrackBatch(req.IDs), nil
	})
}

type trackBatchRequest struct {
	IDs []int64 `json:"ids"`
}

type trackBatchResult struct {
	Tracks []*track.Track `json:"tracks"`
}

// TrackBatch loads the metadata of many tracks in one round trip.
type TrackBatch struct {
	Base
	ids    []int64
	result []*track.Track
}

// NewTrackBatch returns a batch query for ids. The slice is copied.
func NewTrackBatch(ids []int64) *TrackBatch {
	return &TrackBatch{ids: append([]int64(nil), ids...)}
}

func (q *TrackBatch) Name() string { return TrackBatchName }

// IDs returns the requested ids.
func (q *TrackBatch) IDs() []int64 { return q.ids }

// Result returns the loaded tracks in request order. Ids the store does not
// know are absent. Only valid once the query Finished.
func (q *TrackBatch) Result() []*track.Track { return q.result }

func (q *TrackBatch) Run(ctx context.Context, store track.Store) error {
	tracks, err := store.Lookup(ctx, q.ids)
	if err != nil {
		return err
	}
	q.result = tracks
	LoggerFromContext(ctx).Debug().
		Str("query", TrackBatchName).
		Str("ids", itoa(len(q.ids))).
		Str("found", itoa(len(tracks))).
		Msg("track batch loaded")
	return nil
}

func (q *TrackBatch) SerializeQuery() ([]byte, error) {
	return q.Codec().Marshal(trackBatchRequest{IDs: q.ids})
}

func (q *TrackBatch) SerializeResult() ([]byte, error) {
	return q.Codec().Marshal(trackBatchResult{Tracks: q.result})
}

func (q *TrackBatch) DeserializeResult(data []byte) error {
	var res trackBatchResult
	if err := q.Codec().Unmarshal(data, &res); err != nil {
		return err
	}
	q.result = res.Tracks
	return nil
}
