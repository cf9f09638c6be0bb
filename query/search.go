package query

import (
	"context"

	"github.com/trickstertwo/xtrack/track"
)

// SearchName is the registry key of Search.
const SearchName = "search_track_list"

func init() {
	_ = Register(SearchName, func(c Codec, payload []byte) (Query, error) {
		var req searchRequest
		if err := c.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return NewSearch(req.Filter, req.Limit), nil
	})
}

type searchRequest struct {
	Filter string `json:"filter"`
	Limit  int    `json:"limit,omitempty"`
}

type searchResult struct {
	IDs []int64 `json:"ids"`
}

// Search resolves a filter expression (see track.ParseFilter) to the ordered
// list of matching track ids.
type Search struct {
	Base
	filter string
	limit  int
	result []int64
}

// NewSearch returns a search for filter. limit <= 0 means unlimited.
func NewSearch(filter string, limit int) *Search {
	return &Search{filter: filter, limit: limit}
}

func (q *Search) Name() string { return SearchName }

func (q *Search) Filter() string { return q.filter }

func (q *Search) Limit() int { return q.limit }

// Result returns the matching ids once the query Finished.
func (q *Search) Result() []int64 { return q.result }

func (q *Search) Run(ctx context.Context, store track.Store) error {
	ids, err := store.Search(ctx, q.filter, q.limit)
	if err != nil {
		return err
	}
	q.result = ids
	return nil
}

func (q *Search) SerializeQuery() ([]byte, error) {
	return q.Codec().Marshal(searchRequest{Filter: q.filter, Limit: q.limit})
}

func (q *Search) SerializeResult() ([]byte, error) {
	return q.Codec().Marshal(searchResult{IDs: q.result})
}

func (q *Search) DeserializeResult(data []byte) error {
	var res searchResult
	if err := q.Codec().Unmarshal(data, &res); err != nil {
		return err
	}
	q.result = res.IDs
	return nil
}
