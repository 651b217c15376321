package rxbind

import (
	"encoding/json"
	"iter"

	"github.com/nickyhof/rxbind/api"
	"github.com/nickyhof/rxbind/core"
)

// QueryResults is a single pass cursor over the items of a query. Items of
// joined queries are embedded under joined_<namespace>.
//
// The result set handle is released when iteration runs past the last
// item or on Close. Iterating again afterwards yields nothing.
type QueryResults struct {
	api        api.API
	h          api.Handle
	count      int
	totalCount int
	pos        int

	item map[string]any
	err  error
}

func newQueryResults(engine api.API, res api.Results) *QueryResults {
	return &QueryResults{
		api:        engine,
		h:          res.Handle,
		count:      res.Count,
		totalCount: res.TotalCount,
	}
}

// Count returns the number of items in this result
func (r *QueryResults) Count() int {
	return r.count
}

// TotalCount returns the number of matching items ignoring limit and
// offset. It is 0 unless the query requested a total.
func (r *QueryResults) TotalCount() int {
	return r.totalCount
}

// Next advances to the next item. It returns false once the items are
// exhausted or a read failed; Err tells which.
func (r *QueryResults) Next() bool {
	r.item = nil
	if !r.h.Valid() {
		return false
	}
	if r.pos >= r.count {
		r.Close()
		return false
	}
	data, err := r.api.ResultsIterate(r.h)
	if err != nil {
		r.err = resultsError(err)
		r.Close()
		return false
	}
	item, err := decodeResultItem(data)
	if err != nil {
		r.err = resultsError(err)
		r.Close()
		return false
	}
	r.pos++
	r.item = item
	return true
}

// Item returns the item Next advanced to
func (r *QueryResults) Item() map[string]any {
	return r.item
}

// Err returns the failure that stopped iteration
func (r *QueryResults) Err() error {
	return r.err
}

// All iterates over the remaining items
func (r *QueryResults) All() iter.Seq2[map[string]any, error] {
	return func(yield func(map[string]any, error) bool) {
		for r.Next() {
			if !yield(r.item, nil) {
				return
			}
		}
		if r.err != nil {
			yield(nil, r.err)
		}
	}
}

// Status reports the state of the result set on the engine side
func (r *QueryResults) Status() error {
	if !r.h.Valid() {
		return resultsError(localError(ErrResultsReleased))
	}
	return resultsError(r.api.ResultsStatus(r.h))
}

// AggResults returns the aggregations requested by the query
func (r *QueryResults) AggResults() ([]core.AggregationResult, error) {
	if !r.h.Valid() {
		return nil, resultsError(localError(ErrResultsReleased))
	}
	aggs, err := r.api.AggResults(r.h)
	if err != nil {
		return nil, resultsError(err)
	}
	return aggs, nil
}

// ExplainResults returns the execution plan of an Explain query as JSON
func (r *QueryResults) ExplainResults() (string, error) {
	if !r.h.Valid() {
		return "", resultsError(localError(ErrResultsReleased))
	}
	explain, err := r.api.ExplainResults(r.h)
	if err != nil {
		return "", resultsError(err)
	}
	return explain, nil
}

// Close releases the result set; it is safe to call more than once
func (r *QueryResults) Close() {
	if r.h.Valid() {
		r.api.ResultsDelete(r.h)
		r.h = 0
	}
}

func decodeResultItem(data []byte) (map[string]any, error) {
	var item map[string]any
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, api.Errorf(api.ErrParseJSON, "failed to decode item: %v", err)
	}
	return item, nil
}
