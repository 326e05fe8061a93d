package sets

import (
	"context"
)

// Sort directions.
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

// Result is one page of a set query.
type Result[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// query holds the builder state shared by every set.
type query struct {
	filter     map[string]interface{}
	projection map[string]interface{}
	sorts      []map[string]string
	offset     int
	limit      int
}

func (q *query) setFilter(filter map[string]interface{}) {
	q.filter = filter
}

func (q *query) mergeProjection(projection map[string]interface{}) {
	if q.projection == nil {
		q.projection = make(map[string]interface{}, len(projection))
	}
	for k, v := range projection {
		q.projection[k] = v
	}
}

func (q *query) addSort(field, direction string) {
	if direction != SortDesc {
		direction = SortAsc
	}
	q.sorts = append(q.sorts, map[string]string{field: direction})
}

func (q *query) paginate(offset, limit int) {
	if offset < 0 {
		offset = 0
	}
	if limit < 0 {
		limit = 0
	}
	q.offset, q.limit = offset, limit
}

// params renders the request params. Unset parts are omitted.
func (q *query) params() map[string]interface{} {
	p := make(map[string]interface{})
	if len(q.filter) > 0 {
		p["filter"] = q.filter
	}
	if len(q.projection) > 0 {
		p["projection"] = q.projection
	}
	if len(q.sorts) > 0 {
		p["sorts"] = q.sorts
	}
	if q.offset > 0 {
		p["offset"] = q.offset
	}
	if q.limit > 0 {
		p["limit"] = q.limit
	}
	return p
}

func run[T any](ctx context.Context, c *Client, address, action string, params map[string]interface{}) (*Result[T], error) {
	var out Result[T]
	if err := c.call(ctx, address, action, params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
