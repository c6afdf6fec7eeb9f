package model

import (
	"encoding/json"
	"fmt"
)

// Wildcard is the field-list token that requests every readable field.
const Wildcard = "*"

// Query is the request passed to the query executor. Fields is the only
// key the engine ever inspects or rewrites; every other key rides along
// in Extra byte-for-byte. HasFields distinguishes an absent fields key
// from an empty list. A fields key that is not a list of strings is
// treated as opaque and kept in Extra.
type Query struct {
	Fields    []string
	HasFields bool
	Extra     map[string]json.RawMessage
}

// WithFields returns a copy of q whose field list is replaced. Extra is
// shared, not copied: it is never mutated after construction.
func (q Query) WithFields(fields []string) Query {
	return Query{
		Fields:    append([]string(nil), fields...),
		HasFields: true,
		Extra:     q.Extra,
	}
}

// UnmarshalJSON decodes a query object, splitting the well-known fields
// key from the opaque remainder.
func (q *Query) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	q.Fields = nil
	q.HasFields = false
	q.Extra = nil
	for k, v := range raw {
		if k == "fields" {
			var fields []string
			if err := json.Unmarshal(v, &fields); err == nil {
				q.Fields = fields
				q.HasFields = true
				continue
			}
		}
		if q.Extra == nil {
			q.Extra = make(map[string]json.RawMessage)
		}
		q.Extra[k] = v
	}
	return nil
}

// MarshalJSON reassembles the query, passing Extra through verbatim.
func (q Query) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(q.Extra)+1)
	for k, v := range q.Extra {
		out[k] = v
	}
	if q.HasFields {
		b, err := json.Marshal(q.Fields)
		if err != nil {
			return nil, err
		}
		out["fields"] = b
	}
	return json.Marshal(out)
}

// ParseQuery decodes the query portion of a simulation request. The
// wire form is either a JSON object or a JSON string containing an
// encoded object; a nil or empty raw value yields the zero query.
func ParseQuery(raw json.RawMessage) (Query, error) {
	var q Query
	if len(raw) == 0 {
		return q, nil
	}
	trimmed := firstByte(raw)
	if trimmed == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return q, fmt.Errorf("query is not valid JSON: %w", err)
		}
		if text == "" {
			return q, nil
		}
		raw = []byte(text)
	}
	if err := json.Unmarshal(raw, &q); err != nil {
		return Query{}, fmt.Errorf("query is not a JSON object: %w", err)
	}
	return q, nil
}

func firstByte(raw []byte) byte {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b
	}
	return 0
}
