// Package narrow rewrites a query's field list to drop fields the
// simulated identity is not allowed to read, enabling the one-shot
// retry after a field-level denial.
package narrow

import "github.com/ppiankov/whatif/internal/model"

// Result describes what Strip removed. An unchanged query (no removals)
// means the denial cannot be recovered by narrowing.
type Result struct {
	Query           model.Query
	RemovedFields   []string
	RemovedWildcard bool
}

// Changed reports whether Strip actually narrowed the query.
func (r Result) Changed() bool {
	return r.RemovedWildcard || len(r.RemovedFields) > 0
}

// Strip removes the wildcard token and every forbidden field from the
// query's field list. The query is returned unchanged when narrowing
// cannot help: no field list, nothing forbidden, only a wildcard
// (removing it would request nothing), no forbidden field actually
// present, or narrowing would leave zero fields. Strip never removes a
// field outside the forbidden set and never touches any query property
// other than the field list.
func Strip(q model.Query, forbiddenFields []string) Result {
	if !q.HasFields || len(forbiddenFields) == 0 {
		return Result{Query: q}
	}

	kept := make([]string, 0, len(q.Fields))
	wildcard := false
	for _, f := range q.Fields {
		if f == model.Wildcard {
			wildcard = true
			continue
		}
		kept = append(kept, f)
	}
	if wildcard && len(kept) == 0 {
		return Result{Query: q}
	}

	deny := make(map[string]bool, len(forbiddenFields))
	for _, f := range forbiddenFields {
		deny[f] = true
	}

	next := make([]string, 0, len(kept))
	var removed []string
	for _, f := range kept {
		if deny[f] {
			removed = append(removed, f)
			continue
		}
		next = append(next, f)
	}

	if !wildcard && len(removed) == 0 {
		return Result{Query: q}
	}
	if len(next) == 0 {
		return Result{Query: q}
	}

	return Result{
		Query:           q.WithFields(next),
		RemovedFields:   removed,
		RemovedWildcard: wildcard,
	}
}
