// Package sim is the permission simulation engine. It synthesizes an
// alternate accountability from the requested mode, drives the query
// through the executor under that accountability, recovers from
// field-level denials by narrowing the query and retrying exactly once,
// and diffs the simulated result against the requester's own result.
package sim

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ppiankov/whatif/internal/diff"
	"github.com/ppiankov/whatif/internal/forbidden"
	"github.com/ppiankov/whatif/internal/model"
	"github.com/ppiankov/whatif/internal/narrow"
	"github.com/ppiankov/whatif/internal/upstream"
)

// Executor runs a query against a collection under an accountability.
// A field- or collection-level denial surfaces as an *upstream.APIError
// with Forbidden() true.
type Executor interface {
	Execute(ctx context.Context, collection string, q model.Query, acc model.Accountability) ([]model.Row, error)
}

// Directory resolves a user id to its role and account status.
type Directory interface {
	LookupUser(ctx context.Context, userID string) (model.UserInfo, error)
}

// Request is the input to one simulation run.
type Request struct {
	Mode             model.Mode
	Collection       string
	Query            model.Query
	IncludeRequester bool
	UserID           string
	RoleID           string
}

// Result is the composed outcome of a successful run.
type Result struct {
	Mode           model.Mode
	Collection     string
	EffectiveQuery model.Query
	Warnings       []string
	SimulatedItems []model.Row
	RequesterItems []model.Row
	Hints          []model.Hint
}

// Simulator coordinates one run per call. All mutable state (warnings,
// the retry) lives inside the call; a Simulator is safe for concurrent
// use.
type Simulator struct {
	exec Executor
	dir  Directory
	log  *zap.Logger
}

// New creates a Simulator backed by the given executor and directory.
func New(exec Executor, dir Directory, log *zap.Logger) *Simulator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Simulator{exec: exec, dir: dir, log: log}
}

// Run executes one simulation: validate, build the accountability for
// the requested mode, run the query (with the one-shot narrowing retry
// on a recoverable denial), optionally run the same query as the
// caller, and diff the first rows. The retry cap is hard: a failed
// retry propagates, never a third attempt.
//
// When mode is user and an explicit role id is supplied alongside the
// user id, the role is trusted without verifying membership; the
// simulation can then differ from what that user would really see.
func (s *Simulator) Run(ctx context.Context, caller model.Accountability, req Request) (*Result, error) {
	if !caller.Admin {
		return nil, &ForbiddenError{}
	}
	if req.Collection == "" {
		return nil, &RejectedError{Reason: "collection is required"}
	}
	if !req.Mode.Valid() {
		return nil, &RejectedError{Reason: fmt.Sprintf("unknown mode %q", req.Mode)}
	}
	if req.Mode == model.ModeUser && req.UserID == "" {
		return nil, &RejectedError{Reason: "userId is required when mode is \"user\""}
	}
	if req.Mode == model.ModeRole && req.RoleID == "" {
		return nil, &RejectedError{Reason: "roleId is required when mode is \"role\""}
	}

	warnings := []string{}
	acc, warnings, err := s.buildContext(ctx, caller, req, warnings)
	if err != nil {
		return nil, err
	}

	s.log.Debug("simulation context built",
		zap.String("mode", string(req.Mode)),
		zap.String("collection", req.Collection),
		zap.String("as_user", acc.UserID),
		zap.String("as_role", acc.RoleID))

	effective := req.Query
	items, err := s.exec.Execute(ctx, req.Collection, effective, acc)
	if err != nil {
		narrowed, extra, retryErr := s.recoverOnce(req, err)
		if retryErr != nil {
			return nil, retryErr
		}
		effective = narrowed.Query
		warnings = append(warnings, extra...)
		items, err = s.exec.Execute(ctx, req.Collection, effective, acc)
		if err != nil {
			// Propagated as-is: the caller sees the delegate's own
			// status and message.
			s.log.Warn("retry with narrowed fields failed",
				zap.String("collection", req.Collection), zap.Error(err))
			return nil, err
		}
	}

	var requesterItems []model.Row
	var hints []model.Hint
	if req.IncludeRequester {
		requesterItems, err = s.exec.Execute(ctx, req.Collection, req.Query, caller)
		if err != nil {
			s.log.Warn("requester baseline failed",
				zap.String("collection", req.Collection), zap.Error(err))
			return nil, err
		}
		hints = diff.Hints(firstRow(requesterItems), firstRow(items))
	}

	return &Result{
		Mode:           req.Mode,
		Collection:     req.Collection,
		EffectiveQuery: effective,
		Warnings:       warnings,
		SimulatedItems: items,
		RequesterItems: requesterItems,
		Hints:          hints,
	}, nil
}

// recoverOnce decides whether a primary-attempt failure is a
// recoverable field-level denial and, if so, produces the narrowed
// query and the warnings describing what was dropped. Anything not
// recoverable returns the original error unchanged.
func (s *Simulator) recoverOnce(req Request, execErr error) (narrow.Result, []string, error) {
	fields := deniedFields(execErr)
	if len(fields) == 0 {
		return narrow.Result{}, nil, execErr
	}

	res := narrow.Strip(req.Query, fields)
	if !res.Changed() {
		return narrow.Result{}, nil, execErr
	}

	var extra []string
	if res.RemovedWildcard {
		extra = append(extra, "removed the \"*\" wildcard from fields: the simulated identity cannot read every field")
	}
	if len(res.RemovedFields) > 0 {
		extra = append(extra, fmt.Sprintf(
			"removed fields the simulated identity cannot read: %s",
			strings.Join(res.RemovedFields, ", ")))
	}

	s.log.Info("narrowing query after field-level denial",
		zap.String("collection", req.Collection),
		zap.Strings("denied_fields", fields),
		zap.Strings("removed_fields", res.RemovedFields),
		zap.Bool("removed_wildcard", res.RemovedWildcard))

	return res, extra, nil
}

// buildContext synthesizes the accountability for the requested mode.
// Synthesized contexts never carry admin access.
func (s *Simulator) buildContext(ctx context.Context, caller model.Accountability, req Request, warnings []string) (model.Accountability, []string, error) {
	switch req.Mode {
	case model.ModeRequester:
		return caller, warnings, nil

	case model.ModePublic:
		acc := model.Build(caller, model.Overrides{
			User:  ptr(""),
			Role:  ptr(""),
			Admin: ptr(false),
			App:   ptr(true),
		})
		return acc, warnings, nil

	case model.ModeRole:
		warnings = append(warnings,
			"role mode cannot evaluate permission rules that reference the current user; results may differ for real members of this role")
		acc := model.Build(caller, model.Overrides{
			User:  ptr(""),
			Role:  ptr(req.RoleID),
			Admin: ptr(false),
			App:   ptr(true),
		})
		return acc, warnings, nil

	case model.ModeUser:
		roleID := req.RoleID
		if roleID == "" {
			info, err := s.dir.LookupUser(ctx, req.UserID)
			if err != nil {
				if upstream.IsNotFound(err) {
					return model.Accountability{}, nil, &RejectedError{
						Reason: fmt.Sprintf("user %q not found", req.UserID),
					}
				}
				return model.Accountability{}, nil, fmt.Errorf("directory lookup for user %q failed: %w", req.UserID, err)
			}
			roleID = info.Role
			if roleID == "" {
				warnings = append(warnings,
					"user has no role; most collections will deny access")
			}
			if info.Status != "" && info.Status != "active" {
				warnings = append(warnings, fmt.Sprintf(
					"account status is %q; the real system would refuse to authenticate this user", info.Status))
			}
		}
		acc := model.Build(caller, model.Overrides{
			User:  ptr(req.UserID),
			Role:  ptr(roleID),
			Admin: ptr(false),
			App:   ptr(true),
		})
		return acc, warnings, nil
	}

	return model.Accountability{}, nil, &RejectedError{Reason: fmt.Sprintf("unknown mode %q", req.Mode)}
}

// deniedFields returns the field names a denial carries. Structured
// fields on the error win; otherwise the message is pattern-matched.
// Non-denial errors yield nothing.
func deniedFields(err error) []string {
	var apiErr *upstream.APIError
	if !errors.As(err, &apiErr) || !apiErr.Forbidden() {
		return nil
	}
	if len(apiErr.Fields) > 0 {
		return apiErr.Fields
	}
	return forbidden.Extract(apiErr.Message)
}

func firstRow(rows []model.Row) model.Row {
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}

func ptr[T any](v T) *T {
	return &v
}
