package sim

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ppiankov/whatif/internal/model"
	"github.com/ppiankov/whatif/internal/upstream"
)

type execCall struct {
	Collection string
	Query      model.Query
	Acc        model.Accountability
}

// scriptedExec returns one scripted response per call, in order, and
// records every call it receives.
type scriptedExec struct {
	t      *testing.T
	calls  []execCall
	script []func(execCall) ([]model.Row, error)
}

func (e *scriptedExec) Execute(ctx context.Context, collection string, q model.Query, acc model.Accountability) ([]model.Row, error) {
	e.t.Helper()
	call := execCall{Collection: collection, Query: q, Acc: acc}
	e.calls = append(e.calls, call)
	if len(e.calls) > len(e.script) {
		e.t.Fatalf("unexpected executor call #%d for %s", len(e.calls), collection)
	}
	return e.script[len(e.calls)-1](call)
}

type fakeDir struct {
	t     *testing.T
	users map[string]model.UserInfo
	deny  bool
}

func (d *fakeDir) LookupUser(ctx context.Context, userID string) (model.UserInfo, error) {
	if d.deny {
		d.t.Fatal("unexpected directory lookup")
	}
	info, ok := d.users[userID]
	if !ok {
		return model.UserInfo{}, &upstream.APIError{Status: http.StatusNotFound, Message: "user not found"}
	}
	return info, nil
}

func admin() model.Accountability {
	return model.Accountability{
		UserID:  "admin-1",
		RoleID:  "role-admin",
		Admin:   true,
		App:     true,
		RoleIDs: []string{"role-admin"},
	}
}

func queryOf(t *testing.T, raw string) model.Query {
	t.Helper()
	var q model.Query
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		t.Fatalf("bad test query %s: %v", raw, err)
	}
	return q
}

func ok(rows ...model.Row) func(execCall) ([]model.Row, error) {
	return func(execCall) ([]model.Row, error) { return rows, nil }
}

func fail(err error) func(execCall) ([]model.Row, error) {
	return func(execCall) ([]model.Row, error) { return nil, err }
}

func denial(msg string, fields ...string) *upstream.APIError {
	return &upstream.APIError{
		Status:  http.StatusForbidden,
		Code:    "FORBIDDEN",
		Message: msg,
		Fields:  fields,
	}
}

func TestRunRejectsNonAdmin(t *testing.T) {
	s := New(&scriptedExec{t: t}, &fakeDir{t: t, deny: true}, nil)
	_, err := s.Run(context.Background(), model.Accountability{App: true}, Request{
		Mode:       model.ModeRequester,
		Collection: "posts",
	})
	var forbiddenErr *ForbiddenError
	if !errors.As(err, &forbiddenErr) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
}

func TestRunValidation(t *testing.T) {
	cases := []struct {
		name string
		req  Request
	}{
		{"empty collection", Request{Mode: model.ModeRequester}},
		{"unknown mode", Request{Mode: "owner", Collection: "posts"}},
		{"user mode without userId", Request{Mode: model.ModeUser, Collection: "posts"}},
		{"role mode without roleId", Request{Mode: model.ModeRole, Collection: "posts"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := New(&scriptedExec{t: t}, &fakeDir{t: t, deny: true}, nil)
			_, err := s.Run(context.Background(), admin(), tc.req)
			var rejectedErr *RejectedError
			if !errors.As(err, &rejectedErr) {
				t.Fatalf("expected RejectedError, got %v", err)
			}
		})
	}
}

func TestRunRequesterModePassesCallerUnmodified(t *testing.T) {
	exec := &scriptedExec{t: t, script: []func(execCall) ([]model.Row, error){
		ok(model.Row{"id": 1}),
	}}
	s := New(exec, &fakeDir{t: t, deny: true}, nil)

	caller := admin()
	res, err := s.Run(context.Background(), caller, Request{
		Mode:             model.ModeRequester,
		Collection:       "posts",
		Query:            queryOf(t, `{"fields":["*"]}`),
		IncludeRequester: false,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(exec.calls) != 1 {
		t.Fatalf("expected 1 executor call, got %d", len(exec.calls))
	}
	if diff := cmp.Diff(caller, exec.calls[0].Acc); diff != "" {
		t.Errorf("requester mode must pass the caller's own context:\n%s", diff)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", res.Warnings)
	}
	if res.RequesterItems != nil || res.Hints != nil {
		t.Error("no baseline requested, none should be present")
	}
}

func TestRunPublicModeContext(t *testing.T) {
	exec := &scriptedExec{t: t, script: []func(execCall) ([]model.Row, error){
		ok(), ok(),
	}}
	s := New(exec, &fakeDir{t: t, deny: true}, nil)

	_, err := s.Run(context.Background(), admin(), Request{
		Mode:             model.ModePublic,
		Collection:       "posts",
		IncludeRequester: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	acc := exec.calls[0].Acc
	if acc.UserID != "" || acc.RoleID != "" {
		t.Errorf("public context must have no user/role, got %q/%q", acc.UserID, acc.RoleID)
	}
	if acc.Admin {
		t.Error("public context must not be admin")
	}
	if !acc.App {
		t.Error("public context should have app access")
	}

	// Baseline runs as the caller, after the simulated attempt.
	if !exec.calls[1].Acc.Admin {
		t.Error("baseline must run as the caller")
	}
}

func TestRunRoleModeWarnsAboutCurrentUserRules(t *testing.T) {
	exec := &scriptedExec{t: t, script: []func(execCall) ([]model.Row, error){ok()}}
	s := New(exec, &fakeDir{t: t, deny: true}, nil)

	res, err := s.Run(context.Background(), admin(), Request{
		Mode:       model.ModeRole,
		Collection: "posts",
		RoleID:     "role-editor",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "current user") {
		t.Errorf("expected current-user warning, got %v", res.Warnings)
	}
	acc := exec.calls[0].Acc
	if acc.UserID != "" || acc.RoleID != "role-editor" || acc.Admin {
		t.Errorf("unexpected role context: %+v", acc)
	}
	if diff := cmp.Diff([]string{"role-editor"}, acc.RoleIDs); diff != "" {
		t.Errorf("RoleIDs:\n%s", diff)
	}
}

func TestRunUserModeResolvesRole(t *testing.T) {
	exec := &scriptedExec{t: t, script: []func(execCall) ([]model.Row, error){ok()}}
	dir := &fakeDir{t: t, users: map[string]model.UserInfo{
		"u1": {Role: "role-author", Status: "active"},
	}}
	s := New(exec, dir, nil)

	res, err := s.Run(context.Background(), admin(), Request{
		Mode:       model.ModeUser,
		Collection: "posts",
		UserID:     "u1",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	acc := exec.calls[0].Acc
	if acc.UserID != "u1" || acc.RoleID != "role-author" || acc.Admin {
		t.Errorf("unexpected user context: %+v", acc)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("active user with a role should produce no warnings: %v", res.Warnings)
	}
}

func TestRunUserModeWarnings(t *testing.T) {
	exec := &scriptedExec{t: t, script: []func(execCall) ([]model.Row, error){ok()}}
	dir := &fakeDir{t: t, users: map[string]model.UserInfo{
		"u2": {Role: "", Status: "suspended"},
	}}
	s := New(exec, dir, nil)

	res, err := s.Run(context.Background(), admin(), Request{
		Mode:       model.ModeUser,
		Collection: "posts",
		UserID:     "u2",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Warnings) != 2 {
		t.Fatalf("expected role + status warnings, got %v", res.Warnings)
	}
	if !strings.Contains(res.Warnings[0], "no role") {
		t.Errorf("expected no-role warning first, got %q", res.Warnings[0])
	}
	if !strings.Contains(res.Warnings[1], `"suspended"`) {
		t.Errorf("expected status warning, got %q", res.Warnings[1])
	}
}

func TestRunUserModeUnknownUserRejected(t *testing.T) {
	s := New(&scriptedExec{t: t}, &fakeDir{t: t}, nil)
	_, err := s.Run(context.Background(), admin(), Request{
		Mode:       model.ModeUser,
		Collection: "posts",
		UserID:     "ghost",
	})
	var rejectedErr *RejectedError
	if !errors.As(err, &rejectedErr) {
		t.Fatalf("expected RejectedError for unknown user, got %v", err)
	}
}

func TestRunUserModeExplicitRoleSkipsLookup(t *testing.T) {
	exec := &scriptedExec{t: t, script: []func(execCall) ([]model.Row, error){ok()}}
	s := New(exec, &fakeDir{t: t, deny: true}, nil)

	_, err := s.Run(context.Background(), admin(), Request{
		Mode:       model.ModeUser,
		Collection: "posts",
		UserID:     "u1",
		RoleID:     "role-override",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.calls[0].Acc.RoleID != "role-override" {
		t.Errorf("supplied role must be trusted, got %q", exec.calls[0].Acc.RoleID)
	}
}

func TestRunRecoversFromFieldDenial(t *testing.T) {
	exec := &scriptedExec{t: t, script: []func(execCall) ([]model.Row, error){
		fail(denial(`You don't have permission to access fields "secret_note" in collection "posts"`)),
		ok(model.Row{"title": "hello"}),
		ok(model.Row{"title": "hello", "secret_note": "s"}),
	}}
	dir := &fakeDir{t: t, users: map[string]model.UserInfo{"u1": {Role: "role-author", Status: "active"}}}
	s := New(exec, dir, nil)

	caller := admin()
	res, err := s.Run(context.Background(), caller, Request{
		Mode:             model.ModeUser,
		Collection:       "posts",
		Query:            queryOf(t, `{"fields":["title","secret_note"],"limit":1}`),
		IncludeRequester: true,
		UserID:           "u1",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(exec.calls) != 3 {
		t.Fatalf("expected primary + retry + baseline, got %d calls", len(exec.calls))
	}

	// Retry uses the narrowed query under the simulated identity.
	if diff := cmp.Diff([]string{"title"}, exec.calls[1].Query.Fields); diff != "" {
		t.Errorf("retry query:\n%s", diff)
	}
	// Baseline uses the original query under the caller's identity.
	if diff := cmp.Diff([]string{"title", "secret_note"}, exec.calls[2].Query.Fields); diff != "" {
		t.Errorf("baseline query:\n%s", diff)
	}
	if diff := cmp.Diff(caller, exec.calls[2].Acc); diff != "" {
		t.Errorf("baseline accountability:\n%s", diff)
	}

	if diff := cmp.Diff([]string{"title"}, res.EffectiveQuery.Fields); diff != "" {
		t.Errorf("effective query:\n%s", diff)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "secret_note") {
		t.Errorf("expected removed-fields warning, got %v", res.Warnings)
	}
	if len(res.Hints) != 1 || res.Hints[0].Field != "secret_note" || res.Hints[0].Kind != model.HintMissing {
		t.Errorf("expected secret_note missing hint, got %v", res.Hints)
	}
}

func TestRunRecoveryWithWildcardWarnsTwice(t *testing.T) {
	exec := &scriptedExec{t: t, script: []func(execCall) ([]model.Row, error){
		fail(denial("no access", "secret_note")),
		ok(),
	}}
	s := New(exec, &fakeDir{t: t, deny: true}, nil)

	res, err := s.Run(context.Background(), admin(), Request{
		Mode:       model.ModePublic,
		Collection: "posts",
		Query:      queryOf(t, `{"fields":["*","title","secret_note"]}`),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Warnings) != 2 {
		t.Fatalf("expected wildcard + fields warnings, got %v", res.Warnings)
	}
	if !strings.Contains(res.Warnings[0], "wildcard") {
		t.Errorf("wildcard warning first, got %q", res.Warnings[0])
	}
	if !strings.Contains(res.Warnings[1], "secret_note") {
		t.Errorf("removed-fields warning second, got %q", res.Warnings[1])
	}
}

func TestRunStructuredFieldsPreferredOverMessage(t *testing.T) {
	// The message names field "a" but the structured list says "b";
	// the structured list wins.
	exec := &scriptedExec{t: t, script: []func(execCall) ([]model.Row, error){
		fail(denial(`You don't have permission to access field "a"`, "b")),
		ok(),
	}}
	s := New(exec, &fakeDir{t: t, deny: true}, nil)

	res, err := s.Run(context.Background(), admin(), Request{
		Mode:       model.ModePublic,
		Collection: "posts",
		Query:      queryOf(t, `{"fields":["a","b"]}`),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{"a"}, res.EffectiveQuery.Fields); diff != "" {
		t.Errorf("expected only b removed:\n%s", diff)
	}
}

func TestRunUnrecoverableDenialPropagates(t *testing.T) {
	original := denial("You don't have permission to read this collection")
	exec := &scriptedExec{t: t, script: []func(execCall) ([]model.Row, error){
		fail(original),
	}}
	s := New(exec, &fakeDir{t: t, deny: true}, nil)

	_, err := s.Run(context.Background(), admin(), Request{
		Mode:       model.ModePublic,
		Collection: "posts",
		Query:      queryOf(t, `{"fields":["title"]}`),
	})
	var apiErr *upstream.APIError
	if !errors.As(err, &apiErr) || apiErr != original {
		t.Fatalf("expected the original denial, got %v", err)
	}
	if len(exec.calls) != 1 {
		t.Errorf("no retry should be attempted, got %d calls", len(exec.calls))
	}
}

func TestRunWildcardAloneNotRecoverable(t *testing.T) {
	original := denial("no access", "secret_note")
	exec := &scriptedExec{t: t, script: []func(execCall) ([]model.Row, error){
		fail(original),
	}}
	s := New(exec, &fakeDir{t: t, deny: true}, nil)

	_, err := s.Run(context.Background(), admin(), Request{
		Mode:       model.ModePublic,
		Collection: "posts",
		Query:      queryOf(t, `{"fields":["*"],"limit":1}`),
	})
	var apiErr *upstream.APIError
	if !errors.As(err, &apiErr) || apiErr != original {
		t.Fatalf("expected the original denial, got %v", err)
	}
	if len(exec.calls) != 1 {
		t.Errorf("mutator could not help, no retry expected, got %d calls", len(exec.calls))
	}
}

func TestRunAtMostOneRetry(t *testing.T) {
	retryDenial := denial("no access", "title")
	exec := &scriptedExec{t: t, script: []func(execCall) ([]model.Row, error){
		fail(denial("no access", "secret_note")),
		fail(retryDenial),
	}}
	s := New(exec, &fakeDir{t: t, deny: true}, nil)

	_, err := s.Run(context.Background(), admin(), Request{
		Mode:       model.ModePublic,
		Collection: "posts",
		Query:      queryOf(t, `{"fields":["title","secret_note"]}`),
	})
	if err == nil {
		t.Fatal("expected the retry failure to propagate")
	}
	var apiErr *upstream.APIError
	if !errors.As(err, &apiErr) || apiErr != retryDenial {
		t.Fatalf("retry failure must surface the delegate's own error, got %v", err)
	}
	if err.Error() != retryDenial.Error() {
		t.Errorf("delegate message must not be rewrapped: %q", err.Error())
	}
	if len(exec.calls) != 2 {
		t.Errorf("hard cap is one retry, got %d calls", len(exec.calls))
	}
}

func TestRunBaselineFailureFailsRequest(t *testing.T) {
	baselineErr := &upstream.APIError{Status: http.StatusInternalServerError, Message: "db down"}
	exec := &scriptedExec{t: t, script: []func(execCall) ([]model.Row, error){
		ok(model.Row{"id": 1}),
		fail(baselineErr),
	}}
	s := New(exec, &fakeDir{t: t, deny: true}, nil)

	_, err := s.Run(context.Background(), admin(), Request{
		Mode:             model.ModePublic,
		Collection:       "posts",
		IncludeRequester: true,
	})
	if err == nil {
		t.Fatal("baseline failure must fail the request")
	}
	var apiErr *upstream.APIError
	if !errors.As(err, &apiErr) || apiErr != baselineErr {
		t.Errorf("expected the delegate's own error to surface, got %v", err)
	}
	if err.Error() != baselineErr.Error() {
		t.Errorf("delegate message must not be rewrapped: %q", err.Error())
	}
}

func TestRunNoRowsNoHints(t *testing.T) {
	exec := &scriptedExec{t: t, script: []func(execCall) ([]model.Row, error){
		ok(), ok(),
	}}
	s := New(exec, &fakeDir{t: t, deny: true}, nil)

	res, err := s.Run(context.Background(), admin(), Request{
		Mode:             model.ModePublic,
		Collection:       "posts",
		IncludeRequester: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Hints) != 0 {
		t.Errorf("no rows on either side should yield no hints: %v", res.Hints)
	}
}
