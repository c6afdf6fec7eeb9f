package model

// Mode selects which identity a simulation runs as.
type Mode string

const (
	// ModeRequester runs the query as the calling administrator.
	ModeRequester Mode = "requester"
	// ModeUser runs the query as a specific user account.
	ModeUser Mode = "user"
	// ModeRole runs the query as a bare role with no user attached.
	ModeRole Mode = "role"
	// ModePublic runs the query as an unauthenticated caller.
	ModePublic Mode = "public"
)

// Valid reports whether m is one of the four simulation modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeRequester, ModeUser, ModeRole, ModePublic:
		return true
	default:
		return false
	}
}

// Accountability is the security principal a query is executed as.
// An empty UserID or RoleID means the attribute is not set.
type Accountability struct {
	UserID  string   `json:"user,omitempty"`
	RoleID  string   `json:"role,omitempty"`
	Admin   bool     `json:"admin_access"`
	App     bool     `json:"app_access"`
	RoleIDs []string `json:"roles,omitempty"`
}

// Overrides selects which accountability attributes Build replaces.
// A nil pointer keeps the base value; a pointer to the zero value
// clears the attribute.
type Overrides struct {
	User  *string
	Role  *string
	Admin *bool
	App   *bool
}

// Build returns a copy of base with the given overrides applied.
// RoleIDs is always recomputed: a singleton of the overriding role when
// one is set, otherwise the base list carries over. Build never touches
// its inputs.
func Build(base Accountability, ov Overrides) Accountability {
	acc := base
	acc.RoleIDs = append([]string(nil), base.RoleIDs...)
	if ov.User != nil {
		acc.UserID = *ov.User
	}
	if ov.Role != nil {
		acc.RoleID = *ov.Role
		if *ov.Role != "" {
			acc.RoleIDs = []string{*ov.Role}
		}
	}
	if ov.Admin != nil {
		acc.Admin = *ov.Admin
	}
	if ov.App != nil {
		acc.App = *ov.App
	}
	return acc
}

// Row is one record returned by the query executor.
type Row map[string]any

// UserInfo is the directory's view of an account.
type UserInfo struct {
	Role   string `json:"role"`
	Status string `json:"status"`
}

// HintKind classifies a field-level discrepancy.
type HintKind string

const (
	// HintMissing means the field is absent from the simulated row.
	HintMissing HintKind = "missing"
	// HintNull means the field is present but nulled for the simulated
	// identity while the requester sees a value.
	HintNull HintKind = "null"
)

// Hint is one field-level discrepancy between the requester's result
// and the simulated result.
type Hint struct {
	Field string   `json:"field"`
	Kind  HintKind `json:"type"`
	Note  string   `json:"note"`
}
