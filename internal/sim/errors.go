package sim

// RejectedError reports input that fails validation: unknown mode,
// empty collection, a missing required id, or a referenced user that
// does not exist. No attempt is made and no partial result is produced.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return e.Reason
}

// ForbiddenError means the caller is not administrator-privileged.
// It is raised before any other validation runs.
type ForbiddenError struct{}

func (e *ForbiddenError) Error() string {
	return "administrator access is required to run simulations"
}
