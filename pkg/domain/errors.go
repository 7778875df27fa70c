package domain

import "fmt"

// AuthenticationError reports that no identity could be resolved for a
// non-admin transaction. No side effects occur when it is returned.
type AuthenticationError struct {
	Reason string
}

func (e AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// NotFoundError reports an absent record. Tenant-isolation rejections also
// surface through this type so existence is not leaked across organizations.
// Resource carries the display form of the record kind ("Customer",
// "Membership").
type NotFoundError struct {
	Resource string
	ID       string
}

func (e NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}
