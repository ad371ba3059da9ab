package schema

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSiteNotFound indicates the site does not exist in the store.
	ErrSiteNotFound = errors.New("site not found")
	// ErrSiteExists indicates a site with the same id already exists.
	ErrSiteExists = errors.New("site already exists")
	// ErrInvalidSiteID indicates a malformed site identifier.
	ErrInvalidSiteID = errors.New("invalid site id")
	// ErrOverrideNotApproved indicates a quota override without an
	// approval record. Never applied, always surfaced to the owner.
	ErrOverrideNotApproved = errors.New("quota override lacks approval")
	// ErrInvalidQuota indicates a non-positive resource ceiling.
	ErrInvalidQuota = errors.New("quota ceiling must be positive")
	// ErrCredentialStoreCorrupt indicates the broker's backing state is
	// unusable for this site. Fatal, not retryable.
	ErrCredentialStoreCorrupt = errors.New("credential store corrupted")
)

// PackageNameError reports a malformed extra package name.
type PackageNameError struct {
	Name string
}

func (e *PackageNameError) Error() string {
	return fmt.Sprintf("invalid package name %q", e.Name)
}

// UnknownBaseImageError reports a base image reference that is not in
// the platform catalog.
type UnknownBaseImageError struct {
	Base string
}

func (e *UnknownBaseImageError) Error() string {
	return fmt.Sprintf("unknown base image %q", e.Base)
}

// RunScriptNotFoundError reports that no run script exists in any of
// the probed candidate locations. All probed paths are listed so the
// owner can act on the failure.
type RunScriptNotFoundError struct {
	SiteID SiteID
	Script string
	Probed []string
}

func (e *RunScriptNotFoundError) Error() string {
	return fmt.Sprintf("site %s: no %s found; probed %s", e.SiteID, e.Script, strings.Join(e.Probed, ", "))
}

// BuildError reports an image build failure. Package is set when the
// failing step could be attributed to one extra package.
type BuildError struct {
	Key     string
	Base    string
	Package string
	Err     error
}

func (e *BuildError) Error() string {
	if e.Package != "" {
		return fmt.Sprintf("build %s: package %q failed to install: %v", e.Key, e.Package, e.Err)
	}
	return fmt.Sprintf("build %s (base %s): %v", e.Key, e.Base, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// IssueError reports a credential issuance failure. Transient failures
// are retried by the supervisor with bounded backoff; the rest are
// surfaced to the owner.
type IssueError struct {
	SiteID    SiteID
	Transient bool
	Err       error
}

func (e *IssueError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("issue credentials for %s: %s: %v", e.SiteID, kind, e.Err)
}

func (e *IssueError) Unwrap() error { return e.Err }

// AttachError reports a quota attachment failure.
type AttachError struct {
	SiteID SiteID
	Err    error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach quota for %s: %v", e.SiteID, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable infrastructure
// failure rather than a configuration error.
func IsTransient(err error) bool {
	var issue *IssueError
	if errors.As(err, &issue) {
		return issue.Transient
	}
	return false
}
