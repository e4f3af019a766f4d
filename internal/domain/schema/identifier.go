// Package schema defines the value objects shared by the scheduler: identifiers,
// computation targets, value specifications, view definitions and execution sequences.
package schema

import (
	"strings"

	"github.com/coachpo/vantage/errs"
)

// ObjectID identifies an object independent of its version.
type ObjectID struct {
	Scheme string
	Value  string
}

// String renders the object id as scheme~value.
func (o ObjectID) String() string {
	return o.Scheme + "~" + o.Value
}

// IsZero reports whether the object id is unset.
func (o ObjectID) IsZero() bool {
	return o.Scheme == "" && o.Value == ""
}

// AtVersion returns the unique id of a specific version of the object.
func (o ObjectID) AtVersion(version string) UniqueID {
	return UniqueID{Scheme: o.Scheme, Value: o.Value, Version: version}
}

// UniqueID identifies one version of an object.
type UniqueID struct {
	Scheme  string
	Value   string
	Version string
}

// ObjectID strips the version from the unique id.
func (u UniqueID) ObjectID() ObjectID {
	return ObjectID{Scheme: u.Scheme, Value: u.Value}
}

// IsZero reports whether the unique id is unset.
func (u UniqueID) IsZero() bool {
	return u.Scheme == "" && u.Value == "" && u.Version == ""
}

func (u UniqueID) String() string {
	if u.Version == "" {
		return u.Scheme + "~" + u.Value
	}
	return u.Scheme + "~" + u.Value + "~" + u.Version
}

// ParseUniqueID parses the scheme~value[~version] form.
func ParseUniqueID(raw string) (UniqueID, error) {
	parts := strings.Split(strings.TrimSpace(raw), "~")
	switch {
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return UniqueID{Scheme: parts[0], Value: parts[1]}, nil
	case len(parts) == 3 && parts[0] != "" && parts[1] != "":
		return UniqueID{Scheme: parts[0], Value: parts[1], Version: parts[2]}, nil
	default:
		return UniqueID{}, errs.New("schema/unique-id", errs.CodeInvalid, errs.WithMessage("malformed unique id"), errs.WithTarget(raw))
	}
}
