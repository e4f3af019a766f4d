package schema

import "time"

// VersionCorrection pins how temporal references resolve. A zero instant means
// "latest" for that axis.
type VersionCorrection struct {
	VersionAsOf time.Time
	CorrectedTo time.Time
}

// Latest resolves everything at the most recent version and correction.
var Latest = VersionCorrection{}

// VersionCorrectionAt pins both axes to the same instant.
func VersionCorrectionAt(instant time.Time) VersionCorrection {
	return VersionCorrection{VersionAsOf: instant, CorrectedTo: instant}
}

// IsLatest reports whether both axes float.
func (vc VersionCorrection) IsLatest() bool {
	return vc.VersionAsOf.IsZero() && vc.CorrectedTo.IsZero()
}

// ContainsLatest reports whether either axis floats.
func (vc VersionCorrection) ContainsLatest() bool {
	return vc.VersionAsOf.IsZero() || vc.CorrectedTo.IsZero()
}

// WithLatestFixed replaces floating axes with now.
func (vc VersionCorrection) WithLatestFixed(now time.Time) VersionCorrection {
	out := vc
	if out.VersionAsOf.IsZero() {
		out.VersionAsOf = now
	}
	if out.CorrectedTo.IsZero() {
		out.CorrectedTo = now
	}
	return out
}

// Equal compares both instants.
func (vc VersionCorrection) Equal(other VersionCorrection) bool {
	return vc.VersionAsOf.Equal(other.VersionAsOf) && vc.CorrectedTo.Equal(other.CorrectedTo)
}

func (vc VersionCorrection) String() string {
	return "V" + instantString(vc.VersionAsOf) + ".C" + instantString(vc.CorrectedTo)
}

func instantString(t time.Time) string {
	if t.IsZero() {
		return "LATEST"
	}
	return t.UTC().Format(time.RFC3339Nano)
}
