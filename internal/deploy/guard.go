package deploy

import (
	deployerrors "experiment-deployer/internal/errors"
)

const (
	reasonDrift = "deployment aborted: platform code diverged from last deployed snapshot"
	reasonLive  = "resource is live"
)

// Overrides are the operator's explicit safety overrides.
type Overrides struct {
	ForceOverwrite bool `json:"forceOverwrite,omitempty"`
	ForceLive      bool `json:"forceLive,omitempty"`
}

// Authorize decides whether a unit may be pushed:
//   - drift is refused unless either override is set;
//   - forcing an overwrite of a matching live resource is refused.
//
// A drifted live resource is pushed when ForceLive is set.
func Authorize(cmp Comparison, ov Overrides, subject string) error {
	if !cmp.IsSame && !ov.ForceOverwrite && !ov.ForceLive {
		return &deployerrors.ConflictError{
			Reason:   reasonDrift,
			Resource: subject,
			Path:     cmp.DivergentPath,
			Live:     cmp.IsLive,
		}
	}
	if cmp.IsSame && ov.ForceOverwrite && cmp.IsLive {
		return &deployerrors.ConflictError{
			Reason:   reasonLive,
			Resource: subject,
			Live:     true,
		}
	}
	return nil
}
