package deploy

import (
	"context"
	"fmt"
	"net/http"

	deployerrors "experiment-deployer/internal/errors"
	"experiment-deployer/internal/platform"
	"experiment-deployer/internal/resource"
)

// ownerResource is the experiment or personalization a common or targeting unit belongs to.
type ownerResource struct {
	name      string
	siteID    any
	live      bool
	commonCSS string
	commonJS  string
	segmentID string
}

func (p *Pipeline) fetchOwner(ctx context.Context, id resource.Identity) (ownerResource, error) {
	if id.Owner() == resource.OwnerPersonalization {
		pers, err := p.platform.GetPersonalization(ctx, id.OwnerID())
		if err != nil {
			return ownerResource{}, fmt.Errorf("fetch personalization %s: %w", id.OwnerID(), err)
		}
		return ownerResource{
			name:      pers.Name(),
			siteID:    pers.SiteID(),
			live:      pers.IsLive(),
			commonCSS: pers.CommonCSS(),
			commonJS:  pers.CommonJS(),
			segmentID: pers.TargetingSegmentID(),
		}, nil
	}

	exp, err := p.platform.GetExperiment(ctx, id.OwnerID())
	if err != nil {
		return ownerResource{}, fmt.Errorf("fetch experiment %s: %w", id.OwnerID(), err)
	}
	return ownerResource{
		name:      exp.Name(),
		siteID:    exp.SiteID(),
		live:      exp.IsLive(),
		commonCSS: exp.CommonCSS(),
		commonJS:  exp.CommonJS(),
		segmentID: exp.TargetingSegmentID(),
	}, nil
}

func (p *Pipeline) patchOwner(ctx context.Context, id resource.Identity, fields platform.Document) (platform.Document, error) {
	if id.Owner() == resource.OwnerPersonalization {
		out, err := p.platform.PatchPersonalization(ctx, id.OwnerID(), fields)
		if err != nil {
			return nil, fmt.Errorf("update personalization %s: %w", id.OwnerID(), err)
		}
		return platform.Document(out), nil
	}
	out, err := p.platform.PatchExperiment(ctx, id.OwnerID(), fields)
	if err != nil {
		return nil, fmt.Errorf("update experiment %s: %w", id.OwnerID(), err)
	}
	return platform.Document(out), nil
}

// prepareTargeting picks one of three flows:
//   - the owner has no segment: create one and attach it;
//   - the segment has a JS condition: patch that condition;
//   - the segment has no JS condition: append one.
//
// Only the patch flow has platform code to protect. The other two refuse to
// run when a targeting snapshot exists, since that means a previous
// deployment was removed on the platform.
func (p *Pipeline) prepareTargeting(ctx context.Context, id resource.Identity) (plan, error) {
	owner, err := p.fetchOwner(ctx, id)
	if err != nil {
		return plan{}, err
	}
	paths, err := p.ws.Resolve(id)
	if err != nil {
		return plan{}, err
	}
	deployed, err := p.ws.Deployed.Exists(paths.DeployedJS)
	if err != nil {
		return plan{}, err
	}
	snapshot := p.ws.Deployed.Location(paths.DeployedJS)

	if owner.segmentID == "" {
		if deployed {
			return plan{}, &deployerrors.InconsistentStateError{
				Path:   snapshot,
				Reason: fmt.Sprintf("%s has no targeting segment", id.OwnerLabel()),
			}
		}
		return plan{
			view:  View{IsLive: owner.live},
			paths: paths,
			fresh: true,
			push: func(ctx context.Context, built code) (code, string, error) {
				return p.createSegment(ctx, id, owner, built)
			},
		}, nil
	}

	seg, err := p.platform.GetSegment(ctx, owner.segmentID)
	if err != nil {
		return plan{}, fmt.Errorf("fetch segment %s: %w", owner.segmentID, err)
	}

	if cond, ok := seg.FindJSCondition(); ok {
		return plan{
			view:  targetingView(cond, owner.live),
			paths: paths,
			push: func(ctx context.Context, built code) (code, string, error) {
				out, err := p.platform.PatchSegmentCondition(ctx, owner.segmentID, cond.ID(), platform.Condition{
					"targetingType":      platform.TargetingJSCode,
					platform.FieldID:     cond[platform.FieldID],
					platform.FieldJSCode: built.JS,
				})
				if err != nil {
					return code{}, http.MethodPatch, fmt.Errorf("update segment %s condition %s: %w", owner.segmentID, cond.ID(), err)
				}
				return heldCode(platform.Document(out), platform.FieldJSCode, "", built), http.MethodPatch, nil
			},
		}, nil
	}

	if deployed {
		return plan{}, &deployerrors.InconsistentStateError{
			Path:   snapshot,
			Reason: fmt.Sprintf("JS code condition does not exist in segment %s", owner.segmentID),
		}
	}
	if !seg.Aligned() {
		return plan{}, fmt.Errorf("segment %s: %w", owner.segmentID, deployerrors.ErrSegmentMisaligned)
	}
	return plan{
		view:  View{IsLive: owner.live},
		paths: paths,
		fresh: true,
		push: func(ctx context.Context, built code) (code, string, error) {
			seg.AppendCondition(platform.NewJSCondition(built.JS))
			out, err := p.platform.PatchSegment(ctx, seg)
			if err != nil {
				return code{}, http.MethodPatch, fmt.Errorf("update segment %s: %w", owner.segmentID, err)
			}
			cond, _ := out.FindJSCondition()
			return heldCode(platform.Document(cond), platform.FieldJSCode, "", built), http.MethodPatch, nil
		},
	}, nil
}

// createSegment posts a new segment holding the JS condition and points the owner at it.
func (p *Pipeline) createSegment(ctx context.Context, id resource.Identity, owner ownerResource, built code) (code, string, error) {
	created, err := p.platform.CreateSegment(ctx, platform.NewTargetingSegment(owner.name, owner.siteID, built.JS))
	if err != nil {
		return code{}, http.MethodPost, fmt.Errorf("create segment for %s: %w", id.OwnerLabel(), err)
	}
	_, err = p.patchOwner(ctx, id, platform.Document{
		platform.FieldTargetingSegmentID:     created.ID,
		platform.FieldTargetingConfiguration: platform.SavedTemplate,
	})
	if err != nil {
		return code{}, http.MethodPost, fmt.Errorf("attach segment %s: %w", created.ID, err)
	}
	cond, _ := created.FindJSCondition()
	return heldCode(platform.Document(cond), platform.FieldJSCode, "", built), http.MethodPost, nil
}
