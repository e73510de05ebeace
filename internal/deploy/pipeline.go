package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	deployerrors "experiment-deployer/internal/errors"
	"experiment-deployer/internal/observability"
	"experiment-deployer/internal/platform"
	"experiment-deployer/internal/resource"
)

var ErrUnknownSite = errors.New("site not found on platform")

// Platform is the part of the platform API the pipelines call.
type Platform interface {
	GetExperiment(ctx context.Context, id string) (platform.Experiment, error)
	PatchExperiment(ctx context.Context, id string, fields platform.Document) (platform.Experiment, error)
	GetPersonalization(ctx context.Context, id string) (platform.Personalization, error)
	PatchPersonalization(ctx context.Context, id string, fields platform.Document) (platform.Personalization, error)
	GetVariation(ctx context.Context, id string) (platform.Variation, error)
	PutVariation(ctx context.Context, id string, v platform.Variation) (platform.Variation, error)
	ListSites(ctx context.Context) ([]platform.Site, error)
	PatchSite(ctx context.Context, id string, fields platform.Document) (platform.Site, error)
	GetSegment(ctx context.Context, id string) (*platform.Segment, error)
	CreateSegment(ctx context.Context, s *platform.Segment) (*platform.Segment, error)
	PatchSegment(ctx context.Context, s *platform.Segment) (*platform.Segment, error)
	PatchSegmentCondition(ctx context.Context, segmentID, conditionID string, cond platform.Condition) (platform.Condition, error)
}

// Unit is one planned deployment.
type Unit struct {
	Identity  resource.Identity
	Overrides Overrides
}

// UnitResult is the outcome of one unit pipeline.
type UnitResult struct {
	Identity      resource.Identity
	State         State
	Err           error
	Method        string
	Skipped       bool
	DivergentPath string
	Duration      time.Duration
}

func (r UnitResult) ErrorKind() deployerrors.Kind {
	if r.Err == nil {
		return ""
	}
	return deployerrors.KindOf(r.Err)
}

func (r UnitResult) MarshalJSON() ([]byte, error) {
	out := struct {
		Unit          string            `json:"unit"`
		Kind          string            `json:"kind"`
		Site          string            `json:"site"`
		State         State             `json:"state"`
		Method        string            `json:"method,omitempty"`
		Skipped       bool              `json:"skipped,omitempty"`
		DivergentPath string            `json:"divergentPath,omitempty"`
		ErrorKind     deployerrors.Kind `json:"errorKind,omitempty"`
		Error         string            `json:"error,omitempty"`
		DurationMS    int64             `json:"durationMs"`
	}{
		Unit:          r.Identity.String(),
		Kind:          r.Identity.Kind().String(),
		Site:          r.Identity.SiteCode(),
		State:         r.State,
		Method:        r.Method,
		Skipped:       r.Skipped,
		DivergentPath: r.DivergentPath,
		ErrorKind:     r.ErrorKind(),
		DurationMS:    r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// code is the JS and CSS of one unit. For build output the Has flags tell a
// file that exists but is empty from one that does not exist; for what the
// platform holds after a push they tell whether the field is known.
type code struct {
	JS     string
	CSS    string
	HasJS  bool
	HasCSS bool
}

// plan is the kind-specific half of a unit: what the platform holds and how to replace it.
type plan struct {
	view  View
	paths resource.Paths

	// fresh is set when nothing exists on the platform yet, so there is no drift to detect.
	fresh bool

	// push sends the build and returns what the platform holds afterwards.
	push func(ctx context.Context, built code) (code, string, error)
}

// Pipeline runs deployment units against one platform client and workspace.
type Pipeline struct {
	platform Platform
	ws       *resource.Workspace
}

func NewPipeline(p Platform, ws *resource.Workspace) *Pipeline {
	return &Pipeline{platform: p, ws: ws}
}

// Run drives one unit to a terminal state. It never panics on platform or
// filesystem failures; they end the unit in Failed with a typed error.
func (p *Pipeline) Run(ctx context.Context, u Unit) UnitResult {
	start := time.Now()
	observability.UnitsInFlight.Inc()
	defer observability.UnitsInFlight.Dec()

	res := p.run(ctx, u)
	res.Duration = time.Since(start)

	kind := u.Identity.Kind().String()
	observability.UnitsTotal.WithLabelValues(kind, res.State.String()).Inc()
	observability.UnitDuration.WithLabelValues(kind).Observe(res.Duration.Seconds())
	if res.Err != nil {
		observability.UnitErrors.WithLabelValues(string(res.ErrorKind())).Inc()
	}
	logResult(res)
	return res
}

func (p *Pipeline) run(ctx context.Context, u Unit) UnitResult {
	res := UnitResult{Identity: u.Identity, State: StatePending}
	fail := func(err error) UnitResult {
		res.State = StateFailed
		res.Err = err
		return res
	}
	step := func(to State) error { return transition(&res.State, to) }

	pl, err := p.prepare(ctx, u.Identity)
	if err != nil {
		return fail(err)
	}
	if err := step(StateFetched); err != nil {
		return fail(err)
	}

	cmp := Comparison{IsSame: true, IsLive: pl.view.IsLive}
	if !pl.fresh {
		cmp, err = DetectDrift(pl.view, pl.paths, p.ws.Deployed)
		if err != nil {
			return fail(err)
		}
	}
	if err := step(StateCompared); err != nil {
		return fail(err)
	}
	res.DivergentPath = cmp.DivergentPath
	if cmp.Diff != "" {
		log.Warn().Str("unit", u.Identity.String()).Msg("platform code differs from last deployment:\n" + cmp.Diff)
	}

	if !pl.fresh {
		if err := Authorize(cmp, u.Overrides, subject(u.Identity)); err != nil {
			res.Err = err
			if serr := step(StateAborted); serr != nil {
				return fail(serr)
			}
			return res
		}
	}
	if err := step(StateAuthorized); err != nil {
		return fail(err)
	}

	built, err := p.readBuilt(pl.paths)
	if err != nil {
		return fail(err)
	}

	if !pl.fresh && cmp.IsSame {
		unchanged, err := p.unchanged(pl.paths, built)
		if err != nil {
			return fail(err)
		}
		if unchanged {
			res.Skipped = true
			if err := step(StatePersisted); err != nil {
				return fail(err)
			}
			return res
		}
	}

	held, method, err := pl.push(ctx, built)
	res.Method = method
	if err != nil {
		return fail(err)
	}
	if err := step(StatePushed); err != nil {
		return fail(err)
	}

	if err := p.persist(pl.paths, held); err != nil {
		return fail(err)
	}
	if err := step(StatePersisted); err != nil {
		return fail(err)
	}
	return res
}

// subject names the resource a guard refusal is about.
func subject(id resource.Identity) string {
	if id.Kind() == resource.KindVariation {
		return id.String()
	}
	return id.OwnerLabel()
}

func (p *Pipeline) prepare(ctx context.Context, id resource.Identity) (plan, error) {
	switch id.Kind() {
	case resource.KindVariation:
		return p.prepareVariation(ctx, id)
	case resource.KindPersonalization:
		return p.preparePersonalization(ctx, id)
	case resource.KindCommon:
		return p.prepareCommon(ctx, id)
	case resource.KindTargeting:
		return p.prepareTargeting(ctx, id)
	case resource.KindGlobal:
		return p.prepareGlobal(ctx, id)
	default:
		return plan{}, fmt.Errorf("%w: %s", resource.ErrInvalidIdentity, id.Kind())
	}
}

func (p *Pipeline) prepareVariation(ctx context.Context, id resource.Identity) (plan, error) {
	exp, err := p.platform.GetExperiment(ctx, id.OwnerID())
	if err != nil {
		return plan{}, fmt.Errorf("fetch experiment %s: %w", id.OwnerID(), err)
	}
	v, err := p.platform.GetVariation(ctx, id.VariationID())
	if err != nil {
		return plan{}, fmt.Errorf("fetch variation %s: %w", id.VariationID(), err)
	}
	paths, err := p.ws.Resolve(id)
	if err != nil {
		return plan{}, err
	}

	return plan{
		view:  variationView(exp, v),
		paths: paths,
		push: func(ctx context.Context, built code) (code, string, error) {
			body := make(platform.Variation, len(v))
			for k, val := range v {
				body[k] = val
			}
			if built.HasJS {
				body[platform.FieldJSCode] = built.JS
			}
			if built.HasCSS {
				body[platform.FieldCSSCode] = built.CSS
			}
			out, err := p.platform.PutVariation(ctx, id.VariationID(), body)
			if err != nil {
				return code{}, http.MethodPut, fmt.Errorf("update variation %s: %w", id.VariationID(), err)
			}
			return heldCode(platform.Document(out), platform.FieldJSCode, platform.FieldCSSCode, built), http.MethodPut, nil
		},
	}, nil
}

func (p *Pipeline) preparePersonalization(ctx context.Context, id resource.Identity) (plan, error) {
	pers, err := p.platform.GetPersonalization(ctx, id.OwnerID())
	if err != nil {
		return plan{}, fmt.Errorf("fetch personalization %s: %w", id.OwnerID(), err)
	}
	paths, err := p.ws.Resolve(id)
	if err != nil {
		return plan{}, err
	}

	return plan{
		view:  personalizationView(pers),
		paths: paths,
		push: func(ctx context.Context, built code) (code, string, error) {
			fields := platform.Document{}
			if built.HasJS {
				fields[platform.FieldJavaScriptCode] = built.JS
			}
			if built.HasCSS {
				fields[platform.FieldCSSCode] = built.CSS
			}
			out, err := p.platform.PatchPersonalization(ctx, id.OwnerID(), fields)
			if err != nil {
				return code{}, http.MethodPatch, fmt.Errorf("update personalization %s: %w", id.OwnerID(), err)
			}
			return heldCode(platform.Document(out), platform.FieldJavaScriptCode, platform.FieldCSSCode, built), http.MethodPatch, nil
		},
	}, nil
}

func (p *Pipeline) prepareCommon(ctx context.Context, id resource.Identity) (plan, error) {
	owner, err := p.fetchOwner(ctx, id)
	if err != nil {
		return plan{}, err
	}
	paths, err := p.ws.Resolve(id)
	if err != nil {
		return plan{}, err
	}

	return plan{
		view:  commonView(owner),
		paths: paths,
		push: func(ctx context.Context, built code) (code, string, error) {
			fields := platform.Document{}
			if built.HasJS {
				fields[platform.FieldCommonJavaScriptCode] = built.JS
			}
			if built.HasCSS {
				fields[platform.FieldCommonCSSCode] = built.CSS
			}
			out, err := p.patchOwner(ctx, id, fields)
			if err != nil {
				return code{}, http.MethodPatch, err
			}
			return heldCode(out, platform.FieldCommonJavaScriptCode, platform.FieldCommonCSSCode, built), http.MethodPatch, nil
		},
	}, nil
}

func (p *Pipeline) prepareGlobal(ctx context.Context, id resource.Identity) (plan, error) {
	sites, err := p.platform.ListSites(ctx)
	if err != nil {
		return plan{}, fmt.Errorf("list sites: %w", err)
	}
	var site platform.Site
	for _, s := range sites {
		if s.Code() == id.SiteCode() {
			site = s
			break
		}
	}
	if site == nil {
		return plan{}, fmt.Errorf("%w: %s", ErrUnknownSite, id.SiteCode())
	}
	paths, err := p.ws.Resolve(id)
	if err != nil {
		return plan{}, err
	}

	return plan{
		view:  globalView(site),
		paths: paths,
		push: func(ctx context.Context, built code) (code, string, error) {
			out, err := p.platform.PatchSite(ctx, site.ID(), platform.Document{
				platform.FieldTrackingScript: built.JS,
			})
			if err != nil {
				return code{}, http.MethodPatch, fmt.Errorf("update site %s: %w", id.SiteCode(), err)
			}
			return heldCode(platform.Document(out), platform.FieldTrackingScript, "", built), http.MethodPatch, nil
		},
	}, nil
}

// readBuilt loads the build output. At least one file must exist; units
// without a CSS path need the JS file.
func (p *Pipeline) readBuilt(paths resource.Paths) (code, error) {
	var c code
	var err error
	c.JS, c.HasJS, err = p.ws.Built.Read(paths.BuiltJS)
	if err != nil {
		return code{}, err
	}
	if paths.HasCSS() {
		c.CSS, c.HasCSS, err = p.ws.Built.Read(paths.BuiltCSS)
		if err != nil {
			return code{}, err
		}
	}
	if !c.HasJS && !c.HasCSS {
		return code{}, deployerrors.NewMissingBuiltArtifact(p.ws.Built.Location(paths.BuiltJS))
	}
	return c, nil
}

// unchanged reports whether every built file already matches its snapshot,
// in which case the push would be a no-op.
func (p *Pipeline) unchanged(paths resource.Paths, built code) (bool, error) {
	check := func(path, content string, present bool) (bool, error) {
		if !present {
			return true, nil
		}
		snap, ok, err := p.ws.Deployed.Read(path)
		if err != nil {
			return false, err
		}
		return ok && resource.Same(snap, content), nil
	}

	same, err := check(paths.DeployedJS, built.JS, built.HasJS)
	if err != nil || !same {
		return false, err
	}
	if !paths.HasCSS() {
		return true, nil
	}
	return check(paths.DeployedCSS, built.CSS, built.HasCSS)
}

// heldCode reads what the platform holds after a push from its response.
// A field the response leaves out is taken from what was sent. An empty
// cssKey means the unit has no CSS.
func heldCode(resp platform.Document, jsKey, cssKey string, sent code) code {
	var held code
	held.JS, held.HasJS = heldField(resp, jsKey, sent.JS, sent.HasJS)
	if cssKey != "" {
		held.CSS, held.HasCSS = heldField(resp, cssKey, sent.CSS, sent.HasCSS)
	}
	return held
}

func heldField(resp platform.Document, key, sent string, wasSent bool) (string, bool) {
	if v, ok := resp[key]; ok {
		s, _ := v.(string)
		return s, true
	}
	return sent, wasSent
}

// persist writes the code the platform holds as the new snapshot. A field
// reported empty leaves no snapshot file; an unknown field is left alone.
func (p *Pipeline) persist(paths resource.Paths, held code) error {
	write := func(path, content string, known bool) error {
		switch {
		case !known:
			return nil
		case content == "":
			return p.ws.Deployed.Remove(path)
		default:
			return p.ws.Deployed.Write(path, content)
		}
	}
	if err := write(paths.DeployedJS, held.JS, held.HasJS); err != nil {
		return err
	}
	if paths.HasCSS() {
		return write(paths.DeployedCSS, held.CSS, held.HasCSS)
	}
	return nil
}

func logResult(res UnitResult) {
	l := log.With().
		Str("unit", res.Identity.String()).
		Str("kind", res.Identity.Kind().String()).
		Str("site", res.Identity.SiteCode()).
		Str("state", res.State.String()).
		Dur("took", res.Duration).
		Logger()

	switch {
	case res.State == StateFailed:
		l.Error().Err(res.Err).Str("error_kind", string(res.ErrorKind())).Msg("deployment failed")
	case res.State == StateAborted:
		l.Warn().Err(res.Err).Msg("deployment aborted")
	case res.Skipped:
		l.Info().Msg("already up to date")
	default:
		l.Info().Str("method", res.Method).Msg("deployed")
	}
}
