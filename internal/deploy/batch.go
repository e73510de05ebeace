package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	deployerrors "experiment-deployer/internal/errors"
	"experiment-deployer/internal/resource"
)

var (
	ErrInvalidRequest  = errors.New("invalid deployment request")
	ErrNothingToDeploy = errors.New("no deployable build output")
)

// Request is one deployment invocation as the operator states it.
type Request struct {
	SiteCode          string `json:"siteCode"`
	CustomerID        string `json:"customerId,omitempty"`
	ExperimentID      string `json:"experimentId,omitempty"`
	PersonalizationID string `json:"personalizationId,omitempty"`
	VariationID       string `json:"variationId,omitempty"`
	Global            bool   `json:"global,omitempty"`
	Common            bool   `json:"common,omitempty"`
	Targeting         bool   `json:"targeting,omitempty"`
	ForceOverwrite    bool   `json:"forceOverwrite,omitempty"`
	ForceLive         bool   `json:"forceLive,omitempty"`
}

func (r Request) Validate() error {
	if r.SiteCode == "" {
		return fmt.Errorf("%w: site code is required", ErrInvalidRequest)
	}
	flags := 0
	for _, set := range []bool{r.Global, r.Common, r.Targeting} {
		if set {
			flags++
		}
	}
	if flags > 1 {
		return fmt.Errorf("%w: global, common and targeting are mutually exclusive", ErrInvalidRequest)
	}
	if r.Global {
		return nil
	}
	switch {
	case r.ExperimentID != "" && r.PersonalizationID != "":
		return fmt.Errorf("%w: experiment and personalization are mutually exclusive", ErrInvalidRequest)
	case r.ExperimentID == "" && r.PersonalizationID == "":
		return fmt.Errorf("%w: an experiment or personalization id is required", ErrInvalidRequest)
	}
	return nil
}

func (r Request) Overrides() Overrides {
	return Overrides{ForceOverwrite: r.ForceOverwrite, ForceLive: r.ForceLive}
}

func (r Request) owner() (resource.Owner, string) {
	if r.PersonalizationID != "" {
		return resource.OwnerPersonalization, r.PersonalizationID
	}
	return resource.OwnerExperiment, r.ExperimentID
}

// Report collects the unit results of one batch.
type Report struct {
	RunID     string        `json:"runId"`
	Request   Request       `json:"request"`
	Results   []UnitResult  `json:"results"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

func (r Report) Count(s State) int {
	n := 0
	for _, res := range r.Results {
		if res.State == s {
			n++
		}
	}
	return n
}

func (r Report) Aborted() bool { return r.Count(StateAborted) > 0 }
func (r Report) Failed() bool  { return r.Count(StateFailed) > 0 }

// Err joins the errors of every unit that did not persist.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Identity, res.Err))
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps a durable journal of unit results.
type Recorder interface {
	Record(ctx context.Context, runID string, res UnitResult) error
}

type BatchOption func(*Batch)

func WithRecorder(r Recorder) BatchOption {
	return func(b *Batch) { b.recorder = r }
}

// Batch expands a request into units and runs them concurrently.
type Batch struct {
	pipeline *Pipeline
	ws       *resource.Workspace
	recorder Recorder
}

func NewBatch(p Platform, ws *resource.Workspace, opts ...BatchOption) *Batch {
	b := &Batch{pipeline: NewPipeline(p, ws), ws: ws}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Plan expands a request into units. Precedence: global, common, a
// personalization with an explicit variation, targeting, a single
// variation, then everything built for the owner.
func (b *Batch) Plan(req Request) ([]Unit, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ov := req.Overrides()
	site := req.SiteCode

	one := func(kind resource.Kind, owner resource.Owner, ownerID, variationID string) ([]Unit, error) {
		id, err := resource.NewIdentity(kind, site, owner, ownerID, variationID)
		if err != nil {
			return nil, err
		}
		return []Unit{{Identity: id, Overrides: ov}}, nil
	}

	if req.Global {
		return one(resource.KindGlobal, resource.OwnerNone, "", "")
	}
	owner, ownerID := req.owner()
	switch {
	case req.Common:
		return one(resource.KindCommon, owner, ownerID, "")
	case owner == resource.OwnerPersonalization && req.VariationID != "":
		return one(resource.KindPersonalization, owner, ownerID, req.VariationID)
	case req.Targeting:
		return one(resource.KindTargeting, owner, ownerID, "")
	case req.VariationID != "":
		return one(resource.KindVariation, owner, ownerID, req.VariationID)
	}

	built, err := b.ws.ListUnits(site, owner, ownerID)
	if err != nil {
		return nil, err
	}

	var units []Unit
	add := func(kind resource.Kind, variationID string) error {
		u, err := one(kind, owner, ownerID, variationID)
		if err != nil {
			return err
		}
		units = append(units, u...)
		return nil
	}

	if owner == resource.OwnerPersonalization {
		// A personalization has a single code slot; its first built variation fills it.
		if len(built.VariationIDs) > 0 {
			if err := add(resource.KindPersonalization, built.VariationIDs[0]); err != nil {
				return nil, err
			}
		}
	} else {
		for _, v := range built.VariationIDs {
			if err := add(resource.KindVariation, v); err != nil {
				return nil, err
			}
		}
	}
	if built.Common {
		if err := add(resource.KindCommon, ""); err != nil {
			return nil, err
		}
	}
	if built.Targeting {
		if err := add(resource.KindTargeting, ""); err != nil {
			return nil, err
		}
	}

	if len(units) == 0 {
		dir := b.ws.Built.Join(site, owner.Dir(), ownerID)
		return nil, &deployerrors.PreconditionError{Path: b.ws.Built.Location(dir), Err: ErrNothingToDeploy}
	}
	return units, nil
}

// Run plans the request and runs every unit concurrently. Units are
// independent: a failure or abort never cancels the others. The returned
// error is set only when planning fails.
func (b *Batch) Run(ctx context.Context, req Request) (Report, error) {
	report := Report{
		RunID:     uuid.NewString(),
		Request:   req,
		StartedAt: time.Now(),
	}
	units, err := b.Plan(req)
	if err != nil {
		return report, err
	}

	log.Info().Str("run_id", report.RunID).Str("site", req.SiteCode).Int("units", len(units)).Msg("deployment started")

	report.Results = make([]UnitResult, len(units))
	var wg sync.WaitGroup
	for i, u := range units {
		wg.Add(1)
		go func(i int, u Unit) {
			defer wg.Done()
			res := b.pipeline.Run(ctx, u)
			report.Results[i] = res
			if b.recorder != nil {
				if err := b.recorder.Record(ctx, report.RunID, res); err != nil {
					log.Warn().Err(err).Str("run_id", report.RunID).Str("unit", u.Identity.String()).Msg("failed to record unit result")
				}
			}
		}(i, u)
	}
	wg.Wait()
	report.Duration = time.Since(report.StartedAt)

	log.Info().
		Str("run_id", report.RunID).
		Int("persisted", report.Count(StatePersisted)).
		Int("aborted", report.Count(StateAborted)).
		Int("failed", report.Count(StateFailed)).
		Dur("took", report.Duration).
		Msg("deployment finished")
	return report, nil
}
