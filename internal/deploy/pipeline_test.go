package deploy

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	deployerrors "experiment-deployer/internal/errors"
	"experiment-deployer/internal/platform"
	"experiment-deployer/internal/platform/platformtest"
	"experiment-deployer/internal/resource"
)

const site = "abc"

type fixture struct {
	srv      *platformtest.Server
	ws       *resource.Workspace
	pipeline *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := platformtest.New()
	t.Cleanup(srv.Close)
	ws := resource.NewWorkspace(resource.NewMemStore(), resource.NewMemStore())
	return &fixture{srv: srv, ws: ws, pipeline: NewPipeline(srv.NewClient(), ws)}
}

func (f *fixture) build(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, f.ws.Built.Write(path, content))
}

func (f *fixture) deploy(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, f.ws.Deployed.Write(path, content))
}

func (f *fixture) snapshot(t *testing.T, path string) (string, bool) {
	t.Helper()
	s, ok, err := f.ws.Deployed.Read(path)
	require.NoError(t, err)
	return s, ok
}

func (f *fixture) run(t *testing.T, id resource.Identity, ov Overrides) UnitResult {
	t.Helper()
	return f.pipeline.Run(context.Background(), Unit{Identity: id, Overrides: ov})
}

func mustID(t *testing.T, kind resource.Kind, owner resource.Owner, ownerID, variationID string) resource.Identity {
	t.Helper()
	id, err := resource.NewIdentity(kind, site, owner, ownerID, variationID)
	require.NoError(t, err)
	return id
}

func variationUnit(t *testing.T) resource.Identity {
	return mustID(t, resource.KindVariation, resource.OwnerExperiment, "100", "3")
}

func TestPipeline_VariationFirstDeploy(t *testing.T) {
	f := newFixture(t)
	f.srv.SetExperiment("100", platform.Document{platform.FieldExperimentStatus: "paused"})
	f.srv.SetVariation("3", platform.Document{platform.FieldJSCode: "", platform.FieldCSSCode: "", "customJson": "{}"})
	f.build(t, "abc/experiments/100/3.js", "console.log(1)")

	res := f.run(t, variationUnit(t), Overrides{})

	require.NoError(t, res.Err)
	assert.Equal(t, StatePersisted, res.State)
	assert.Equal(t, http.MethodPut, res.Method)
	assert.False(t, res.Skipped)

	stored := f.srv.Variation("3")
	assert.Equal(t, "console.log(1)", stored[platform.FieldJSCode])
	assert.Equal(t, "{}", stored["customJson"])

	js, ok := f.snapshot(t, "abc/experiments/100/3.js")
	assert.True(t, ok)
	assert.Equal(t, "console.log(1)", js)
	_, ok = f.snapshot(t, "abc/experiments/100/3.css")
	assert.False(t, ok, "empty platform css leaves no snapshot")
}

func TestPipeline_DriftAborts(t *testing.T) {
	f := newFixture(t)
	f.srv.SetExperiment("100", platform.Document{platform.FieldExperimentStatus: "paused"})
	f.srv.SetVariation("3", platform.Document{platform.FieldJSCode: "edited on platform"})
	f.deploy(t, "abc/experiments/100/3.js", "old")
	f.build(t, "abc/experiments/100/3.js", "new")

	res := f.run(t, variationUnit(t), Overrides{})

	assert.Equal(t, StateAborted, res.State)
	assert.True(t, deployerrors.IsConflict(res.Err))
	assert.Equal(t, f.ws.Deployed.Location("abc/experiments/100/3.js"), res.DivergentPath)
	assert.Empty(t, f.srv.Writes())
	js, _ := f.snapshot(t, "abc/experiments/100/3.js")
	assert.Equal(t, "old", js)
}

func TestPipeline_Overrides(t *testing.T) {
	tests := []struct {
		name      string
		status    string
		remote    string
		ov        Overrides
		wantState State
	}{
		{"drift with force overwrite", "paused", "edited", Overrides{ForceOverwrite: true}, StatePersisted},
		{"drift on live with force live", "active", "edited", Overrides{ForceLive: true}, StatePersisted},
		{"live and same with force overwrite", "active", "old", Overrides{ForceOverwrite: true}, StateAborted},
		{"live and same without overrides", "active", "old", Overrides{}, StatePersisted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.srv.SetExperiment("100", platform.Document{platform.FieldExperimentStatus: tt.status})
			f.srv.SetVariation("3", platform.Document{platform.FieldJSCode: tt.remote})
			f.deploy(t, "abc/experiments/100/3.js", "old")
			f.build(t, "abc/experiments/100/3.js", "new")

			res := f.run(t, variationUnit(t), tt.ov)

			assert.Equal(t, tt.wantState, res.State, "err: %v", res.Err)
			js, _ := f.snapshot(t, "abc/experiments/100/3.js")
			if tt.wantState == StatePersisted {
				assert.Equal(t, "new", js)
				assert.Equal(t, "new", f.srv.Variation("3")[platform.FieldJSCode])
			} else {
				assert.Equal(t, "old", js)
				assert.Empty(t, f.srv.Writes())
			}
		})
	}
}

// codeUnit is one unit kind set up with remote JS code.
type codeUnit struct {
	name     string
	id       func(t *testing.T) resource.Identity
	path     string
	setup    func(f *fixture, remote string)
	pushPath string
}

func codeUnits() []codeUnit {
	return []codeUnit{
		{
			name: "variation",
			id:   variationUnit,
			path: "abc/experiments/100/3.js",
			setup: func(f *fixture, remote string) {
				f.srv.SetExperiment("100", platform.Document{platform.FieldExperimentStatus: "paused"})
				f.srv.SetVariation("3", platform.Document{platform.FieldJSCode: remote})
			},
			pushPath: "/variations/3",
		},
		{
			name: "personalization",
			id: func(t *testing.T) resource.Identity {
				return mustID(t, resource.KindPersonalization, resource.OwnerPersonalization, "7", "2")
			},
			path: "abc/personalizations/7/2.js",
			setup: func(f *fixture, remote string) {
				f.srv.SetPersonalization("7", platform.Document{
					platform.FieldStatus:         "paused",
					platform.FieldJavaScriptCode: remote,
				})
			},
			pushPath: "/personalizations/7",
		},
		{
			name: "common",
			id: func(t *testing.T) resource.Identity {
				return mustID(t, resource.KindCommon, resource.OwnerExperiment, "100", "")
			},
			path: "abc/experiments/100/common.js",
			setup: func(f *fixture, remote string) {
				f.srv.SetExperiment("100", platform.Document{
					platform.FieldExperimentStatus:     "paused",
					platform.FieldCommonJavaScriptCode: remote,
				})
			},
			pushPath: "/experiments/100",
		},
		{
			name: "global",
			id: func(t *testing.T) resource.Identity {
				return mustID(t, resource.KindGlobal, resource.OwnerNone, "", "")
			},
			path: "abc/global/index.js",
			setup: func(f *fixture, remote string) {
				f.srv.AddSite(platform.Document{
					platform.FieldID:             json.Number("8"),
					platform.FieldCode:           site,
					platform.FieldTrackingScript: remote,
				})
			},
			pushPath: "/sites/8",
		},
		{
			name: "targeting",
			id: func(t *testing.T) resource.Identity {
				return mustID(t, resource.KindTargeting, resource.OwnerExperiment, "100", "")
			},
			path: "abc/experiments/100/targeting.js",
			setup: func(f *fixture, remote string) {
				f.srv.SetExperiment("100", platform.Document{platform.FieldTargetingSegmentID: json.Number("55")})
				f.srv.SetSegment(&platform.Segment{
					ID: "55",
					ConditionsData: platform.ConditionsData{
						FirstLevelOrOperators: []bool{false},
						FirstLevel: []platform.ConditionGroup{{
							Conditions:  []platform.Condition{platform.NewJSCondition(remote)},
							OrOperators: []bool{false},
						}},
					},
				})
			},
		},
	}
}

func TestPipeline_DriftPerKind(t *testing.T) {
	for _, u := range codeUnits() {
		t.Run(u.name, func(t *testing.T) {
			f := newFixture(t)
			u.setup(f, "b")
			f.deploy(t, u.path, "a")
			f.build(t, u.path, "c")

			res := f.run(t, u.id(t), Overrides{})

			assert.Equal(t, StateAborted, res.State)
			assert.True(t, deployerrors.IsConflict(res.Err))
			assert.Equal(t, f.ws.Deployed.Location(u.path), res.DivergentPath)
			assert.Empty(t, f.srv.Writes())
			js, _ := f.snapshot(t, u.path)
			assert.Equal(t, "a", js)

			res = f.run(t, u.id(t), Overrides{ForceOverwrite: true})

			require.NoError(t, res.Err)
			assert.Equal(t, StatePersisted, res.State)
			js, _ = f.snapshot(t, u.path)
			assert.Equal(t, "c", js)
		})
	}
}

func TestPipeline_NoDriftPerKind(t *testing.T) {
	for _, u := range codeUnits() {
		t.Run(u.name, func(t *testing.T) {
			f := newFixture(t)
			u.setup(f, "a")
			f.deploy(t, u.path, "a")
			f.build(t, u.path, "c")

			res := f.run(t, u.id(t), Overrides{})

			require.NoError(t, res.Err)
			assert.Equal(t, StatePersisted, res.State)
			assert.False(t, res.Skipped)
			js, _ := f.snapshot(t, u.path)
			assert.Equal(t, "c", js)
		})
	}
}

func TestPipeline_PushWithoutResponseBody(t *testing.T) {
	for _, u := range codeUnits() {
		if u.pushPath == "" {
			continue
		}
		t.Run(u.name, func(t *testing.T) {
			f := newFixture(t)
			u.setup(f, "")
			method := http.MethodPatch
			if u.name == "variation" {
				method = http.MethodPut
			}
			f.srv.NoContent(method, u.pushPath)
			f.build(t, u.path, "console.log(1)")

			res := f.run(t, u.id(t), Overrides{})

			require.NoError(t, res.Err)
			assert.Equal(t, StatePersisted, res.State)
			js, ok := f.snapshot(t, u.path)
			assert.True(t, ok)
			assert.Equal(t, "console.log(1)", js)

			res = f.run(t, u.id(t), Overrides{})

			require.NoError(t, res.Err)
			assert.True(t, res.Skipped)
			assert.Len(t, f.srv.Writes(), 1)
		})
	}
}

func TestPipeline_PushWithoutResponseBodyKeepsUnsentSnapshot(t *testing.T) {
	f := newFixture(t)
	f.srv.SetPersonalization("7", platform.Document{
		platform.FieldStatus:         "paused",
		platform.FieldCSSCode:        "a{}",
		platform.FieldJavaScriptCode: "old();",
	})
	f.srv.NoContent(http.MethodPatch, "/personalizations/7")
	f.deploy(t, "abc/personalizations/7/2.css", "a{}")
	f.deploy(t, "abc/personalizations/7/2.js", "old();")
	f.build(t, "abc/personalizations/7/2.js", "new();")

	res := f.run(t, mustID(t, resource.KindPersonalization, resource.OwnerPersonalization, "7", "2"), Overrides{})

	require.NoError(t, res.Err)
	css, ok := f.snapshot(t, "abc/personalizations/7/2.css")
	assert.True(t, ok)
	assert.Equal(t, "a{}", css)
	js, _ := f.snapshot(t, "abc/personalizations/7/2.js")
	assert.Equal(t, "new();", js)
}

func TestPipeline_UnchangedIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.srv.SetExperiment("100", platform.Document{platform.FieldExperimentStatus: "active"})
	f.srv.SetVariation("3", platform.Document{platform.FieldJSCode: "same();", platform.FieldCSSCode: "a{}"})
	f.deploy(t, "abc/experiments/100/3.js", "same();\n")
	f.deploy(t, "abc/experiments/100/3.css", "a{}")
	f.build(t, "abc/experiments/100/3.js", "same();")
	f.build(t, "abc/experiments/100/3.css", "a{}")

	res := f.run(t, variationUnit(t), Overrides{})

	require.NoError(t, res.Err)
	assert.Equal(t, StatePersisted, res.State)
	assert.True(t, res.Skipped)
	assert.Empty(t, res.Method)
	assert.Empty(t, f.srv.Writes())
}

func TestPipeline_MissingBuiltArtifact(t *testing.T) {
	f := newFixture(t)
	f.srv.SetExperiment("100", platform.Document{})
	f.srv.SetVariation("3", platform.Document{})
	f.build(t, "abc/experiments/100/5.js", "other")

	res := f.run(t, variationUnit(t), Overrides{})

	assert.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, deployerrors.ErrMissingBuiltArtifact)
	assert.Equal(t, deployerrors.KindPrecondition, res.ErrorKind())
	assert.Empty(t, f.srv.Writes())
}

func TestPipeline_PushFailureKeepsSnapshot(t *testing.T) {
	f := newFixture(t)
	f.srv.SetExperiment("100", platform.Document{})
	f.srv.SetVariation("3", platform.Document{platform.FieldJSCode: "old"})
	f.srv.Fail(http.MethodPut, "/variations/3", http.StatusInternalServerError)
	f.deploy(t, "abc/experiments/100/3.js", "old")
	f.build(t, "abc/experiments/100/3.js", "new")

	res := f.run(t, variationUnit(t), Overrides{})

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, deployerrors.KindHTTP, res.ErrorKind())
	assert.Equal(t, http.MethodPut, res.Method)
	js, _ := f.snapshot(t, "abc/experiments/100/3.js")
	assert.Equal(t, "old", js)
}

func TestPipeline_FetchFailure(t *testing.T) {
	f := newFixture(t)
	f.build(t, "abc/experiments/100/3.js", "new")

	res := f.run(t, variationUnit(t), Overrides{})

	assert.Equal(t, StateFailed, res.State)
	var herr *deployerrors.HTTPError
	require.ErrorAs(t, res.Err, &herr)
	assert.Equal(t, http.StatusNotFound, herr.StatusCode)
}

func TestPipeline_Personalization(t *testing.T) {
	f := newFixture(t)
	f.srv.SetPersonalization("7", platform.Document{
		platform.FieldStatus:         "paused",
		platform.FieldCSSCode:        "old{}",
		platform.FieldJavaScriptCode: "old();",
	})
	f.deploy(t, "abc/personalizations/7/2.css", "old{}")
	f.deploy(t, "abc/personalizations/7/2.js", "old();")
	f.build(t, "abc/personalizations/7/2.css", "new{}")
	f.build(t, "abc/personalizations/7/2.js", "new();")

	res := f.run(t, mustID(t, resource.KindPersonalization, resource.OwnerPersonalization, "7", "2"), Overrides{})

	require.NoError(t, res.Err)
	assert.Equal(t, http.MethodPatch, res.Method)
	doc := f.srv.Personalization("7")
	assert.Equal(t, "new{}", doc[platform.FieldCSSCode])
	assert.Equal(t, "new();", doc[platform.FieldJavaScriptCode])

	writes := f.srv.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "/personalizations/7", writes[0].Path)
	assert.NotContains(t, writes[0].Body, platform.FieldStatus)
}

func TestPipeline_CommonOnlyCSS(t *testing.T) {
	f := newFixture(t)
	f.srv.SetExperiment("100", platform.Document{
		platform.FieldCommonCSSCode:        "",
		platform.FieldCommonJavaScriptCode: "",
	})
	f.build(t, "abc/experiments/100/common.css", "body{}")

	res := f.run(t, mustID(t, resource.KindCommon, resource.OwnerExperiment, "100", ""), Overrides{})

	require.NoError(t, res.Err)
	assert.Equal(t, "body{}", f.srv.Experiment("100")[platform.FieldCommonCSSCode])

	writes := f.srv.Writes()
	require.Len(t, writes, 1)
	assert.NotContains(t, writes[0].Body, platform.FieldCommonJavaScriptCode)

	css, ok := f.snapshot(t, "abc/experiments/100/common.css")
	assert.True(t, ok)
	assert.Equal(t, "body{}", css)
	_, ok = f.snapshot(t, "abc/experiments/100/common.js")
	assert.False(t, ok)
}

func TestPipeline_Global(t *testing.T) {
	f := newFixture(t)
	f.srv.AddSite(platform.Document{platform.FieldID: json.Number("7"), platform.FieldCode: "other"})
	f.srv.AddSite(platform.Document{platform.FieldID: json.Number("8"), platform.FieldCode: site, platform.FieldTrackingScript: ""})
	f.build(t, "abc/global/index.js", "track();")

	res := f.run(t, mustID(t, resource.KindGlobal, resource.OwnerNone, "", ""), Overrides{})

	require.NoError(t, res.Err)
	assert.Equal(t, "track();", f.srv.Site(site)[platform.FieldTrackingScript])
	writes := f.srv.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, http.MethodPatch, writes[0].Method)
	assert.Equal(t, "/sites/8", writes[0].Path)

	js, _ := f.snapshot(t, "abc/global/index.js")
	assert.Equal(t, "track();", js)
}

func TestPipeline_GlobalUnknownSite(t *testing.T) {
	f := newFixture(t)
	f.build(t, "abc/global/index.js", "track();")

	res := f.run(t, mustID(t, resource.KindGlobal, resource.OwnerNone, "", ""), Overrides{})

	assert.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, ErrUnknownSite)
}

func TestPipeline_TargetingCreatesSegment(t *testing.T) {
	f := newFixture(t)
	f.srv.SetExperiment("100", platform.Document{platform.FieldName: "Hero test", platform.FieldSiteID: json.Number("8")})
	f.build(t, "abc/experiments/100/targeting.js", "return true;")

	res := f.run(t, mustID(t, resource.KindTargeting, resource.OwnerExperiment, "100", ""), Overrides{})

	require.NoError(t, res.Err)
	assert.Equal(t, http.MethodPost, res.Method)
	assert.Equal(t, 1, f.srv.SegmentCount())

	exp := platform.Experiment(f.srv.Experiment("100"))
	segID := exp.TargetingSegmentID()
	require.NotEmpty(t, segID)
	assert.Equal(t, platform.SavedTemplate, exp[platform.FieldTargetingConfiguration])

	seg := f.srv.Segment(segID)
	require.NotNil(t, seg)
	assert.Equal(t, "Hero test", seg.Name)
	cond, ok := seg.FindJSCondition()
	require.True(t, ok)
	assert.Equal(t, "return true;", cond.JS())

	js, _ := f.snapshot(t, "abc/experiments/100/targeting.js")
	assert.Equal(t, "return true;", js)
}

func TestPipeline_TargetingPatchesCondition(t *testing.T) {
	f := newFixture(t)
	f.srv.SetExperiment("100", platform.Document{platform.FieldTargetingSegmentID: json.Number("55")})
	f.srv.SetSegment(&platform.Segment{
		ID: "55",
		ConditionsData: platform.ConditionsData{
			FirstLevelOrOperators: []bool{false},
			FirstLevel: []platform.ConditionGroup{{
				Conditions: []platform.Condition{
					{"targetingType": "BROWSER"},
					{"targetingType": platform.TargetingJSCode, platform.FieldJSCode: "return 1;"},
				},
				OrOperators: []bool{false, false},
			}},
		},
	})
	f.deploy(t, "abc/experiments/100/targeting.js", "return 1;")
	f.build(t, "abc/experiments/100/targeting.js", "return 2;")

	res := f.run(t, mustID(t, resource.KindTargeting, resource.OwnerExperiment, "100", ""), Overrides{})

	require.NoError(t, res.Err)
	cond, ok := f.srv.Segment("55").FindJSCondition()
	require.True(t, ok)
	assert.Equal(t, "return 2;", cond.JS())

	writes := f.srv.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "/segments/55/conditions/"+cond.ID(), writes[0].Path)
}

func TestPipeline_TargetingConditionDrift(t *testing.T) {
	f := newFixture(t)
	f.srv.SetExperiment("100", platform.Document{platform.FieldTargetingSegmentID: json.Number("55")})
	f.srv.SetSegment(&platform.Segment{
		ID: "55",
		ConditionsData: platform.ConditionsData{
			FirstLevelOrOperators: []bool{false},
			FirstLevel: []platform.ConditionGroup{{
				Conditions:  []platform.Condition{platform.NewJSCondition("return edited;")},
				OrOperators: []bool{false},
			}},
		},
	})
	f.deploy(t, "abc/experiments/100/targeting.js", "return 1;")
	f.build(t, "abc/experiments/100/targeting.js", "return 2;")

	res := f.run(t, mustID(t, resource.KindTargeting, resource.OwnerExperiment, "100", ""), Overrides{})

	assert.Equal(t, StateAborted, res.State)
	assert.True(t, deployerrors.IsConflict(res.Err))
}

func TestPipeline_TargetingAppendsCondition(t *testing.T) {
	f := newFixture(t)
	f.srv.SetExperiment("100", platform.Document{platform.FieldTargetingSegmentID: json.Number("55")})
	f.srv.SetSegment(&platform.Segment{
		ID: "55",
		ConditionsData: platform.ConditionsData{
			FirstLevelOrOperators: []bool{false},
			FirstLevel: []platform.ConditionGroup{{
				Conditions:  []platform.Condition{{"targetingType": "BROWSER"}},
				OrOperators: []bool{true},
			}},
		},
	})
	f.build(t, "abc/experiments/100/targeting.js", "return 3;")

	res := f.run(t, mustID(t, resource.KindTargeting, resource.OwnerExperiment, "100", ""), Overrides{})

	require.NoError(t, res.Err)
	seg := f.srv.Segment("55")
	assert.True(t, seg.Aligned())
	g := seg.ConditionsData.FirstLevel[0]
	assert.Len(t, g.Conditions, 2)
	assert.Equal(t, []bool{true, false}, g.OrOperators)

	js, _ := f.snapshot(t, "abc/experiments/100/targeting.js")
	assert.Equal(t, "return 3;", js)
}

func TestPipeline_TargetingInconsistentState(t *testing.T) {
	tests := []struct {
		name    string
		exp     platform.Document
		segment *platform.Segment
	}{
		{"segment removed from owner", platform.Document{}, nil},
		{
			name:    "condition removed from segment",
			exp:     platform.Document{platform.FieldTargetingSegmentID: json.Number("55")},
			segment: &platform.Segment{ID: "55"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.srv.SetExperiment("100", tt.exp)
			if tt.segment != nil {
				f.srv.SetSegment(tt.segment)
			}
			f.deploy(t, "abc/experiments/100/targeting.js", "return 1;")
			f.build(t, "abc/experiments/100/targeting.js", "return 2;")

			res := f.run(t, mustID(t, resource.KindTargeting, resource.OwnerExperiment, "100", ""), Overrides{ForceOverwrite: true})

			assert.Equal(t, StateFailed, res.State)
			assert.Equal(t, deployerrors.KindInconsistentState, res.ErrorKind())
			assert.Empty(t, f.srv.Writes())
		})
	}
}

func TestUnitResult_MarshalJSON(t *testing.T) {
	res := UnitResult{
		Identity: mustID(t, resource.KindCommon, resource.OwnerPersonalization, "7", ""),
		State:    StateAborted,
		Err:      &deployerrors.ConflictError{Reason: reasonLive, Resource: "personalization 7", Live: true},
	}

	b, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"unit": "common of personalization 7",
		"kind": "common",
		"site": "abc",
		"state": "aborted",
		"errorKind": "conflict",
		"error": "resource is live: personalization 7",
		"durationMs": 0
	}`, string(b))
}
