package platform

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Platform field names. Each resource kind stores its code under different keys.
const (
	FieldID                     = "id"
	FieldName                   = "name"
	FieldSiteID                 = "siteId"
	FieldCode                   = "code"
	FieldStatus                 = "status"
	FieldExperimentStatus       = "experimentStatus"
	FieldJSCode                 = "jsCode"
	FieldCSSCode                = "cssCode"
	FieldJavaScriptCode         = "javaScriptCode"
	FieldCommonCSSCode          = "commonCssCode"
	FieldCommonJavaScriptCode   = "commonJavaScriptCode"
	FieldTrackingScript         = "trackingScript"
	FieldTargetingSegmentID     = "targetingSegmentId"
	FieldTargetingConfiguration = "targetingConfiguration"
)

const (
	LiveStatus       = "active"
	TargetingJSCode  = "JS_CODE"
	AppliedImmediate = "IMMEDIATE"
	SavedTemplate    = "SAVED_TEMPLATE"
)

// Document is a platform resource kept in wire form, so that a whole-resource
// PUT sends back every field, including the ones this engine never reads.
// Numbers are decoded as json.Number.
type Document map[string]any

// String returns the string value of key, or "" when absent or not a string.
func (d Document) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// ID returns the value of key as a string, whatever its JSON type.
func (d Document) ID(key string) string {
	switch v := d[key].(type) {
	case json.Number:
		return v.String()
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

func isLive(status string) bool {
	return strings.EqualFold(status, LiveStatus)
}

// Experiment owns variations, common code and a targeting segment.
type Experiment Document

func (e Experiment) ID() string { return Document(e).ID(FieldID) }
func (e Experiment) Name() string { return Document(e).String(FieldName) }
func (e Experiment) SiteID() any { return e[FieldSiteID] }
func (e Experiment) IsLive() bool { return isLive(Document(e).String(FieldExperimentStatus)) }
func (e Experiment) CommonCSS() string { return Document(e).String(FieldCommonCSSCode) }
func (e Experiment) CommonJS() string { return Document(e).String(FieldCommonJavaScriptCode) }
func (e Experiment) TargetingSegmentID() string { return Document(e).ID(FieldTargetingSegmentID) }

// Personalization carries its own code and, like experiments, common code
// and a targeting segment.
type Personalization Document

func (p Personalization) ID() string { return Document(p).ID(FieldID) }
func (p Personalization) Name() string { return Document(p).String(FieldName) }
func (p Personalization) SiteID() any { return p[FieldSiteID] }
func (p Personalization) IsLive() bool { return isLive(Document(p).String(FieldStatus)) }
func (p Personalization) CSS() string { return Document(p).String(FieldCSSCode) }
func (p Personalization) JS() string { return Document(p).String(FieldJavaScriptCode) }
func (p Personalization) CommonCSS() string { return Document(p).String(FieldCommonCSSCode) }
func (p Personalization) CommonJS() string { return Document(p).String(FieldCommonJavaScriptCode) }
func (p Personalization) TargetingSegmentID() string { return Document(p).ID(FieldTargetingSegmentID) }

// Variation is one experiment alternative.
type Variation Document

func (v Variation) ID() string { return Document(v).ID(FieldID) }
func (v Variation) CSS() string { return Document(v).String(FieldCSSCode) }
func (v Variation) JS() string { return Document(v).String(FieldJSCode) }

// Site holds the global tracking script.
type Site Document

func (s Site) ID() string { return Document(s).ID(FieldID) }
func (s Site) Code() string { return Document(s).String(FieldCode) }
func (s Site) TrackingScript() string { return Document(s).String(FieldTrackingScript) }

// Condition is one targeting condition. Conditions of types this engine does
// not manage are carried through untouched.
type Condition Document

func (c Condition) ID() string { return Document(c).ID(FieldID) }
func (c Condition) TargetingType() string { return Document(c).String("targetingType") }
func (c Condition) JS() string { return Document(c).String(FieldJSCode) }

// NewJSCondition builds a JS-code condition applied immediately.
func NewJSCondition(js string) Condition {
	return Condition{
		"targetingType": TargetingJSCode,
		FieldJSCode:     js,
		"applied":       AppliedImmediate,
	}
}

// ConditionGroup is a first-level group: conditions and their OR flags are index aligned.
type ConditionGroup struct {
	Conditions  []Condition `json:"conditions"`
	OrOperators []bool      `json:"orOperators"`
}

type ConditionsData struct {
	FirstLevelOrOperators []bool           `json:"firstLevelOrOperators"`
	FirstLevel            []ConditionGroup `json:"firstLevel"`
}

// Segment is an audience rule set.
type Segment struct {
	ID                       json.Number    `json:"id,omitempty"`
	Name                     string         `json:"name"`
	SiteID                   any            `json:"siteId"`
	AudienceTracking         bool           `json:"audienceTracking"`
	AudienceTrackingEditable bool           `json:"audienceTrackingEditable"`
	IsFavorite               bool           `json:"isFavorite"`
	ConditionsData           ConditionsData `json:"conditionsData"`
}

// Aligned reports whether every group has one OR flag per condition.
func (s *Segment) Aligned() bool {
	for _, g := range s.ConditionsData.FirstLevel {
		if len(g.Conditions) != len(g.OrOperators) {
			return false
		}
	}
	return true
}

// FindJSCondition returns the first JS-code condition of the first group,
// the group AppendCondition adds to.
func (s *Segment) FindJSCondition() (Condition, bool) {
	if len(s.ConditionsData.FirstLevel) == 0 {
		return nil, false
	}
	for _, c := range s.ConditionsData.FirstLevel[0].Conditions {
		if c.TargetingType() == TargetingJSCode {
			return c, true
		}
	}
	return nil, false
}

// AppendCondition adds c to the first group with a matching false OR flag.
func (s *Segment) AppendCondition(c Condition) {
	if len(s.ConditionsData.FirstLevel) == 0 {
		s.ConditionsData.FirstLevel = []ConditionGroup{{}}
		if len(s.ConditionsData.FirstLevelOrOperators) == 0 {
			s.ConditionsData.FirstLevelOrOperators = []bool{false}
		}
	}
	g := &s.ConditionsData.FirstLevel[0]
	g.Conditions = append(g.Conditions, c)
	g.OrOperators = append(g.OrOperators, false)
}

// NewTargetingSegment builds a segment holding a single JS-code condition.
func NewTargetingSegment(name string, siteID any, js string) *Segment {
	return &Segment{
		Name:   name,
		SiteID: siteID,
		ConditionsData: ConditionsData{
			FirstLevelOrOperators: []bool{false},
			FirstLevel: []ConditionGroup{{
				Conditions:  []Condition{NewJSCondition(js)},
				OrOperators: []bool{false},
			}},
		},
	}
}
