package resource

import (
	"errors"
	"fmt"
)

// Kind is the deployable unit type. It is decided once, when a unit is
// planned, and carried through the whole pipeline.
type Kind int

const (
	KindVariation Kind = iota + 1
	KindPersonalization
	KindCommon
	KindTargeting
	KindGlobal
)

func (k Kind) String() string {
	switch k {
	case KindVariation:
		return "variation"
	case KindPersonalization:
		return "personalization"
	case KindCommon:
		return "common"
	case KindTargeting:
		return "targeting"
	case KindGlobal:
		return "global"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Owner is the platform resource a unit belongs to.
type Owner int

const (
	OwnerNone Owner = iota
	OwnerExperiment
	OwnerPersonalization
)

func (o Owner) String() string {
	switch o {
	case OwnerExperiment:
		return "experiment"
	case OwnerPersonalization:
		return "personalization"
	default:
		return "none"
	}
}

// Dir is the directory name holding this owner's units under a site.
func (o Owner) Dir() string {
	switch o {
	case OwnerExperiment:
		return "experiments"
	case OwnerPersonalization:
		return "personalizations"
	default:
		return ""
	}
}

var ErrInvalidIdentity = errors.New("invalid resource identity")

// Identity addresses exactly one deployable unit.
type Identity struct {
	kind        Kind
	siteCode    string
	owner       Owner
	ownerID     string
	variationID string
}

// NewIdentity validates the combination of kind and identifiers.
func NewIdentity(kind Kind, siteCode string, owner Owner, ownerID, variationID string) (Identity, error) {
	if siteCode == "" {
		return Identity{}, fmt.Errorf("%w: site code is required", ErrInvalidIdentity)
	}
	switch kind {
	case KindGlobal:
		return Identity{kind: kind, siteCode: siteCode}, nil
	case KindVariation:
		if owner != OwnerExperiment {
			return Identity{}, fmt.Errorf("%w: variations belong to experiments", ErrInvalidIdentity)
		}
	case KindPersonalization:
		if owner != OwnerPersonalization {
			return Identity{}, fmt.Errorf("%w: personalization unit needs a personalization owner", ErrInvalidIdentity)
		}
	case KindCommon, KindTargeting:
		if owner == OwnerNone {
			return Identity{}, fmt.Errorf("%w: %s needs an owner", ErrInvalidIdentity, kind)
		}
		variationID = ""
	default:
		return Identity{}, fmt.Errorf("%w: unknown kind %d", ErrInvalidIdentity, int(kind))
	}
	if ownerID == "" {
		return Identity{}, fmt.Errorf("%w: %s id is required", ErrInvalidIdentity, owner)
	}
	if (kind == KindVariation || kind == KindPersonalization) && variationID == "" {
		return Identity{}, fmt.Errorf("%w: variation id is required for %s", ErrInvalidIdentity, kind)
	}
	return Identity{kind: kind, siteCode: siteCode, owner: owner, ownerID: ownerID, variationID: variationID}, nil
}

func (i Identity) Kind() Kind { return i.kind }
func (i Identity) SiteCode() string { return i.siteCode }
func (i Identity) Owner() Owner { return i.owner }
func (i Identity) OwnerID() string { return i.ownerID }
func (i Identity) VariationID() string { return i.variationID }

// OwnerLabel names the owning resource, e.g. "experiment 1234".
func (i Identity) OwnerLabel() string {
	if i.owner == OwnerNone {
		return "site " + i.siteCode
	}
	return fmt.Sprintf("%s %s", i.owner, i.ownerID)
}

func (i Identity) String() string {
	switch i.kind {
	case KindGlobal:
		return fmt.Sprintf("global script of site %s", i.siteCode)
	case KindVariation:
		return fmt.Sprintf("variation %s of %s", i.variationID, i.OwnerLabel())
	case KindPersonalization:
		return i.OwnerLabel()
	default:
		return fmt.Sprintf("%s of %s", i.kind, i.OwnerLabel())
	}
}
