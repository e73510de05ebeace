package resource

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	deployerrors "experiment-deployer/internal/errors"
)

const (
	GlobalDir       = "global"
	GlobalIndexFile = "index.js"
	CommonName      = "common"
	TargetingName   = "targeting"
)

// Paths locates one unit in both trees, relative to each store root.
// CSS paths are empty for kinds that only carry JavaScript.
type Paths struct {
	DeployedJS  string
	DeployedCSS string
	BuiltJS     string
	BuiltCSS    string
}

func (p Paths) HasCSS() bool { return p.DeployedCSS != "" }

// Workspace pairs the deployed snapshot tree with the build output tree.
// The build tree is never written.
type Workspace struct {
	Deployed *Store
	Built    *Store
}

func NewWorkspace(deployed, built *Store) *Workspace {
	return &Workspace{Deployed: deployed, Built: built}
}

// Resolve derives the snapshot and artifact paths of a unit. It creates the
// deployed-side directories and fails when the built directory is missing.
func (w *Workspace) Resolve(id Identity) (Paths, error) {
	dir := unitDir(id)

	if err := w.Deployed.MkdirAll(dir); err != nil {
		return Paths{}, err
	}
	ok, err := w.Built.IsDir(dir)
	if err != nil {
		return Paths{}, err
	}
	if !ok {
		return Paths{}, deployerrors.NewMissingBuiltArtifact(w.Built.Location(dir))
	}

	var name string
	switch id.Kind() {
	case KindGlobal:
		js := filepath.Join(dir, GlobalIndexFile)
		return Paths{DeployedJS: js, BuiltJS: js}, nil
	case KindTargeting:
		js := filepath.Join(dir, TargetingName+".js")
		return Paths{DeployedJS: js, BuiltJS: js}, nil
	case KindCommon:
		name = CommonName
	default:
		name = id.VariationID()
	}

	js := filepath.Join(dir, name+".js")
	css := filepath.Join(dir, name+".css")
	return Paths{DeployedJS: js, DeployedCSS: css, BuiltJS: js, BuiltCSS: css}, nil
}

func unitDir(id Identity) string {
	if id.Kind() == KindGlobal {
		return filepath.Join(id.SiteCode(), GlobalDir)
	}
	return filepath.Join(id.SiteCode(), id.Owner().Dir(), id.OwnerID())
}

// Units is the build output found for one experiment or personalization.
type Units struct {
	VariationIDs []string
	Common       bool
	Targeting    bool
}

// ListUnits enumerates the build output of an owner. A file counts as a
// variation when its base name is a numeric id ("1234.js", "1234.css").
func (w *Workspace) ListUnits(siteCode string, owner Owner, ownerID string) (Units, error) {
	dir := filepath.Join(siteCode, owner.Dir(), ownerID)
	ok, err := w.Built.IsDir(dir)
	if err != nil {
		return Units{}, err
	}
	if !ok {
		return Units{}, &deployerrors.PreconditionError{
			Path: w.Built.Location(dir),
			Err:  fmt.Errorf("%w: no build output for %s %s", deployerrors.ErrMissingDirectory, owner, ownerID),
		}
	}

	files, err := w.Built.ReadDir(dir)
	if err != nil {
		return Units{}, err
	}

	var units Units
	seen := map[string]struct{}{}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		base := strings.TrimSuffix(f.Name(), filepath.Ext(f.Name()))
		switch {
		case base == CommonName:
			units.Common = true
		case f.Name() == TargetingName+".js":
			units.Targeting = true
		default:
			id := base
			if !isNumeric(id) {
				continue
			}
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				units.VariationIDs = append(units.VariationIDs, id)
			}
		}
	}

	sort.Slice(units.VariationIDs, func(i, j int) bool {
		a, _ := strconv.ParseUint(units.VariationIDs[i], 10, 64)
		b, _ := strconv.ParseUint(units.VariationIDs[j], 10, 64)
		return a < b
	})
	return units, nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
