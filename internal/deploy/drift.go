package deploy

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"experiment-deployer/internal/resource"
)

// Comparison is the drift verdict for one unit.
type Comparison struct {
	IsSame bool
	IsLive bool

	// DivergentPath is the first snapshot file found to differ from the platform.
	DivergentPath string

	// Diff is a unified diff from the snapshot to the platform code, for the operator.
	Diff string
}

// DetectDrift compares the platform code in view with the last deployed
// snapshot. CSS is checked before JS; the first diverging field decides.
func DetectDrift(view View, paths resource.Paths, snapshots *resource.Store) (Comparison, error) {
	cmp := Comparison{IsSame: true, IsLive: view.IsLive}

	type field struct{ remote, path string }
	var fields []field
	if view.HasCSS && paths.HasCSS() {
		fields = append(fields, field{view.CSS, paths.DeployedCSS})
	}
	fields = append(fields, field{view.JS, paths.DeployedJS})

	for _, f := range fields {
		local, present, err := snapshots.Read(f.path)
		if err != nil {
			return Comparison{}, err
		}
		if !diverged(f.remote, local, present) {
			continue
		}
		cmp.IsSame = false
		cmp.DivergentPath = snapshots.Location(f.path)
		cmp.Diff = unifiedDiff(cmp.DivergentPath, local, f.remote)
		return cmp, nil
	}
	return cmp, nil
}

// diverged holds when exactly one side has code, or both do and the trimmed text differs.
func diverged(remote, local string, localPresent bool) bool {
	remotePresent := remote != ""
	if remotePresent != localPresent {
		return true
	}
	return remotePresent && !resource.Same(remote, local)
}

func unifiedDiff(path, local, remote string) string {
	d := difflib.UnifiedDiff{
		A:        difflib.SplitLines(strings.TrimSpace(local) + "\n"),
		B:        difflib.SplitLines(strings.TrimSpace(remote) + "\n"),
		FromFile: path,
		ToFile:   "platform",
		Context:  3,
	}
	s, err := difflib.GetUnifiedDiffString(d)
	if err != nil {
		return ""
	}
	return s
}
