package conflict

import (
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// UnionManifest merges package manifests. A package present in any input is kept.
func UnionManifest(manifests ...[]string) []string {
	set := mapset.NewThreadUnsafeSet[string]()
	for _, m := range manifests {
		for _, pkg := range m {
			if pkg = strings.TrimSpace(pkg); pkg != "" {
				set.Add(pkg)
			}
		}
	}
	out := set.ToSlice()
	sort.Strings(out)
	return out
}

// ManifestDelta computes the package operations that bring installed in line with desired.
// Packages in skip are never installed here; packages in remove are uninstalled if present.
func ManifestDelta(desired, installed, skip, remove []string) (install, uninstall []string) {
	want := mapset.NewThreadUnsafeSet(desired...)
	have := mapset.NewThreadUnsafeSet(installed...)
	declined := mapset.NewThreadUnsafeSet(skip...)
	gone := mapset.NewThreadUnsafeSet(remove...)

	install = want.Difference(have).Difference(declined).Difference(gone).ToSlice()
	uninstall = have.Intersect(gone).ToSlice()
	sort.Strings(install)
	sort.Strings(uninstall)
	return install, uninstall
}
