package pluginloader

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/shady2k/lifemodel-sub006/internal/model"
)

const supportedManifestVersion = 2

// validateManifest runs the spec §4.4.4 checks in order, returning the
// first violation (fail-fast, matching the governance-kernel idiom this
// loader is grounded on).
func validateManifest(m model.PluginManifest) (*semver.Version, error) {
	if m.ManifestVersion != supportedManifestVersion {
		return nil, model.NewError(model.ErrValidationFailed,
			"manifest version %d unsupported (want %d)", m.ManifestVersion, supportedManifestVersion)
	}
	if m.ID == "" {
		return nil, model.NewError(model.ErrValidationFailed, "manifest id must not be empty")
	}
	version, err := semver.NewVersion(m.Version)
	if err != nil {
		return nil, model.NewError(model.ErrValidationFailed, "manifest version %q is not valid semver: %v", m.Version, err)
	}
	if len(m.Provides) == 0 {
		return nil, model.NewError(model.ErrValidationFailed, "manifest %q must provide at least one capability", m.ID)
	}
	seen := make(map[string]bool, len(m.Provides))
	for _, p := range m.Provides {
		key := p.Type + ":" + p.ID
		if seen[key] {
			return nil, model.NewError(model.ErrValidationFailed, "manifest %q has duplicate provides entry %s", m.ID, key)
		}
		seen[key] = true
	}
	return version, nil
}

// checkDependency verifies dep is loaded and its version satisfies
// [minVersion, maxVersion) (min inclusive, max exclusive).
func checkDependency(dep model.DependencyEntry, loadedVersion *semver.Version, loaded bool) error {
	if !loaded {
		return model.NewError(model.ErrDependencyMissing, "dependency %q is not loaded", dep.ID)
	}
	constraintStr := dependencyConstraintString(dep)
	if constraintStr == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(constraintStr)
	if err != nil {
		return fmt.Errorf("pluginloader: invalid dependency range for %q: %w", dep.ID, err)
	}
	if !constraint.Check(loadedVersion) {
		return model.NewError(model.ErrDependencyVersion,
			"dependency %q version %s does not satisfy %s", dep.ID, loadedVersion, constraintStr)
	}
	return nil
}

func dependencyConstraintString(dep model.DependencyEntry) string {
	switch {
	case dep.MinVersion != "" && dep.MaxVersion != "":
		return fmt.Sprintf(">= %s, < %s", dep.MinVersion, dep.MaxVersion)
	case dep.MinVersion != "":
		return fmt.Sprintf(">= %s", dep.MinVersion)
	case dep.MaxVersion != "":
		return fmt.Sprintf("< %s", dep.MaxVersion)
	default:
		return ""
	}
}
