package machine

import (
	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/tether-sync/tether/internal/version"
)

// CheckCompatible refuses to sync when any machine last wrote the repository with a newer
// major protocol than this build understands.
func CheckCompatible(machines []Identity) error {
	for _, m := range machines {
		if m.Protocol == "" {
			continue
		}
		if err := checkProtocol(m.ID, m.Name, m.Protocol); err != nil {
			return err
		}
	}
	return nil
}

func checkProtocol(id, name, protocol string) error {
	ours := semver.MustParse(version.Protocol)
	theirs, err := semver.NewVersion(protocol)
	if err != nil {
		return errors.WithHintf(
			errors.Wrapf(ErrIncompatibleProtocol, "machine %s has unparseable protocol %q", name, protocol),
			"inspect %s/%s.json in the sync repository", Dir, id,
		)
	}
	if theirs.Major() > ours.Major() {
		return errors.WithHintf(
			errors.Wrapf(ErrIncompatibleProtocol, "machine %s uses protocol %s, this build supports %s", name, theirs, ours),
			"upgrade tether on this machine before syncing",
		)
	}
	return nil
}

// checkHeader gates a record that failed to decode as an Identity. Only its protocol is
// read; a record whose protocol cannot be read at all is treated as incompatible.
func checkHeader(id string, data []byte) error {
	var header struct {
		Name     string `json:"name"`
		Protocol string `json:"protocol_version"`
	}
	if err := json.Unmarshal(data, &header); err != nil || header.Protocol == "" {
		return errors.WithHintf(
			errors.Wrapf(ErrIncompatibleProtocol, "machine record %s is unreadable", id),
			"inspect %s/%s.json in the sync repository; a newer tether may have written it", Dir, id,
		)
	}
	if header.Name == "" {
		header.Name = id
	}
	return checkProtocol(id, header.Name, header.Protocol)
}
