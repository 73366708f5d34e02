package config

import "fmt"

// CurrentVersion is the configuration file format this build reads.
const CurrentVersion = 1

// VersionError reports a configuration file written for another format.
type VersionError struct {
	Version int
	Current int

	// Newer is set when the file was written for a later build.
	Newer bool
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Newer {
		return fmt.Sprintf("config version %d is newer than this build supports (%d); upgrade toolgate", e.Version, e.Current)
	}
	if e.Version <= 0 {
		return fmt.Sprintf("config version %d: the version key is missing; add `version: %d`", e.Version, e.Current)
	}
	return fmt.Sprintf("config version %d is no longer supported; migrate the file and set `version: %d`", e.Version, e.Current)
}

// ValidateVersion accepts only CurrentVersion.
func ValidateVersion(version int) error {
	if version == CurrentVersion {
		return nil
	}
	return &VersionError{Version: version, Current: CurrentVersion, Newer: version > CurrentVersion}
}
