package builds

import "strings"

// Status is the persisted lifecycle state of a build.
type Status string

const (
	StatusQueued              Status = "QUEUED"
	StatusCreatingBuildFolder Status = "CREATING_BUILD_FOLDER"
	StatusDownloadingSource   Status = "DOWNLOADING_SOURCE"
	StatusExtractingSource    Status = "EXTRACTING_SOURCE"
	StatusBuilding            Status = "BUILDING"
	StatusSaving              Status = "SAVING"
	StatusDone                Status = "DONE"
	StatusError               Status = "ERROR"
)

var stageOrder = map[Status]int{
	StatusQueued:              0,
	StatusCreatingBuildFolder: 1,
	StatusDownloadingSource:   2,
	StatusExtractingSource:    3,
	StatusBuilding:            4,
	StatusSaving:              5,
	StatusDone:                6,
}

// ParseStatus converts a stored value into a Status.
func ParseStatus(value string) (Status, bool) {
	s := Status(strings.ToUpper(strings.TrimSpace(value)))
	return s, s.Valid()
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	if s == StatusError {
		return true
	}
	_, ok := stageOrder[s]
	return ok
}

// Terminal reports whether no further transition can follow s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// InFlight reports whether a build in status s is still owned by a runner.
func (s Status) InFlight() bool {
	return s.Valid() && !s.Terminal()
}

// CanAdvanceTo reports whether next is a legal successor of s. Stages move
// strictly forward one at a time, any non-terminal stage may fail, and a
// stage may be republished to itself so long compiles can signal liveness.
func (s Status) CanAdvanceTo(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusError {
		return s.Valid()
	}
	from, ok := stageOrder[s]
	if !ok {
		return false
	}
	to, ok := stageOrder[next]
	if !ok {
		return false
	}
	return to == from || to == from+1
}

// Stages lists the non-error statuses in order.
func Stages() []Status {
	return []Status{
		StatusQueued,
		StatusCreatingBuildFolder,
		StatusDownloadingSource,
		StatusExtractingSource,
		StatusBuilding,
		StatusSaving,
		StatusDone,
	}
}
