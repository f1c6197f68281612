package stage

// Stage is one discrete step in the fixed device-upgrade sequence.
type Stage string

const (
	StageWaiting         Stage = "waiting"
	StageSolarWindMute   Stage = "solar_wind_mute"
	StageBackup          Stage = "backup"
	StageCleanup         Stage = "cleanup"
	StageDownload        Stage = "download"
	StageInstall         Stage = "install"
	StageReboot          Stage = "reboot"
	StageLogin           Stage = "login"
	StageSolarWindUnmute Stage = "solar_wind_unmute"
	StageUpdated         Stage = "updated"

	// StageError is reachable from any non-terminal stage and is itself
	// terminal. It never appears in the canonical ordering.
	StageError Stage = "error"
)

// canonicalOrder is the total order every device walks through. The stored
// stage of a job is always the last stage that completed successfully.
var canonicalOrder = []Stage{
	StageWaiting,
	StageSolarWindMute,
	StageBackup,
	StageCleanup,
	StageDownload,
	StageInstall,
	StageReboot,
	StageLogin,
	StageSolarWindUnmute,
	StageUpdated,
}

var orderIndex = func() map[Stage]int {
	m := make(map[Stage]int, len(canonicalOrder))
	for i, s := range canonicalOrder {
		m[s] = i
	}
	return m
}()

// Order returns a copy of the canonical stage ordering.
func Order() []Stage {
	out := make([]Stage, len(canonicalOrder))
	copy(out, canonicalOrder)
	return out
}

// Valid reports whether s is a known stage, including the error stage.
func Valid(s Stage) bool {
	if s == StageError {
		return true
	}
	_, ok := orderIndex[s]
	return ok
}

// Terminal reports whether no further automatic transitions happen from s.
func Terminal(s Stage) bool {
	return s == StageUpdated || s == StageError
}

// Remaining returns the ordered stages still to execute for a device whose
// last successfully completed stage is current. The suffix starts strictly
// after current; terminal and unknown stages have nothing remaining.
func Remaining(current Stage) []Stage {
	if Terminal(current) {
		return nil
	}
	idx, ok := orderIndex[current]
	if !ok {
		return nil
	}
	rest := canonicalOrder[idx+1:]
	out := make([]Stage, len(rest))
	copy(out, rest)
	return out
}
