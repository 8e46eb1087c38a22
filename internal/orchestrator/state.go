package orchestrator

// State is a step of a run. A run passes through them strictly in order;
// the per-repository states repeat once per repository.
type State int

const (
	Init State = iota
	LockAcquired
	DirsEnsured
	ConflictsRemoved
	IdentityEnsured
	OwnershipAssigned
	PrereqsInstalled

	SourceSynced
	DirScopeOpened
	SourceMirrored
	DirOwnershipAssigned
	RepoDepsInstalled
	Built
	ArtifactsListed
	ArtifactsFiltered
	ArtifactsInstalled
	DirScopeClosed

	Done
)

var stateNames = [...]string{
	Init:                 "init",
	LockAcquired:         "lock-acquired",
	DirsEnsured:          "dirs-ensured",
	ConflictsRemoved:     "conflicts-removed",
	IdentityEnsured:      "identity-ensured",
	OwnershipAssigned:    "ownership-assigned",
	PrereqsInstalled:     "prereqs-installed",
	SourceSynced:         "source-synced",
	DirScopeOpened:       "dir-scope-opened",
	SourceMirrored:       "source-mirrored",
	DirOwnershipAssigned: "dir-ownership-assigned",
	RepoDepsInstalled:    "repo-deps-installed",
	Built:                "built",
	ArtifactsListed:      "artifacts-listed",
	ArtifactsFiltered:    "artifacts-filtered",
	ArtifactsInstalled:   "artifacts-installed",
	DirScopeClosed:       "dir-scope-closed",
	Done:                 "done",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// PerRepo lists the states one repository goes through, in order.
func PerRepo() []State {
	return []State{
		SourceSynced, DirScopeOpened, SourceMirrored, DirOwnershipAssigned,
		RepoDepsInstalled, Built, ArtifactsListed, ArtifactsFiltered,
		ArtifactsInstalled, DirScopeClosed,
	}
}
