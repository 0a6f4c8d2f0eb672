package prerender

// Phase is a state of the orchestrator.
type Phase int

// Orchestrator states, in the order a run moves through them.
const (
	PhaseIdle Phase = iota
	PhaseServerStarting
	PhaseBrowserStarting
	PhaseWarmupRender
	PhaseBulkRender
	PhaseHomeRender
	PhaseDraining
	PhaseDone
)

var phaseNames = [...]string{
	PhaseIdle:            "idle",
	PhaseServerStarting:  "server_starting",
	PhaseBrowserStarting: "browser_starting",
	PhaseWarmupRender:    "warmup_render",
	PhaseBulkRender:      "bulk_render",
	PhaseHomeRender:      "home_render",
	PhaseDraining:        "draining",
	PhaseDone:            "done",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}
