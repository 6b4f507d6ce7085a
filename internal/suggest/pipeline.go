package suggest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"termhint/internal/config"
	"termhint/internal/logging"
	"termhint/internal/provider"
)

// Options configures an Orchestrator. One orchestrator serves one terminal
// session; all collaborators are injected, no singletons.
type Options struct {
	Client   provider.Client
	Registry ToolRegistry
	State    StateProvider
	Gate     AgentGate

	// ToolDefinitions are the provider schemas for the registry's tools.
	// When nil and the registry exposes Definitions(), those are used.
	ToolDefinitions []provider.ToolDefinition

	Prompts  PromptSet
	Pipeline config.PipelineConfig
	Timeouts config.CallTimeouts

	// OnResult receives every surfaced result from asynchronous runs.
	OnResult func(Result)
}

type toolDefiner interface {
	Definitions() []provider.ToolDefinition
}

// Orchestrator owns the pipeline state machine, the suggestion cache, and
// the debounce/cooldown/post-command timers. All mutable state is guarded
// by a single mutex; pipeline runs carry a context cancelled on
// supersession and checked at every phase boundary.
type Orchestrator struct {
	client   provider.Client
	registry ToolRegistry
	state    StateProvider
	gate     AgentGate
	toolDefs []provider.ToolDefinition
	prompts  PromptSet
	cfg      config.PipelineConfig
	timeouts config.CallTimeouts
	filter   *directoryFilter
	onResult func(Result)

	debouncer *Debouncer

	mu                sync.Mutex
	phase             Phase
	phaseDetail       string
	cache             *suggestionCache
	lastErr           error
	lastSurfaced      time.Time
	lastState         TerminalState
	haveLastState     bool
	researchedCwd     string
	runsSinceResearch int
	runSeq            uint64
	cancelRun         context.CancelFunc
	postCmdTimer      *time.Timer
	now               func() time.Time
}

// NewOrchestrator wires an orchestrator from its collaborators.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("orchestrator requires a provider client")
	}
	if opts.State == nil {
		return nil, fmt.Errorf("orchestrator requires a state provider")
	}
	if opts.Prompts == (PromptSet{}) {
		opts.Prompts = DefaultPrompts()
	}

	toolDefs := opts.ToolDefinitions
	if toolDefs == nil {
		if definer, ok := opts.Registry.(toolDefiner); ok {
			toolDefs = definer.Definitions()
		}
	}

	return &Orchestrator{
		client:    opts.Client,
		registry:  opts.Registry,
		state:     opts.State,
		gate:      opts.Gate,
		toolDefs:  toolDefs,
		prompts:   opts.Prompts,
		cfg:       opts.Pipeline,
		timeouts:  opts.Timeouts,
		filter:    newDirectoryFilter(),
		onResult:  opts.OnResult,
		debouncer: NewDebouncer(opts.Pipeline.Debounce()),
		phase:     PhaseIdle,
		cache:     newSuggestionCache(opts.Pipeline.CacheTTL(), opts.Pipeline.CacheSize()),
		now:       time.Now,
	}, nil
}

// Phase returns the current pipeline phase and its detail text.
func (o *Orchestrator) Phase() (Phase, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase, o.phaseDetail
}

// LastError returns the most recent user-visible pipeline error.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// HandleStartup triggers an immediate pipeline run, bypassing the debounce.
func (o *Orchestrator) HandleStartup() {
	logging.Pipeline("startup trigger")
	o.startRun()
}

// HandleCommandCompleted reacts to a finished shell command. Meaningful
// changes (cwd, exit code, output length) cancel any in-flight run and
// shorten the debounce window; a post-command delayed trigger is armed as a
// second chance in case the debounced run is superseded.
func (o *Orchestrator) HandleCommandCompleted() {
	if o.gate != nil && o.gate.IsAgentBusy() {
		logging.PipelineDebug("skipping trigger: agent busy")
		return
	}

	state := o.state.GetTerminalState()

	o.mu.Lock()
	meaningful := o.isMeaningfulChangeLocked(state)
	o.lastState = state
	o.haveLastState = true
	if meaningful && o.cancelRun != nil {
		o.cancelRun()
		o.cancelRun = nil
	}
	if o.postCmdTimer != nil {
		o.postCmdTimer.Stop()
	}
	o.postCmdTimer = time.AfterFunc(o.cfg.PostCommandDelay(), o.startRun)
	o.mu.Unlock()

	if meaningful {
		logging.PipelineDebug("meaningful change, shortened debounce")
		o.debouncer.DebounceAfter(o.cfg.MeaningfulDebounce(), o.startRun)
	} else {
		o.debouncer.Debounce(o.startRun)
	}
}

// HandleDirectoryChanged reacts to a cwd change, which is always meaningful.
func (o *Orchestrator) HandleDirectoryChanged() {
	if o.gate != nil && o.gate.IsAgentBusy() {
		return
	}

	state := o.state.GetTerminalState()

	o.mu.Lock()
	o.lastState = state
	o.haveLastState = true
	if o.cancelRun != nil {
		o.cancelRun()
		o.cancelRun = nil
	}
	o.mu.Unlock()

	logging.PipelineDebug("directory change, shortened debounce")
	o.debouncer.DebounceAfter(o.cfg.MeaningfulDebounce(), o.startRun)
}

// Close cancels all outstanding asynchronous units.
func (o *Orchestrator) Close() {
	o.debouncer.Cancel()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.postCmdTimer != nil {
		o.postCmdTimer.Stop()
		o.postCmdTimer = nil
	}
	if o.cancelRun != nil {
		o.cancelRun()
		o.cancelRun = nil
	}
	o.phase = PhaseIdle
	o.phaseDetail = ""
}

// isMeaningfulChangeLocked reports whether the new state differs from the
// last seen one in a way that should cancel in-flight work. Caller holds mu.
func (o *Orchestrator) isMeaningfulChangeLocked(state TerminalState) bool {
	if !o.haveLastState {
		return false
	}
	return state.Cwd != o.lastState.Cwd ||
		state.LastExitCode != o.lastState.LastExitCode ||
		len(state.LastOutput) != len(o.lastState.LastOutput)
}

// startRun begins an asynchronous pipeline run, cancelling and replacing
// any predecessor.
func (o *Orchestrator) startRun() {
	o.mu.Lock()
	if o.cancelRun != nil {
		o.cancelRun()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancelRun = cancel
	o.runSeq++
	seq := o.runSeq
	o.mu.Unlock()

	go func() {
		defer cancel()
		result, err := o.run(ctx, seq)
		if err != nil || result == nil {
			return
		}
		if o.onResult != nil {
			o.onResult(*result)
		}
	}()
}

// Suggest runs the pipeline synchronously. Used by one-shot callers; the
// debounce and post-command timers are not involved.
func (o *Orchestrator) Suggest(ctx context.Context) (*Result, error) {
	o.mu.Lock()
	o.runSeq++
	seq := o.runSeq
	o.mu.Unlock()
	return o.run(ctx, seq)
}

// run executes one pipeline pass. Only the current run (matching seq) may
// advance the visible phase or write the cache, so a superseded run can
// finish harmlessly.
func (o *Orchestrator) run(ctx context.Context, seq uint64) (*Result, error) {
	state := o.state.GetTerminalState()
	fingerprint := Fingerprint(state)

	o.mu.Lock()
	if seq != o.runSeq {
		o.mu.Unlock()
		return nil, nil
	}
	inCooldown := !o.lastSurfaced.IsZero() && o.now().Sub(o.lastSurfaced) < o.cfg.Cooldown()
	if !inCooldown {
		if cached, ok := o.cache.Get(fingerprint); ok {
			o.mu.Unlock()
			logging.Pipeline("cache hit for %s", fingerprint)
			return &Result{Suggestions: cached, FromCache: true, GeneratedAt: o.now()}, nil
		}
	}
	needsResearch := o.needsResearchLocked(state)
	o.runsSinceResearch++
	o.mu.Unlock()

	if !o.setPhase(seq, PhaseGatheringContext, state.Cwd) {
		return nil, nil
	}

	contextLog := ""
	if needsResearch && o.registry != nil {
		if !o.setPhase(seq, PhaseResearching, "") {
			return nil, nil
		}
		findings, log := o.research(ctx, state, o.cfg.StepBudget())
		contextLog = log
		o.mu.Lock()
		if seq == o.runSeq {
			o.researchedCwd = state.Cwd
			o.runsSinceResearch = 0
		}
		o.mu.Unlock()
		logging.Pipeline("research finished: steps=%d completed=%v discoveries=%d",
			findings.StepsTaken, findings.Completed, len(findings.Discoveries))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !o.setPhase(seq, PhasePlanning, "") {
		return nil, nil
	}
	plan, err := o.plan(ctx, state, contextLog)
	if err != nil {
		return nil, o.failRun(seq, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !plan.ShouldSuggest {
		logging.Pipeline("plan declined to suggest")
		o.setPhase(seq, PhaseIdle, "")
		return &Result{Plan: plan, GeneratedAt: o.now()}, nil
	}

	if !o.setPhase(seq, PhaseGenerating, plan.Type) {
		return nil, nil
	}
	suggestions, err := o.generate(ctx, state, plan, contextLog)
	if err != nil {
		return nil, o.failRun(seq, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	if seq == o.runSeq {
		o.cache.Put(fingerprint, suggestions)
		o.lastSurfaced = o.now()
		o.lastErr = nil
		o.phase = PhaseIdle
		o.phaseDetail = ""
	}
	o.mu.Unlock()

	return &Result{Suggestions: suggestions, Plan: plan, GeneratedAt: o.now()}, nil
}

// needsResearchLocked evaluates the research trigger conditions. Caller
// holds mu.
func (o *Orchestrator) needsResearchLocked(state TerminalState) bool {
	if o.researchedCwd == "" {
		return true // first run in a new working directory
	}
	if state.LastExitCode != 0 {
		return true
	}
	if state.Cwd != o.researchedCwd {
		return true
	}
	return o.runsSinceResearch >= o.cfg.ResearchInterval()
}

// setPhase advances the visible phase if the run is still current. Returns
// false when the run was superseded.
func (o *Orchestrator) setPhase(seq uint64, phase Phase, detail string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if seq != o.runSeq {
		return false
	}
	o.phase = phase
	o.phaseDetail = detail
	logging.PipelineDebug("phase -> %s %s", phase, detail)
	return true
}

// setPhaseDetail updates only the detail text of the current phase.
func (o *Orchestrator) setPhaseDetail(phase Phase, detail string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase == phase {
		o.phaseDetail = detail
	}
}

// failRun records a user-visible error and returns the phase to idle. A
// cancelled run is not recorded as a failure.
func (o *Orchestrator) failRun(seq uint64, err error) error {
	if provider.IsCancelled(err) {
		return err
	}
	logging.PipelineError("pipeline run failed: %v", err)

	o.mu.Lock()
	defer o.mu.Unlock()
	if seq == o.runSeq {
		o.lastErr = err
		o.phase = PhaseIdle
		o.phaseDetail = ""
	}
	return err
}
