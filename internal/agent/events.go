package agent

import (
	"github.com/seaclaw/seaclaw/internal/providers"
	"github.com/seaclaw/seaclaw/internal/store"
)

// State is the loop's execution state. All transitions happen on the loop's
// event goroutine.
type State int

const (
	StateIdle State = iota
	StatePreparing
	StateInferring
	StateExecutingTools
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateInferring:
		return "inferring"
	case StateExecutingTools:
		return "executing_tools"
	default:
		return "unknown"
	}
}

// Internal loop events. Async stages post these back to the inbox; events
// carrying a runID that no longer matches the active run are dropped.
type event interface{ isEvent() }

type runEvent struct {
	req  RunRequest
	done chan runOutcome
}

type preparedEvent struct {
	runID    string
	session  *store.Session
	messages []providers.Message
	err      error
}

type inferenceDoneEvent struct {
	runID string
	resp  *providers.ChatResponse
	err   error
}

type toolsDoneEvent struct {
	runID   string
	results []toolOutcome
}

type cancelEvent struct {
	runID  string // empty = cancel whatever run is active
	reason string
}

type timeoutEvent struct {
	runID string
}

func (runEvent) isEvent()           {}
func (preparedEvent) isEvent()      {}
func (inferenceDoneEvent) isEvent() {}
func (toolsDoneEvent) isEvent()     {}
func (cancelEvent) isEvent()        {}
func (timeoutEvent) isEvent()       {}

// toolOutcome is one finished tool call, indexed so parallel execution keeps
// the model's call order when results are appended.
type toolOutcome struct {
	idx     int
	call    providers.ToolCall
	forLLM  string
	isError bool
	usage   *providers.Usage
}
