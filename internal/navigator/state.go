package navigator

import (
	"time"

	"github.com/conneroisu/navkit/internal/resources"
)

// State is a step of one navigation.
type State string

const (
	StateRequested      State = "requested"
	StateFetching       State = "fetching"
	StateParsing        State = "parsing"
	StateSynchronizing  State = "synchronizing_resources"
	StateCommitting     State = "committing"
	StateHistoryUpdated State = "history_updated"
	StateSettled        State = "settled"
	StateFailed         State = "failed"
	StateSuperseded     State = "superseded"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateFailed || s == StateSuperseded
}

// HistoryMode says what a navigation does to session history.
type HistoryMode int

const (
	// HistoryPush adds an entry, or rewrites the current one when the
	// destination is already displayed.
	HistoryPush HistoryMode = iota
	// HistoryReplace rewrites the current entry.
	HistoryReplace
	// HistoryNone leaves history alone, as back/forward replays do.
	HistoryNone
)

func (m HistoryMode) String() string {
	switch m {
	case HistoryPush:
		return "push"
	case HistoryReplace:
		return "replace"
	case HistoryNone:
		return "none"
	}
	return "unknown"
}

// Transition is published to observers on every state change.
type Transition struct {
	ID     string    `json:"id"`
	Seq    uint64    `json:"seq"`
	Target string    `json:"target"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}

// Observer receives transitions. It runs on the navigation's goroutine and
// must not block.
type Observer func(Transition)

// Result describes a finished navigation.
type Result struct {
	ID        string              `json:"id" yaml:"id"`
	Seq       uint64              `json:"seq" yaml:"seq"`
	Target    string              `json:"target" yaml:"target"`
	Title     string              `json:"title" yaml:"title"`
	FromCache bool                `json:"from_cache" yaml:"from_cache"`
	Joined    bool                `json:"joined" yaml:"joined"`
	Styles    []resources.Outcome `json:"styles,omitempty" yaml:"styles,omitempty"`
	Scripts   []resources.Outcome `json:"scripts,omitempty" yaml:"scripts,omitempty"`
	Removed   []string            `json:"removed,omitempty" yaml:"removed,omitempty"`
	State     State               `json:"state" yaml:"state"`
	Duration  time.Duration       `json:"duration" yaml:"duration"`
}
