// Package core provides the domain types, ports and error taxonomy shared by
// the research workflows and their adapters.
package core

// Actor names attached to conversation turns. They identify the logical
// speaker and never reach a provider.
const (
	ActorAnalyst  = "analyst"
	ActorExpert   = "expert"
	ActorSearcher = "searcher"
	ActorEditor   = "editor"
)

// Panel limits.
const (
	DefaultMaxAnalysts = 3
	MinAnalysts        = 1
	MaxAnalysts        = 10
	DefaultMaxTurns    = 2
)

// Graph names under which checkpoints are stored.
const (
	GraphResearch  = "research"
	GraphInterview = "interview"
)

// Actors is the ordered list of known actor names.
var Actors = []string{ActorAnalyst, ActorExpert, ActorSearcher, ActorEditor}

// IsKnownActor reports whether name is one of the built-in actors.
func IsKnownActor(name string) bool {
	for _, a := range Actors {
		if a == name {
			return true
		}
	}
	return false
}
