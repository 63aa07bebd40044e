package domain

import "github.com/notnil/chess"

// MoveStats maps SAN move notation to how often the modelled player chose
// it from a given position. An absent or empty map means the position was
// never observed.
type MoveStats map[string]int

// ScoredMove is one entry of the oracle's ranked answer.
type ScoredMove struct {
	UCI     string `json:"uci"`
	ScoreCP int    `json:"score_cp"`
	Rank    int    `json:"rank"`
}

// Source tags where a selected move came from.
type Source string

const (
	SourceStyle    Source = "style"
	SourceOracle   Source = "oracle"
	SourceFallback Source = "fallback"
)

// Decision is a chosen move plus its provenance. The provenance is used
// for logging only and is never persisted.
type Decision struct {
	Move   *chess.Move
	UCI    string
	SAN    string
	Source Source
}
