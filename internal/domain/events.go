package domain

// Platform event records. Field names follow the lichess bot API wire
// format; the dispatcher and sessions only ever read them.

const (
	EventChallenge  = "challenge"
	EventGameStart  = "gameStart"
	EventGameFinish = "gameFinish"

	GameEventFull  = "gameFull"
	GameEventState = "gameState"
	GameEventChat  = "chatLine"
)

// Game statuses as reported by the platform. Anything other than created
// or started is terminal.
const (
	StatusCreated = "created"
	StatusStarted = "started"
)

// TerminalStatus reports whether a platform game status ends the game.
func TerminalStatus(status string) bool {
	return status != "" && status != StatusCreated && status != StatusStarted
}

// Event is one record of the global event stream.
type Event struct {
	Type      string     `json:"type"`
	Challenge *Challenge `json:"challenge,omitempty"`
	Game      *EventGame `json:"game,omitempty"`
}

type Challenge struct {
	ID         string `json:"id"`
	Challenger Player `json:"challenger"`
}

type EventGame struct {
	ID string `json:"id"`
}

type Player struct {
	ID string `json:"id"`
}

// GameEvent is one record of a per-game stream. gameFull carries the
// nested State; gameState carries the same fields at the top level.
type GameEvent struct {
	Type       string     `json:"type"`
	InitialFen string     `json:"initialFen,omitempty"`
	White      Player     `json:"white,omitempty"`
	Black      Player     `json:"black,omitempty"`
	State      *GameState `json:"state,omitempty"`

	Moves     string `json:"moves,omitempty"`
	Status    string `json:"status,omitempty"`
	Winner    string `json:"winner,omitempty"`
	WhiteDraw bool   `json:"wdraw,omitempty"`
	BlackDraw bool   `json:"bdraw,omitempty"`
}

type GameState struct {
	Moves     string `json:"moves"`
	Status    string `json:"status"`
	Winner    string `json:"winner,omitempty"`
	WhiteDraw bool   `json:"wdraw,omitempty"`
	BlackDraw bool   `json:"bdraw,omitempty"`
}
