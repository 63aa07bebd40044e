package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/notnil/chess"
	"go.uber.org/zap"

	"stylebot/internal/domain"
	"stylebot/internal/repository"
)

// State is one step of a session's lifecycle.
type State int

const (
	AwaitingStart State = iota
	WaitingForOpponent
	Thinking
	MoveSubmitted
	Finished
)

func (s State) String() string {
	switch s {
	case AwaitingStart:
		return "awaiting_start"
	case WaitingForOpponent:
		return "waiting_for_opponent"
	case Thinking:
		return "thinking"
	case MoveSubmitted:
		return "move_submitted"
	case Finished:
		return "finished"
	}
	return "unknown"
}

// Platform is the slice of the remote game host a session needs.
type Platform interface {
	StreamGame(ctx context.Context, gameID string) (<-chan domain.GameEvent, error)
	SubmitMove(ctx context.Context, gameID, moveUCI string) error
}

// Selector produces the move for the current position.
type Selector interface {
	SelectMove(ctx context.Context, g *chess.Game) (domain.Decision, error)
}

// Session drives one game end to end: it consumes the per-game event
// stream, rebuilds the board from each authoritative move list, asks the
// selector when it is the bot's turn, and submits the answer. The board
// state is owned exclusively by the session goroutine.
type Session struct {
	gameID   string
	botID    string
	platform Platform
	selector Selector
	store    repository.GameStore
	log      *zap.SugaredLogger

	// events is the per-game stream; owned by the Run goroutine, which
	// also drains it after a rejected move.
	events <-chan domain.GameEvent

	mu         sync.Mutex
	state      State
	history    []State
	game       *chess.Game
	botColor   chess.Color
	colorKnown bool
	initialFen string
	lastMoves  string
}

func New(gameID, botID string, platform Platform, selector Selector, store repository.GameStore, log *zap.SugaredLogger) *Session {
	s := &Session{
		gameID:   gameID,
		botID:    botID,
		platform: platform,
		selector: selector,
		store:    store,
		log:      log.With("game", gameID, "trace", uuid.New().String()),
		game:     chess.NewGame(),
		state:    AwaitingStart,
	}
	s.history = append(s.history, AwaitingStart)
	return s
}

// State returns the current machine state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StateHistory returns every state the session has passed through.
func (s *Session) StateHistory() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]State, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state != st {
		s.state = st
		s.history = append(s.history, st)
	}
	s.mu.Unlock()
	s.log.Debugw("session state", "state", st.String())
}

// Run blocks until the game is over. Errors are scoped to this session;
// the caller logs them and moves on. Stream closure and context
// cancellation are graceful terminations, not errors.
func (s *Session) Run(ctx context.Context) error {
	events, err := s.platform.StreamGame(ctx, s.gameID)
	if err != nil {
		s.finish()
		return fmt.Errorf("open game stream: %w", err)
	}
	s.events = events

	for {
		select {
		case <-ctx.Done():
			s.finish()
			return nil
		case ev, ok := <-events:
			if !ok {
				// StreamClosed: terminate gracefully, never re-enter Thinking.
				s.log.Infow("game stream closed")
				s.finish()
				return nil
			}
			done, err := s.handleEvent(ctx, ev)
			if err != nil {
				s.finish()
				return err
			}
			if done {
				s.finish()
				return nil
			}
		}
	}
}

func (s *Session) handleEvent(ctx context.Context, ev domain.GameEvent) (bool, error) {
	switch ev.Type {
	case domain.GameEventFull:
		s.initialFen = ev.InitialFen
		switch s.botID {
		case ev.White.ID:
			s.botColor, s.colorKnown = chess.White, true
		case ev.Black.ID:
			s.botColor, s.colorKnown = chess.Black, true
		default:
			// Not our game; observe but never move.
			s.log.Warnw("bot is not a player in this game", "white", ev.White.ID, "black", ev.Black.ID)
		}

		moves, status := "", ""
		if ev.State != nil {
			moves, status = ev.State.Moves, ev.State.Status
			if ev.State.WhiteDraw || ev.State.BlackDraw {
				s.log.Infow("draw offer pending")
			}
		}
		if err := s.applyAuthoritative(ctx, moves); err != nil {
			return false, err
		}
		if domain.TerminalStatus(status) {
			return true, nil
		}
		return s.maybeMove(ctx)

	case domain.GameEventState:
		if ev.WhiteDraw || ev.BlackDraw {
			s.log.Infow("draw offer pending")
		}
		if err := s.applyAuthoritative(ctx, ev.Moves); err != nil {
			return false, err
		}
		if domain.TerminalStatus(ev.Status) {
			s.log.Infow("game over", "status", ev.Status, "winner", ev.Winner)
			return true, nil
		}
		return s.maybeMove(ctx)

	case domain.GameEventChat:
		return false, nil

	default:
		s.log.Debugw("ignoring game event", "type", ev.Type)
		return false, nil
	}
}

// applyAuthoritative replaces the local board with one rebuilt from the
// platform's move list, then checkpoints it. The local board is never
// trusted across events; after a reconnect the stream is the only truth.
func (s *Session) applyAuthoritative(ctx context.Context, moves string) error {
	game, err := rebuild(s.initialFen, moves)
	if err != nil {
		return fmt.Errorf("rebuild board: %w", err)
	}

	s.mu.Lock()
	s.game = game
	s.lastMoves = moves
	s.mu.Unlock()

	if err := s.store.SaveMoves(ctx, s.gameID, moves); err != nil {
		s.log.Warnw("checkpoint failed", "error", err)
	}
	return nil
}

func rebuild(initialFen, moves string) (*chess.Game, error) {
	var opts []func(*chess.Game)
	if initialFen != "" && initialFen != "startpos" {
		fen, err := chess.FEN(initialFen)
		if err != nil {
			return nil, fmt.Errorf("initial fen %q: %w", initialFen, err)
		}
		opts = append(opts, fen)
	}

	game := chess.NewGame(opts...)
	notation := chess.UCINotation{}
	for _, mv := range strings.Fields(moves) {
		move, err := notation.Decode(game.Position(), mv)
		if err != nil {
			return nil, fmt.Errorf("move %q: %w", mv, err)
		}
		if err := game.Move(move); err != nil {
			return nil, fmt.Errorf("move %q: %w", mv, err)
		}
	}
	return game, nil
}

// maybeMove thinks and submits when the authoritative state says it is
// the bot's turn. Returns done=true when the position is terminal.
func (s *Session) maybeMove(ctx context.Context) (bool, error) {
	if !s.colorKnown {
		return false, nil
	}

	s.mu.Lock()
	game := s.game
	s.mu.Unlock()

	if game.Outcome() != chess.NoOutcome {
		s.log.Infow("position is terminal", "outcome", string(game.Outcome()))
		return true, nil
	}
	if game.Position().Turn() != s.botColor {
		s.setState(WaitingForOpponent)
		return false, nil
	}

	done, err := s.thinkAndSubmit(ctx, game)
	if err != nil || done {
		return done, err
	}
	s.setState(WaitingForOpponent)
	return false, nil
}

// thinkAndSubmit runs one Thinking/MoveSubmitted cycle. A rejected move
// gets a single retry against the board resynced from the newest
// authoritative state, including events still queued on the stream; a
// second rejection is fatal for this session only.
func (s *Session) thinkAndSubmit(ctx context.Context, game *chess.Game) (bool, error) {
	s.setState(Thinking)
	decision, err := s.selector.SelectMove(ctx, game)
	if err != nil {
		return false, fmt.Errorf("select move: %w", err)
	}

	s.setState(MoveSubmitted)
	err = s.platform.SubmitMove(ctx, s.gameID, decision.UCI)
	if err == nil {
		s.log.Infow("move played", "move", decision.UCI, "san", decision.SAN, "source", decision.Source)
		return false, nil
	}
	if ctx.Err() != nil {
		// Cancelled mid-submission: no retry after cancellation.
		return false, nil
	}
	s.log.Warnw("move rejected, resyncing", "move", decision.UCI, "error", err)

	// The platform may have moved on while we were thinking; anything
	// already queued is newer than the snapshot the rejected move came
	// from.
	done, err := s.drainPending(ctx)
	if err != nil || done {
		return done, err
	}

	s.mu.Lock()
	resynced := s.game
	s.mu.Unlock()
	if resynced.Outcome() != chess.NoOutcome {
		return true, nil
	}
	if resynced.Position().Turn() != s.botColor {
		// The rejected move actually landed, or the opponent is on turn
		// now; retrying would double-move.
		return false, nil
	}

	s.setState(Thinking)
	decision, err = s.selector.SelectMove(ctx, resynced)
	if err != nil {
		return false, fmt.Errorf("select move after resync: %w", err)
	}

	s.setState(MoveSubmitted)
	if err := s.platform.SubmitMove(ctx, s.gameID, decision.UCI); err != nil {
		return false, fmt.Errorf("retry after rejection: %w", err)
	}
	s.log.Infow("move played after resync", "move", decision.UCI, "san", decision.SAN, "source", decision.Source)
	return false, nil
}

// drainPending applies every authoritative state already queued on the
// game stream without blocking. Reports done when a drained event ends
// the game or the stream has closed.
func (s *Session) drainPending(ctx context.Context) (bool, error) {
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				return true, nil
			}
			moves, status := "", ""
			switch ev.Type {
			case domain.GameEventFull:
				if ev.State != nil {
					moves, status = ev.State.Moves, ev.State.Status
				}
			case domain.GameEventState:
				moves, status = ev.Moves, ev.Status
			default:
				continue
			}
			if err := s.applyAuthoritative(ctx, moves); err != nil {
				return false, err
			}
			if domain.TerminalStatus(status) {
				return true, nil
			}
		default:
			return false, nil
		}
	}
}

func (s *Session) finish() {
	s.setState(Finished)
	if err := s.store.Delete(context.Background(), s.gameID); err != nil {
		s.log.Warnw("checkpoint cleanup failed", "error", err)
	}
	s.log.Infow("session finished")
}
