package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/notnil/chess"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"stylebot/internal/domain"
	errs "stylebot/internal/errors"
	"stylebot/internal/repository"
)

const botID = "stylebot"

type fakePlatform struct {
	events chan domain.GameEvent

	mu        sync.Mutex
	rejects   int
	submitted []string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{events: make(chan domain.GameEvent, 8)}
}

func (f *fakePlatform) StreamGame(ctx context.Context, gameID string) (<-chan domain.GameEvent, error) {
	return f.events, nil
}

func (f *fakePlatform) SubmitMove(ctx context.Context, gameID, moveUCI string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, moveUCI)
	if f.rejects > 0 {
		f.rejects--
		return errs.ErrMoveRejected
	}
	return nil
}

func (f *fakePlatform) submittedMoves() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.submitted))
	copy(out, f.submitted)
	return out
}

// scriptedSelector plays a fixed sequence of UCI moves.
type scriptedSelector struct {
	mu    sync.Mutex
	moves []string
	i     int
}

func (s *scriptedSelector) SelectMove(ctx context.Context, g *chess.Game) (domain.Decision, error) {
	s.mu.Lock()
	uci := s.moves[s.i%len(s.moves)]
	s.i++
	s.mu.Unlock()

	pos := g.Position()
	move, err := chess.UCINotation{}.Decode(pos, uci)
	if err != nil {
		return domain.Decision{}, err
	}
	return domain.Decision{
		Move:   move,
		UCI:    uci,
		SAN:    chess.AlgebraicNotation{}.Encode(pos, move),
		Source: domain.SourceStyle,
	}, nil
}

func newTestSession(platform Platform, sel Selector, store repository.GameStore) *Session {
	return New("game1", botID, platform, sel, store, zap.NewNop().Sugar())
}

func gameFull(white, black string, moves string) domain.GameEvent {
	return domain.GameEvent{
		Type:  domain.GameEventFull,
		White: domain.Player{ID: white},
		Black: domain.Player{ID: black},
		State: &domain.GameState{Moves: moves, Status: domain.StatusStarted},
	}
}

func runSession(t *testing.T, s *Session) chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	return done
}

func waitDone(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func TestSessionStreamClosureWhileWaitingNeverThinks(t *testing.T) {
	platform := newFakePlatform()
	s := newTestSession(platform, &scriptedSelector{moves: []string{"e2e4"}}, repository.NewMemoryGameStore())
	done := runSession(t, s)

	// Bot plays black; after gameFull it is white's move, so the session
	// waits for the opponent.
	platform.events <- gameFull("somebody", botID, "")
	require.Eventually(t, func() bool { return s.State() == WaitingForOpponent }, 2*time.Second, 10*time.Millisecond)

	close(platform.events)
	require.NoError(t, waitDone(t, done))

	assert.Equal(t, Finished, s.State())
	assert.NotContains(t, s.StateHistory(), Thinking)
	assert.Empty(t, platform.submittedMoves())
}

func TestSessionPlaysWhenItsTurn(t *testing.T) {
	platform := newFakePlatform()
	s := newTestSession(platform, &scriptedSelector{moves: []string{"e2e4", "g1f3"}}, repository.NewMemoryGameStore())
	done := runSession(t, s)

	// Bot is white with an empty board: it must open.
	platform.events <- gameFull(botID, "somebody", "")
	require.Eventually(t, func() bool {
		return len(platform.submittedMoves()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"e2e4"}, platform.submittedMoves())

	// Opponent answers; the authoritative state carries both moves.
	platform.events <- domain.GameEvent{
		Type:   domain.GameEventState,
		Moves:  "e2e4 e7e5",
		Status: domain.StatusStarted,
	}
	require.Eventually(t, func() bool {
		return len(platform.submittedMoves()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"e2e4", "g1f3"}, platform.submittedMoves())

	close(platform.events)
	require.NoError(t, waitDone(t, done))
	assert.Equal(t, Finished, s.State())
}

func TestSessionTerminalStatusFinishes(t *testing.T) {
	platform := newFakePlatform()
	s := newTestSession(platform, &scriptedSelector{moves: []string{"e2e4"}}, repository.NewMemoryGameStore())
	done := runSession(t, s)

	platform.events <- gameFull("somebody", botID, "")
	platform.events <- domain.GameEvent{
		Type:   domain.GameEventState,
		Moves:  "e2e4",
		Status: "resign",
		Winner: "white",
	}

	require.NoError(t, waitDone(t, done))
	assert.Equal(t, Finished, s.State())
	assert.Empty(t, platform.submittedMoves())
}

func TestSessionSingleRejectionRetriesWithResync(t *testing.T) {
	platform := newFakePlatform()
	platform.rejects = 1
	store := repository.NewMemoryGameStore()
	s := newTestSession(platform, &scriptedSelector{moves: []string{"e2e4"}}, store)
	done := runSession(t, s)

	platform.events <- gameFull(botID, "somebody", "")
	require.Eventually(t, func() bool {
		return len(platform.submittedMoves()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// First submission rejected, retried once against the resynced board.
	assert.Equal(t, []string{"e2e4", "e2e4"}, platform.submittedMoves())

	close(platform.events)
	require.NoError(t, waitDone(t, done))
	assert.Equal(t, Finished, s.State())
}

func TestSessionRejectionResyncUsesQueuedState(t *testing.T) {
	platform := newFakePlatform()
	platform.rejects = 1
	s := newTestSession(platform, &scriptedSelector{moves: []string{"e2e4", "g1f3"}}, repository.NewMemoryGameStore())

	// A newer authoritative state is already queued when the first
	// submission bounces; the retry must be derived from it.
	platform.events <- gameFull(botID, "somebody", "")
	platform.events <- domain.GameEvent{
		Type:   domain.GameEventState,
		Moves:  "e2e4 e7e5",
		Status: domain.StatusStarted,
	}
	done := runSession(t, s)

	require.Eventually(t, func() bool {
		return len(platform.submittedMoves()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"e2e4", "g1f3"}, platform.submittedMoves())

	close(platform.events)
	require.NoError(t, waitDone(t, done))
	assert.Equal(t, Finished, s.State())
}

func TestSessionRejectionSkipsRetryWhenMoveLanded(t *testing.T) {
	platform := newFakePlatform()
	platform.rejects = 1
	s := newTestSession(platform, &scriptedSelector{moves: []string{"e2e4"}}, repository.NewMemoryGameStore())

	// The queued state shows the rejected move on the board after all,
	// so a retry would move twice in a row.
	platform.events <- gameFull(botID, "somebody", "")
	platform.events <- domain.GameEvent{
		Type:   domain.GameEventState,
		Moves:  "e2e4",
		Status: domain.StatusStarted,
	}
	done := runSession(t, s)

	require.Eventually(t, func() bool { return s.State() == WaitingForOpponent }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"e2e4"}, platform.submittedMoves())

	close(platform.events)
	require.NoError(t, waitDone(t, done))
	assert.Len(t, platform.submittedMoves(), 1)
}

func TestSessionRejectionWithQueuedTerminalStateFinishes(t *testing.T) {
	platform := newFakePlatform()
	platform.rejects = 1
	s := newTestSession(platform, &scriptedSelector{moves: []string{"e2e4"}}, repository.NewMemoryGameStore())

	platform.events <- gameFull(botID, "somebody", "")
	platform.events <- domain.GameEvent{
		Type:   domain.GameEventState,
		Status: "aborted",
	}
	done := runSession(t, s)

	require.NoError(t, waitDone(t, done))
	assert.Equal(t, Finished, s.State())
	assert.Len(t, platform.submittedMoves(), 1)
}

func TestSessionSecondRejectionIsFatalForSessionOnly(t *testing.T) {
	platform := newFakePlatform()
	platform.rejects = 2
	s := newTestSession(platform, &scriptedSelector{moves: []string{"e2e4"}}, repository.NewMemoryGameStore())
	done := runSession(t, s)

	platform.events <- gameFull(botID, "somebody", "")

	err := waitDone(t, done)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrMoveRejected)
	assert.Equal(t, Finished, s.State())
	assert.Len(t, platform.submittedMoves(), 2)
}

func TestSessionIgnoresGamesItIsNotPlaying(t *testing.T) {
	platform := newFakePlatform()
	s := newTestSession(platform, &scriptedSelector{moves: []string{"e2e4"}}, repository.NewMemoryGameStore())
	done := runSession(t, s)

	platform.events <- gameFull("alice", "bob", "")
	platform.events <- domain.GameEvent{Type: domain.GameEventState, Moves: "e2e4", Status: domain.StatusStarted}

	close(platform.events)
	require.NoError(t, waitDone(t, done))
	assert.Empty(t, platform.submittedMoves())
}

func TestSessionCheckpointsAndCleansUp(t *testing.T) {
	platform := newFakePlatform()
	store := repository.NewMemoryGameStore()
	s := newTestSession(platform, &scriptedSelector{moves: []string{"e2e4"}}, store)
	done := runSession(t, s)

	platform.events <- gameFull("somebody", botID, "e2e4 e7e5")
	require.Eventually(t, func() bool {
		moves, err := store.LoadMoves(context.Background(), "game1")
		return err == nil && moves == "e2e4 e7e5"
	}, 2*time.Second, 10*time.Millisecond)

	close(platform.events)
	require.NoError(t, waitDone(t, done))

	_, err := store.LoadMoves(context.Background(), "game1")
	assert.ErrorIs(t, err, errs.ErrGameNotFound)
}

func TestSessionResumesFromCustomInitialFen(t *testing.T) {
	platform := newFakePlatform()
	// King and rook endgame, white (the bot) to move.
	fen := "8/8/8/4k3/8/8/4K3/R7 w - - 0 1"
	sel := &scriptedSelector{moves: []string{"a1a4"}}
	s := newTestSession(platform, sel, repository.NewMemoryGameStore())
	done := runSession(t, s)

	platform.events <- domain.GameEvent{
		Type:       domain.GameEventFull,
		InitialFen: fen,
		White:      domain.Player{ID: botID},
		Black:      domain.Player{ID: "somebody"},
		State:      &domain.GameState{Status: domain.StatusStarted},
	}
	require.Eventually(t, func() bool {
		return len(platform.submittedMoves()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a1a4"}, platform.submittedMoves())

	close(platform.events)
	require.NoError(t, waitDone(t, done))
}
