package dispatcher

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"stylebot/internal/bootstrap"
	"stylebot/internal/domain"
)

// Platform is the slice of the remote game host the dispatcher needs.
type Platform interface {
	StreamEvents(ctx context.Context) (<-chan domain.Event, error)
	AcceptChallenge(ctx context.Context, challengeID string) error
	DeclineChallenge(ctx context.Context, challengeID string) error
	OnlineBots(ctx context.Context) ([]string, error)
	ChallengeUser(ctx context.Context, username string) error
}

// Runner is a game session ready to be driven on its own goroutine.
type Runner interface {
	Run(ctx context.Context) error
}

// Dispatcher consumes the global event stream, applies the challenge
// acceptance policy, and spawns one session goroutine per started game.
// A session's failure never reaches the dispatcher loop or its siblings.
type Dispatcher struct {
	cfg        bootstrap.Config
	log        *zap.SugaredLogger
	platform   Platform
	botID      string
	newSession func(gameID string) Runner

	allowlist map[string]struct{}
	randInt   func(n int) int

	mu     sync.RWMutex
	active map[string]struct{}
	wg     sync.WaitGroup
}

func New(cfg bootstrap.Config, log *zap.SugaredLogger, platform Platform, botID string, newSession func(gameID string) Runner) *Dispatcher {
	d := &Dispatcher{
		cfg:        cfg,
		log:        log,
		platform:   platform,
		botID:      botID,
		newSession: newSession,
		active:     make(map[string]struct{}),
		randInt:    rand.Intn,
	}

	if cfg.ChallengePolicy == bootstrap.PolicyAllowlist {
		d.allowlist = make(map[string]struct{})
		for _, id := range strings.Split(cfg.ChallengeAllowlist, ",") {
			id = strings.ToLower(strings.TrimSpace(id))
			if id != "" {
				d.allowlist[id] = struct{}{}
			}
		}
	}
	return d
}

// Run blocks on the global event stream until it closes or the context
// is cancelled. Spawned sessions keep running; use Wait to join them.
func (d *Dispatcher) Run(ctx context.Context) error {
	events, err := d.platform.StreamEvents(ctx)
	if err != nil {
		return err
	}

	if d.cfg.ChallengeIntervalSeconds > 0 {
		d.wg.Add(1)
		go d.challengeLoop(ctx)
	}

	d.log.Infow("dispatcher running", "bot", d.botID, "policy", d.cfg.ChallengePolicy)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				d.log.Infow("event stream closed")
				return nil
			}
			d.handleEvent(ctx, ev)
		}
	}
}

// Wait joins all session goroutines, for a clean shutdown after Run.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// ActiveGames reports the ids of games with a live session.
func (d *Dispatcher) ActiveGames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.active))
	for id := range d.active {
		ids = append(ids, id)
	}
	return ids
}

func (d *Dispatcher) handleEvent(ctx context.Context, ev domain.Event) {
	switch ev.Type {
	case domain.EventChallenge:
		if ev.Challenge == nil {
			return
		}
		d.handleChallenge(ctx, ev.Challenge)

	case domain.EventGameStart:
		if ev.Game == nil {
			return
		}
		d.spawnSession(ctx, ev.Game.ID)

	case domain.EventGameFinish:
		if ev.Game != nil {
			d.retire(ev.Game.ID)
		}

	default:
		d.log.Debugw("ignoring event", "type", ev.Type)
	}
}

func (d *Dispatcher) handleChallenge(ctx context.Context, ch *domain.Challenge) {
	challenger := strings.ToLower(ch.Challenger.ID)
	if challenger == strings.ToLower(d.botID) {
		// Our own outbound challenge; gameStart follows if accepted.
		return
	}

	if !d.accepts(challenger) {
		d.log.Infow("declining challenge", "challenge", ch.ID, "from", challenger)
		if err := d.platform.DeclineChallenge(ctx, ch.ID); err != nil {
			d.log.Warnw("decline failed", "challenge", ch.ID, "error", err)
		}
		return
	}

	d.log.Infow("accepting challenge", "challenge", ch.ID, "from", challenger)
	if err := d.platform.AcceptChallenge(ctx, ch.ID); err != nil {
		d.log.Warnw("accept failed", "challenge", ch.ID, "error", err)
	}
}

func (d *Dispatcher) accepts(challenger string) bool {
	if d.allowlist == nil {
		return true
	}
	_, ok := d.allowlist[challenger]
	return ok
}

func (d *Dispatcher) spawnSession(ctx context.Context, gameID string) {
	d.mu.Lock()
	if _, running := d.active[gameID]; running {
		d.mu.Unlock()
		return
	}
	d.active[gameID] = struct{}{}
	d.mu.Unlock()

	runner := d.newSession(gameID)
	d.log.Infow("game started", "game", gameID)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.retire(gameID)
		defer func() {
			if r := recover(); r != nil {
				d.log.Errorw("session panicked", "game", gameID, "panic", r)
			}
		}()
		if err := runner.Run(ctx); err != nil {
			d.log.Errorw("session failed", "game", gameID, "error", err)
		}
	}()
}

func (d *Dispatcher) retire(gameID string) {
	d.mu.Lock()
	delete(d.active, gameID)
	d.mu.Unlock()
}

// challengeLoop periodically challenges a random configured human or an
// online bot, so the account does not sit idle.
func (d *Dispatcher) challengeLoop(ctx context.Context) {
	defer d.wg.Done()

	interval := time.Duration(d.cfg.ChallengeIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if target := d.pickTarget(ctx); target != "" {
				if err := d.platform.ChallengeUser(ctx, target); err != nil {
					d.log.Warnw("outbound challenge failed", "target", target, "error", err)
				} else {
					d.log.Infow("challenged", "target", target)
				}
			}
		}
	}
}

func (d *Dispatcher) pickTarget(ctx context.Context) string {
	var targets []string

	for _, u := range strings.Split(d.cfg.ChallengeUsers, ",") {
		if u = strings.TrimSpace(u); u != "" {
			targets = append(targets, u)
		}
	}

	bots, err := d.platform.OnlineBots(ctx)
	if err != nil {
		d.log.Warnw("online bot listing failed", "error", err)
	}
	for _, b := range bots {
		if !strings.EqualFold(b, d.botID) {
			targets = append(targets, b)
		}
	}

	if len(targets) == 0 {
		return ""
	}
	return targets[d.randInt(len(targets))]
}
