package selector

import (
	"context"
	"math/rand"
	"sort"
	"sync"

	"github.com/notnil/chess"
	"go.uber.org/zap"

	"stylebot/internal/bootstrap"
	"stylebot/internal/domain"
	errs "stylebot/internal/errors"
	"stylebot/internal/repository"
)

// StyleSource is the read-only style model the selector queries first.
type StyleSource interface {
	Lookup(key domain.PositionKey) domain.MoveStats
}

// Config holds the selection knobs. FromBootstrap derives it from the
// process configuration.
type Config struct {
	Depth             int
	EndgameDepth      int
	EndgamePieceCount int

	// Filter enables the oracle blunder filter over the most-played
	// style candidates instead of pure frequency sampling.
	Filter             bool
	MaxCandidateMoves  int
	BlunderThresholdCP int
}

func FromBootstrap(cfg bootstrap.Config) Config {
	return Config{
		Depth:              cfg.EngineDepth,
		EndgameDepth:       cfg.EngineEndgameDepth,
		EndgamePieceCount:  cfg.EndgamePieceCount,
		Filter:             cfg.EngineFilter,
		MaxCandidateMoves:  cfg.MaxCandidateMoves,
		BlunderThresholdCP: cfg.BlunderThresholdCP,
	}
}

// Selector picks one move for a position: the player's own statistics
// first, the evaluation oracle when the position is unknown, and a
// uniform-random legal move as the last resort. It always produces a
// legal move for a position that has one.
type Selector struct {
	model  StyleSource
	oracle repository.Oracle // nil disables the oracle path entirely
	cfg    Config
	log    *zap.SugaredLogger

	mu  sync.Mutex
	rng *rand.Rand
}

// New builds a selector. The seed fixes the sampling sequence, which
// keeps selection reproducible under test.
func New(model StyleSource, oracle repository.Oracle, cfg Config, seed int64, log *zap.SugaredLogger) *Selector {
	return &Selector{
		model:  model,
		oracle: oracle,
		cfg:    cfg,
		log:    log,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

type candidate struct {
	move  *chess.Move
	san   string
	count int
}

// SelectMove chooses a move for the game's current position. Terminal
// positions are the caller's problem: the session detects game over
// before ever asking, and a zero-legal-move position yields
// ErrNoLegalMoves.
func (s *Selector) SelectMove(ctx context.Context, g *chess.Game) (domain.Decision, error) {
	pos := g.Position()
	legal := pos.ValidMoves()
	if len(legal) == 0 {
		return domain.Decision{}, errs.ErrNoLegalMoves
	}

	if cands := s.styleCandidates(pos); len(cands) > 0 {
		if s.cfg.Filter && s.oracle != nil {
			if c, ok := s.filterBlunders(ctx, pos, cands); ok {
				return s.decision(pos, c.move, domain.SourceStyle), nil
			}
		}
		c := s.weightedSample(cands)
		return s.decision(pos, c.move, domain.SourceStyle), nil
	}

	if s.oracle != nil {
		if d, err := s.fromOracle(ctx, pos, legal); err == nil {
			return d, nil
		} else {
			// Oracle trouble degrades to the random fallback; the turn
			// still gets a move and the session never sees the error.
			s.log.Warnw("oracle unavailable, using random fallback", "error", err)
		}
	}

	m := legal[s.intn(len(legal))]
	return s.decision(pos, m, domain.SourceFallback), nil
}

// styleCandidates resolves the style entry for the position to currently
// legal moves. Entries that no longer parse or are illegal are discarded
// rather than trusted; a stale model must never crash selection. The
// result is ordered by count descending, SAN ascending, so sampling is
// stable for equal counts.
func (s *Selector) styleCandidates(pos *chess.Position) []candidate {
	stats := s.model.Lookup(domain.KeyFromPosition(pos))
	if len(stats) == 0 {
		return nil
	}

	notation := chess.AlgebraicNotation{}
	cands := make([]candidate, 0, len(stats))
	for san, count := range stats {
		if count <= 0 {
			continue
		}
		move, err := notation.Decode(pos, san)
		if err != nil {
			s.log.Debugw("discarding illegal style move", "san", san, "error", err)
			continue
		}
		cands = append(cands, candidate{move: move, san: san, count: count})
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].count != cands[j].count {
			return cands[i].count > cands[j].count
		}
		return cands[i].san < cands[j].san
	})
	return cands
}

// weightedSample draws one candidate with probability proportional to its
// observed count.
func (s *Selector) weightedSample(cands []candidate) candidate {
	total := 0
	for _, c := range cands {
		total += c.count
	}
	r := s.intn(total)
	for _, c := range cands {
		r -= c.count
		if r < 0 {
			return c
		}
	}
	return cands[len(cands)-1]
}

// filterBlunders checks the most-played candidates with a short oracle
// search and keeps only those within the blunder threshold of the best;
// among the survivors the most-played move wins. Returns false when the
// oracle could not help, in which case plain frequency sampling applies.
func (s *Selector) filterBlunders(ctx context.Context, pos *chess.Position, cands []candidate) (candidate, bool) {
	n := s.cfg.MaxCandidateMoves
	if n < 1 {
		n = 1
	}
	if n > len(cands) {
		n = len(cands)
	}

	depth := s.depthFor(pos) / 2
	if depth < 4 {
		depth = 4
	}

	type scored struct {
		candidate
		score int
	}
	var evaluated []scored
	for _, c := range cands[:n] {
		after := pos.Update(c.move)
		results, err := s.oracle.Evaluate(ctx, after.String(), depth)
		if err != nil || len(results) == 0 {
			continue
		}
		// Best reply score is from the opponent's point of view.
		evaluated = append(evaluated, scored{candidate: c, score: -results[0].ScoreCP})
	}
	if len(evaluated) == 0 {
		return candidate{}, false
	}

	best := evaluated[0].score
	for _, e := range evaluated {
		if e.score > best {
			best = e.score
		}
	}

	// evaluated preserves count order, so the first survivor is the
	// most-played acceptable move.
	for _, e := range evaluated {
		if e.score >= best-s.cfg.BlunderThresholdCP {
			return e.candidate, true
		}
	}
	return candidate{}, false
}

// fromOracle asks the engine for its ranked lines and returns the best
// one that is legal right now.
func (s *Selector) fromOracle(ctx context.Context, pos *chess.Position, legal []*chess.Move) (domain.Decision, error) {
	results, err := s.oracle.Evaluate(ctx, pos.String(), s.depthFor(pos))
	if err != nil {
		return domain.Decision{}, err
	}

	notation := chess.UCINotation{}
	for _, r := range results {
		move, err := notation.Decode(pos, r.UCI)
		if err != nil {
			continue
		}
		for _, lm := range legal {
			if lm.String() == move.String() {
				return s.decision(pos, move, domain.SourceOracle), nil
			}
		}
	}
	return domain.Decision{}, errs.ErrOracleUnavailable
}

// depthFor applies the endgame depth boost once few pieces remain.
func (s *Selector) depthFor(pos *chess.Position) int {
	if len(pos.Board().SquareMap()) <= s.cfg.EndgamePieceCount {
		return s.cfg.EndgameDepth
	}
	return s.cfg.Depth
}

func (s *Selector) decision(pos *chess.Position, move *chess.Move, source domain.Source) domain.Decision {
	return domain.Decision{
		Move:   move,
		UCI:    chess.UCINotation{}.Encode(pos, move),
		SAN:    chess.AlgebraicNotation{}.Encode(pos, move),
		Source: source,
	}
}

func (s *Selector) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}
