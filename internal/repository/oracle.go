package repository

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"stylebot/internal/domain"
	errs "stylebot/internal/errors"
)

// Oracle is the external chess-evaluation engine, seen as a black box:
// one position plus a depth budget in, a ranked move list out.
type Oracle interface {
	Evaluate(ctx context.Context, fen string, depth int) ([]domain.ScoredMove, error)
}

// mateScore anchors mate-in-N scores well above any centipawn evaluation.
const mateScore = 100000

// defaultEvalCeiling bounds a single engine call by wall clock on top of
// the depth budget, so a wedged engine cannot stall a session forever.
const defaultEvalCeiling = 60 * time.Second

// UCIEngine manages one UCI engine process: writes to its stdin, reads
// its stdout. The process is shared by all concurrent games; because the
// UCI protocol has no request correlation, a mutex is held across the
// whole request/response exchange to serialize access.
type UCIEngine struct {
	cmd     *exec.Cmd
	stdin   *bufio.Writer
	lines   chan string
	mu      sync.Mutex
	log     *zap.SugaredLogger
	multiPV int
	ceiling time.Duration

	// pending is set when a search was abandoned before its bestmove
	// arrived; the next call must consume that answer first.
	pending bool
}

// NewUCIEngine spawns the engine binary and performs the uci/isready
// handshake. multiPV controls how many ranked lines Evaluate returns.
func NewUCIEngine(path string, multiPV int, log *zap.SugaredLogger) (*UCIEngine, error) {
	if multiPV < 1 {
		multiPV = 1
	}

	cmd := exec.Command(path)

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	e := &UCIEngine{
		cmd:     cmd,
		stdin:   bufio.NewWriter(stdinPipe),
		lines:   make(chan string, 64),
		log:     log,
		multiPV: multiPV,
		ceiling: defaultEvalCeiling,
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine %s: %w", path, err)
	}

	go e.listen(bufio.NewScanner(stdoutPipe))

	if err := e.handshake(); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("engine handshake: %w", err)
	}

	log.Infow("evaluation engine ready", "path", path, "multipv", multiPV)
	return e, nil
}

// listen pumps engine stdout lines into the channel until the process
// closes its pipe.
func (e *UCIEngine) listen(scanner *bufio.Scanner) {
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		e.lines <- scanner.Text()
	}
	close(e.lines)
}

func (e *UCIEngine) handshake() error {
	if err := e.send("uci"); err != nil {
		return err
	}
	if err := e.waitFor("uciok", 10*time.Second); err != nil {
		return err
	}
	if err := e.send(fmt.Sprintf("setoption name MultiPV value %d", e.multiPV)); err != nil {
		return err
	}
	if err := e.send("isready"); err != nil {
		return err
	}
	return e.waitFor("readyok", 10*time.Second)
}

func (e *UCIEngine) send(line string) error {
	if _, err := e.stdin.WriteString(line + "\n"); err != nil {
		return err
	}
	return e.stdin.Flush()
}

func (e *UCIEngine) waitFor(token string, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case line, ok := <-e.lines:
			if !ok {
				return fmt.Errorf("engine exited")
			}
			if strings.HasPrefix(line, token) {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("timed out waiting for %q", token)
		}
	}
}

// Evaluate runs a fixed-depth search and returns the engine's ranked
// lines, best first. The call blocks for the duration of the search;
// any process failure or deadline surfaces as ErrOracleUnavailable.
func (e *UCIEngine) Evaluate(ctx context.Context, fen string, depth int) ([]domain.ScoredMove, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.settle(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrOracleUnavailable, err)
	}

	if err := e.send("position fen " + fen); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrOracleUnavailable, err)
	}
	if err := e.send(fmt.Sprintf("go depth %d", depth)); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrOracleUnavailable, err)
	}

	timer := time.NewTimer(e.ceiling)
	defer timer.Stop()

	byRank := make(map[int]domain.ScoredMove)
	for {
		select {
		case line, ok := <-e.lines:
			if !ok {
				return nil, fmt.Errorf("%w: engine exited", errs.ErrOracleUnavailable)
			}
			if strings.HasPrefix(line, "bestmove") {
				return rankedMoves(byRank, line)
			}
			if sm, ok := parseInfoLine(line); ok {
				byRank[sm.Rank] = sm
			}
		case <-ctx.Done():
			e.abandon()
			return nil, fmt.Errorf("%w: %v", errs.ErrOracleUnavailable, ctx.Err())
		case <-timer.C:
			e.abandon()
			return nil, fmt.Errorf("%w: evaluation exceeded %s", errs.ErrOracleUnavailable, e.ceiling)
		}
	}
}

// abandon cuts a search short without waiting for its answer. The engine
// still emits a bestmove for it, which settle consumes on the next call.
func (e *UCIEngine) abandon() {
	_ = e.send("stop")
	e.pending = true
}

// settle discards the output of a previously abandoned search through its
// bestmove, so a new search never reads a stale answer.
func (e *UCIEngine) settle() error {
	if e.pending {
		if err := e.waitFor("bestmove", e.ceiling); err != nil {
			return err
		}
		e.pending = false
	}
	e.drain()
	return nil
}

func (e *UCIEngine) drain() {
	for {
		select {
		case <-e.lines:
		default:
			return
		}
	}
}

// Close asks the engine to quit and reaps the process.
func (e *UCIEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.send("quit")
	return e.cmd.Wait()
}

// parseInfoLine extracts (multipv rank, score, first pv move) from a UCI
// info line. Lines without a pv or score are skipped.
func parseInfoLine(line string) (domain.ScoredMove, bool) {
	if !strings.HasPrefix(line, "info") {
		return domain.ScoredMove{}, false
	}

	fields := strings.Fields(line)
	sm := domain.ScoredMove{Rank: 1}
	haveScore, haveMove := false, false

	for i := 0; i < len(fields)-1; i++ {
		switch fields[i] {
		case "multipv":
			if n, err := strconv.Atoi(fields[i+1]); err == nil {
				sm.Rank = n
			}
		case "score":
			if i+2 >= len(fields) {
				continue
			}
			n, err := strconv.Atoi(fields[i+2])
			if err != nil {
				continue
			}
			switch fields[i+1] {
			case "cp":
				sm.ScoreCP = n
				haveScore = true
			case "mate":
				if n >= 0 {
					sm.ScoreCP = mateScore - n
				} else {
					sm.ScoreCP = -mateScore - n
				}
				haveScore = true
			}
		case "pv":
			sm.UCI = fields[i+1]
			haveMove = true
		}
	}

	return sm, haveScore && haveMove
}

// rankedMoves orders collected lines by multipv rank. When the search
// produced no usable info lines, the bestmove itself is returned with a
// neutral score.
func rankedMoves(byRank map[int]domain.ScoredMove, bestmoveLine string) ([]domain.ScoredMove, error) {
	if len(byRank) == 0 {
		fields := strings.Fields(bestmoveLine)
		if len(fields) < 2 || fields[1] == "(none)" {
			return nil, fmt.Errorf("%w: engine returned no move", errs.ErrOracleUnavailable)
		}
		return []domain.ScoredMove{{UCI: fields[1], Rank: 1}}, nil
	}

	out := make([]domain.ScoredMove, 0, len(byRank))
	for _, sm := range byRank {
		out = append(out, sm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}
