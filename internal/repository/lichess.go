package repository

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"stylebot/internal/bootstrap"
	"stylebot/internal/domain"
	errs "stylebot/internal/errors"
)

// Lichess talks to the bot API: NDJSON event streams in, move submissions
// and challenge decisions out.
type Lichess struct {
	cfg    bootstrap.Config
	log    *zap.SugaredLogger
	client *http.Client
	base   string
}

func NewLichess(cfg bootstrap.Config, log *zap.SugaredLogger) *Lichess {
	return &Lichess{
		cfg: cfg,
		log: log,
		// Streaming requests stay open for the lifetime of a game, so no
		// client-level timeout; discrete calls carry their own contexts.
		client: &http.Client{},
		base:   strings.TrimRight(cfg.LichessUrl, "/"),
	}
}

func (l *Lichess) newRequest(ctx context.Context, method, path, accept string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, l.base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+l.cfg.LichessToken)
	req.Header.Set("Accept", accept)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return req, nil
}

// StreamEvents opens the global event stream. The returned channel is
// closed when the platform ends the stream or the context is cancelled.
func (l *Lichess) StreamEvents(ctx context.Context) (<-chan domain.Event, error) {
	resp, err := l.openStream(ctx, "/api/stream/event")
	if err != nil {
		return nil, err
	}

	ch := make(chan domain.Event, 8)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		l.pumpNDJSON(ctx, resp.Body, func(line []byte) bool {
			var ev domain.Event
			if err := json.Unmarshal(line, &ev); err != nil {
				l.log.Warnw("skipping malformed event", "error", err, "line", string(line))
				return true
			}
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return ch, nil
}

// StreamGame opens the move stream for one game.
func (l *Lichess) StreamGame(ctx context.Context, gameID string) (<-chan domain.GameEvent, error) {
	resp, err := l.openStream(ctx, "/api/bot/game/stream/"+gameID)
	if err != nil {
		return nil, err
	}

	ch := make(chan domain.GameEvent, 8)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		l.pumpNDJSON(ctx, resp.Body, func(line []byte) bool {
			var ev domain.GameEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				l.log.Warnw("skipping malformed game event", "game", gameID, "error", err)
				return true
			}
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return ch, nil
}

func (l *Lichess) openStream(ctx context.Context, path string) (*http.Response, error) {
	req, err := l.newRequest(ctx, http.MethodGet, path, "application/x-ndjson", nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("open stream %s: status %d: %s", path, resp.StatusCode, body)
	}
	return resp, nil
}

// pumpNDJSON feeds non-empty stream lines to handle until the stream ends
// or handle returns false. Empty lines are keep-alives.
func (l *Lichess) pumpNDJSON(ctx context.Context, r io.Reader, handle func(line []byte) bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !handle(line) {
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		l.log.Warnw("stream read error", "error", err)
	}
}

// SubmitMove posts one move in UCI notation. A non-200 answer means the
// platform rejected it and surfaces as ErrMoveRejected.
func (l *Lichess) SubmitMove(ctx context.Context, gameID, moveUCI string) error {
	req, err := l.newRequest(ctx, http.MethodPost, "/api/bot/game/"+gameID+"/move/"+moveUCI, "application/json", nil)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("submit move %s in %s: %w", moveUCI, gameID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s in %s: status %d: %s", errs.ErrMoveRejected, moveUCI, gameID, resp.StatusCode, body)
	}
	return nil
}

func (l *Lichess) AcceptChallenge(ctx context.Context, challengeID string) error {
	return l.post(ctx, "/api/challenge/"+challengeID+"/accept", nil)
}

// DeclineChallenge communicates the refusal explicitly rather than
// letting the challenge expire.
func (l *Lichess) DeclineChallenge(ctx context.Context, challengeID string) error {
	form := url.Values{"reason": {"generic"}}
	return l.post(ctx, "/api/challenge/"+challengeID+"/decline", form)
}

// ChallengeUser sends a casual 3+2 challenge.
func (l *Lichess) ChallengeUser(ctx context.Context, username string) error {
	form := url.Values{
		"rated":           {"false"},
		"clock.limit":     {"180"},
		"clock.increment": {"2"},
		"variant":         {"standard"},
		"color":           {"random"},
	}
	return l.post(ctx, "/api/challenge/"+username, form)
}

func (l *Lichess) post(ctx context.Context, path string, form url.Values) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := l.newRequest(ctx, http.MethodPost, path, "application/json", body)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, b)
	}
	return nil
}

// Account resolves the id of the account behind the configured token.
func (l *Lichess) Account(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := l.newRequest(ctx, http.MethodGet, "/api/account", "application/json", nil)
	if err != nil {
		return "", err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch account: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch account: status %d", resp.StatusCode)
	}

	var account struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return "", fmt.Errorf("fetch account: %w", err)
	}
	return account.ID, nil
}

// OnlineBots lists ids of bots currently online.
func (l *Lichess) OnlineBots(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	resp, err := l.openStream(ctx, "/api/bot/online")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ids []string
	l.pumpNDJSON(ctx, resp.Body, func(line []byte) bool {
		var bot struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(line, &bot); err == nil && bot.ID != "" {
			ids = append(ids, bot.ID)
		}
		return true
	})
	return ids, nil
}
