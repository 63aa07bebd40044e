package play

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/notnil/chess"
	"go.uber.org/zap"

	"stylebot/internal/httpresponse"
	"stylebot/internal/usecase/session"
)

// Handler serves local games against the bot over HTTP + websocket, for
// playing the engine without a platform account.
type Handler struct {
	log      *zap.SugaredLogger
	selector session.Selector

	mu    sync.Mutex
	games map[string]*localGame
}

type localGame struct {
	mu       sync.Mutex
	game     *chess.Game
	botColor chess.Color
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func NewHandler(log *zap.SugaredLogger, selector session.Selector) *Handler {
	return &Handler{
		log:      log,
		selector: selector,
		games:    make(map[string]*localGame),
	}
}

func (h *Handler) Router(r *chi.Mux) {
	r.Get("/health", h.HandleHealth)
	r.Post("/game", h.HandleNewGame)
	r.Get("/game/ws", h.HandleGameSocket)
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	httpresponse.WriteResponseWithStatus(w, http.StatusOK, "ok")
}

type newGameRequest struct {
	Color string `json:"color"`
}

type newGameResponse struct {
	GameID string `json:"game_id"`
	Color  string `json:"color"`
	Fen    string `json:"fen"`
}

func (h *Handler) HandleNewGame(w http.ResponseWriter, r *http.Request) {
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		h.log.Error("Failed to read body:", err)
		httpresponse.WriteResponseWithStatus(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	defer r.Body.Close()

	req := newGameRequest{Color: "white"}
	if len(bytes.TrimSpace(bodyBytes)) > 0 {
		decoder := json.NewDecoder(bytes.NewReader(bodyBytes))
		decoder.DisallowUnknownFields()
		if err = decoder.Decode(&req); err != nil {
			h.log.Error("JSON decode error:", err)
			httpresponse.WriteResponseWithStatus(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
			return
		}
	}

	botColor := chess.Black
	switch req.Color {
	case "white":
	case "black":
		botColor = chess.White
	default:
		httpresponse.WriteResponseWithStatus(w, http.StatusBadRequest, "color must be white or black")
		return
	}

	id := uuid.New().String()
	lg := &localGame{game: chess.NewGame(), botColor: botColor}

	h.mu.Lock()
	h.games[id] = lg
	h.mu.Unlock()

	h.log.Infow("local game created", "game", id, "player_color", req.Color)
	httpresponse.WriteResponseWithStatus(w, http.StatusOK, newGameResponse{
		GameID: id,
		Color:  req.Color,
		Fen:    lg.game.FEN(),
	})
}

type moveMessage struct {
	Move string `json:"move"`
}

type stateMessage struct {
	Move    string `json:"move,omitempty"`
	SAN     string `json:"san,omitempty"`
	Source  string `json:"source,omitempty"`
	Fen     string `json:"fen"`
	Outcome string `json:"outcome,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (h *Handler) HandleGameSocket(w http.ResponseWriter, r *http.Request) {
	gameID := r.URL.Query().Get("game_id")
	if gameID == "" {
		httpresponse.WriteResponseWithStatus(w, http.StatusBadRequest, "game_id is required")
		return
	}

	h.mu.Lock()
	lg, ok := h.games[gameID]
	h.mu.Unlock()
	if !ok {
		httpresponse.WriteResponseWithStatus(w, http.StatusNotFound, "game not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("upgrade error:", err)
		return
	}
	defer conn.Close()
	defer h.drop(gameID)

	ctx := r.Context()

	// The bot opens when it has the white pieces.
	lg.mu.Lock()
	if lg.game.Position().Turn() == lg.botColor {
		if err := h.botMove(ctx, conn, lg); err != nil {
			lg.mu.Unlock()
			h.log.Error("bot move error:", err)
			return
		}
	}
	lg.mu.Unlock()

	for {
		var msg moveMessage
		if err := conn.ReadJSON(&msg); err != nil {
			h.log.Debugw("socket closed", "game", gameID, "error", err)
			return
		}

		lg.mu.Lock()
		done, err := h.playerMove(ctx, conn, lg, msg.Move)
		lg.mu.Unlock()
		if err != nil {
			h.log.Error("write error:", err)
			return
		}
		if done {
			return
		}
	}
}

// playerMove applies the player's move and answers with the bot's reply.
// Illegal input gets an error frame and the game continues.
func (h *Handler) playerMove(ctx context.Context, conn *websocket.Conn, lg *localGame, raw string) (bool, error) {
	move, err := decodeMove(lg.game.Position(), raw)
	if err != nil {
		return false, conn.WriteJSON(stateMessage{Fen: lg.game.FEN(), Error: "illegal move: " + raw})
	}
	if err := lg.game.Move(move); err != nil {
		return false, conn.WriteJSON(stateMessage{Fen: lg.game.FEN(), Error: "illegal move: " + raw})
	}

	if lg.game.Outcome() != chess.NoOutcome {
		return true, conn.WriteJSON(stateMessage{Fen: lg.game.FEN(), Outcome: string(lg.game.Outcome())})
	}

	if err := h.botMove(ctx, conn, lg); err != nil {
		return false, err
	}
	return lg.game.Outcome() != chess.NoOutcome, nil
}

func (h *Handler) botMove(ctx context.Context, conn *websocket.Conn, lg *localGame) error {
	decision, err := h.selector.SelectMove(ctx, lg.game)
	if err != nil {
		return conn.WriteJSON(stateMessage{Fen: lg.game.FEN(), Error: err.Error()})
	}
	if err := lg.game.Move(decision.Move); err != nil {
		return conn.WriteJSON(stateMessage{Fen: lg.game.FEN(), Error: err.Error()})
	}

	msg := stateMessage{
		Move:   decision.UCI,
		SAN:    decision.SAN,
		Source: string(decision.Source),
		Fen:    lg.game.FEN(),
	}
	if lg.game.Outcome() != chess.NoOutcome {
		msg.Outcome = string(lg.game.Outcome())
	}
	return conn.WriteJSON(msg)
}

// decodeMove accepts UCI first, SAN second, matching what humans type.
func decodeMove(pos *chess.Position, raw string) (*chess.Move, error) {
	if move, err := (chess.UCINotation{}).Decode(pos, raw); err == nil {
		return move, nil
	}
	return chess.AlgebraicNotation{}.Decode(pos, raw)
}

func (h *Handler) drop(gameID string) {
	h.mu.Lock()
	delete(h.games, gameID)
	h.mu.Unlock()
}
