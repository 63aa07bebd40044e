package domain

import (
	"strings"

	"github.com/notnil/chess"
)

// PositionKey is the canonical lookup identifier for a board position:
// the first four FEN fields (piece placement, side to move, castling
// rights, en-passant target). Move counters are deliberately excluded so
// that transpositions differing only in clocks share one entry.
type PositionKey string

// NormalizeKey reduces a FEN string to a PositionKey.
func NormalizeKey(fen string) PositionKey {
	fields := strings.Fields(fen)
	if len(fields) > 4 {
		fields = fields[:4]
	}
	return PositionKey(strings.Join(fields, " "))
}

// KeyFromPosition computes the PositionKey for a live position.
func KeyFromPosition(pos *chess.Position) PositionKey {
	return NormalizeKey(pos.String())
}
