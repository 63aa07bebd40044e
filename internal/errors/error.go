package errors

import "errors"

var (
	ErrOracleUnavailable = errors.New("evaluation engine is unavailable")
	ErrMoveRejected      = errors.New("move was rejected by the platform")
	ErrNoLegalMoves      = errors.New("position has no legal moves")
	ErrGameNotFound      = errors.New("game not found")
)
