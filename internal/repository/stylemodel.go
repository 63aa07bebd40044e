package repository

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"stylebot/internal/domain"
)

// bbolt artifact layout: one bucket, key = FEN, value = JSON {san: count}.
var bucketPositions = []byte("positions")

// StyleModel is the read-only mapping from position key to the move
// frequencies the modelled player produced there. It is loaded once at
// startup and shared across all sessions without locking.
type StyleModel struct {
	positions map[domain.PositionKey]domain.MoveStats
}

// Lookup returns the stats for a key, or nil when the position was never
// observed. Pure and deterministic.
func (m *StyleModel) Lookup(key domain.PositionKey) domain.MoveStats {
	return m.positions[key]
}

// Len reports the number of distinct positions in the model.
func (m *StyleModel) Len() int {
	return len(m.positions)
}

// LoadStyleModel reads a model artifact produced by the offline trainer.
// A .json artifact is the raw {fen: {san: count}} dump; a .db or .bolt
// artifact is a bbolt file with the same data in the positions bucket.
// Any malformation is an error here, never at query time.
func LoadStyleModel(path string, log *zap.SugaredLogger) (*StyleModel, error) {
	var (
		raw map[string]map[string]int
		err error
	)

	switch filepath.Ext(path) {
	case ".json":
		raw, err = readJSONArtifact(path)
	case ".db", ".bolt":
		raw, err = readBoltArtifact(path)
	default:
		return nil, fmt.Errorf("unsupported model artifact %q (want .json, .db or .bolt)", path)
	}
	if err != nil {
		return nil, fmt.Errorf("load style model %s: %w", path, err)
	}

	positions := make(map[domain.PositionKey]domain.MoveStats, len(raw))
	for fen, moves := range raw {
		key := domain.NormalizeKey(fen)
		entry := positions[key]
		if entry == nil {
			entry = make(domain.MoveStats, len(moves))
			positions[key] = entry
		}
		for san, count := range moves {
			if count < 0 {
				return nil, fmt.Errorf("load style model %s: negative count %d for %q at %q", path, count, san, fen)
			}
			// Keys that differ only in move counters merge here.
			entry[san] += count
		}
	}

	log.Infow("style model loaded", "path", path, "positions", len(positions))
	return &StyleModel{positions: positions}, nil
}

func readJSONArtifact(path string) (map[string]map[string]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]map[string]int
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed artifact: %w", err)
	}
	return raw, nil
}

func readBoltArtifact(path string) (map[string]map[string]int, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("bbolt open: %w", err)
	}
	defer db.Close()

	raw := make(map[string]map[string]int)
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPositions)
		if b == nil {
			return fmt.Errorf("malformed artifact: bucket %q missing", bucketPositions)
		}
		return b.ForEach(func(k, v []byte) error {
			var moves map[string]int
			if err := json.Unmarshal(v, &moves); err != nil {
				return fmt.Errorf("malformed artifact: entry %q: %w", k, err)
			}
			raw[string(k)] = moves
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}
