package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnv(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSetupDefaults(t *testing.T) {
	path := writeEnv(t, "MODEL_PATH=model.json\n")

	cfg, err := Setup(path)
	require.NoError(t, err)

	assert.Equal(t, "model.json", cfg.ModelPath)
	assert.Equal(t, 12, cfg.EngineDepth)
	assert.Equal(t, 20, cfg.EngineEndgameDepth)
	assert.Equal(t, 10, cfg.EndgamePieceCount)
	assert.Equal(t, 3, cfg.MaxCandidateMoves)
	assert.Equal(t, 200, cfg.BlunderThresholdCP)
	assert.Equal(t, "https://lichess.org", cfg.LichessUrl)
	assert.Equal(t, PolicyAll, cfg.ChallengePolicy)
	assert.Equal(t, "8080", cfg.ServerPort)
	assert.False(t, cfg.EngineFilter)
}

func TestSetupOverrides(t *testing.T) {
	path := writeEnv(t, `MODEL_PATH=style.db
ENGINE_PATH=/usr/bin/stockfish
ENGINE_DEPTH=8
ENGINE_FILTER=true
CHALLENGE_POLICY=allowlist
CHALLENGE_ALLOWLIST=alice,bob
CHALLENGE_INTERVAL_SECONDS=300
REDIS_URL=redis://localhost:6379
`)

	cfg, err := Setup(path)
	require.NoError(t, err)

	assert.Equal(t, "style.db", cfg.ModelPath)
	assert.Equal(t, "/usr/bin/stockfish", cfg.EnginePath)
	assert.Equal(t, 8, cfg.EngineDepth)
	assert.True(t, cfg.EngineFilter)
	assert.Equal(t, PolicyAllowlist, cfg.ChallengePolicy)
	assert.Equal(t, "alice,bob", cfg.ChallengeAllowlist)
	assert.Equal(t, 300, cfg.ChallengeIntervalSeconds)
	assert.Equal(t, "redis://localhost:6379", cfg.RedisUrl)
}

func TestSetupRequiresModelPath(t *testing.T) {
	path := writeEnv(t, "ENGINE_DEPTH=8\n")

	_, err := Setup(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MODEL_PATH")
}

func TestSetupRejectsUnknownPolicy(t *testing.T) {
	path := writeEnv(t, "MODEL_PATH=model.json\nCHALLENGE_POLICY=friends\n")

	_, err := Setup(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHALLENGE_POLICY")
}

func TestSetupMissingFile(t *testing.T) {
	_, err := Setup(filepath.Join(t.TempDir(), "absent.env"))
	require.Error(t, err)
}
