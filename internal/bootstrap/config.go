package bootstrap

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	ModelPath          string `mapstructure:"MODEL_PATH"`
	EnginePath         string `mapstructure:"ENGINE_PATH"`
	EngineDepth        int    `mapstructure:"ENGINE_DEPTH"`
	EngineEndgameDepth int    `mapstructure:"ENGINE_ENDGAME_DEPTH"`
	EndgamePieceCount  int    `mapstructure:"ENDGAME_PIECE_COUNT"`
	EngineFilter       bool   `mapstructure:"ENGINE_FILTER"`
	MaxCandidateMoves  int    `mapstructure:"MAX_CANDIDATE_MOVES"`
	BlunderThresholdCP int    `mapstructure:"BLUNDER_THRESHOLD_CP"`

	LichessUrl   string `mapstructure:"LICHESS_URL"`
	LichessToken string `mapstructure:"LICHESS_TOKEN"`

	ChallengePolicy          string `mapstructure:"CHALLENGE_POLICY"`
	ChallengeAllowlist       string `mapstructure:"CHALLENGE_ALLOWLIST"`
	ChallengeUsers           string `mapstructure:"CHALLENGE_USERS"`
	ChallengeIntervalSeconds int    `mapstructure:"CHALLENGE_INTERVAL_SECONDS"`

	RedisUrl   string `mapstructure:"REDIS_URL"`
	ServerPort string `mapstructure:"SERVER_PORT"`
}

const (
	PolicyAll       = "all"
	PolicyAllowlist = "allowlist"
)

func Setup(cfgPath string) (*Config, error) {
	viper.SetConfigFile(cfgPath)

	viper.SetDefault("ENGINE_DEPTH", 12)
	viper.SetDefault("ENGINE_ENDGAME_DEPTH", 20)
	viper.SetDefault("ENDGAME_PIECE_COUNT", 10)
	viper.SetDefault("MAX_CANDIDATE_MOVES", 3)
	viper.SetDefault("BLUNDER_THRESHOLD_CP", 200)
	viper.SetDefault("LICHESS_URL", "https://lichess.org")
	viper.SetDefault("CHALLENGE_POLICY", PolicyAll)
	viper.SetDefault("SERVER_PORT", "8080")

	err := viper.ReadInConfig()
	if err != nil {
		return nil, err
	}

	var cfg Config

	err = viper.Unmarshal(&cfg)
	if err != nil {
		return nil, err
	}

	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("MODEL_PATH is required")
	}
	if cfg.ChallengePolicy != PolicyAll && cfg.ChallengePolicy != PolicyAllowlist {
		return nil, fmt.Errorf("unknown CHALLENGE_POLICY %q", cfg.ChallengePolicy)
	}

	return &cfg, nil
}
