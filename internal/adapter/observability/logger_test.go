package observability

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-bridge/internal/config"
)

func TestSetupLogger_DevEnablesDebug(t *testing.T) {
	lg := SetupLogger(config.Config{AppEnv: "dev", OTELServiceName: "ai-chat-bridge"})
	require.NotNil(t, lg)
	assert.True(t, lg.Enabled(context.Background(), slog.LevelDebug))
}

func TestSetupLogger_ProdDefaultsToInfo(t *testing.T) {
	lg := SetupLogger(config.Config{AppEnv: "prod", OTELServiceName: "ai-chat-bridge"})
	require.NotNil(t, lg)
	assert.False(t, lg.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, lg.Enabled(context.Background(), slog.LevelInfo))
}
