package container

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirky-x/crawlrs/internal/config"
)

func TestBuildEngines_RegistersAllThreeEnginesWhenNoneConfigured(t *testing.T) {
	cfg := &config.Config{}
	engines := buildEngines(cfg)
	require.Len(t, engines, 3)
}

func TestBuildEngines_ConfiguredEntriesKeepThreeEngines(t *testing.T) {
	cfg := &config.Config{
		Engines: map[string]config.EngineConfig{
			"primary":   {URL: "http://a.example", Timeout: 5 * time.Second},
			"secondary": {URL: "http://b.example"},
		},
	}
	engines := buildEngines(cfg)
	assert.Len(t, engines, 3)
}
