package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tangled.org/arabica.social/murmur/internal/config"
	"tangled.org/arabica.social/murmur/internal/database/boltstore"
	"tangled.org/arabica.social/murmur/internal/rules"
)

const rulesFile = `[
	{"id": "links", "name": "Too many links", "priority": 10, "enabled": true, "action": "flag",
	 "conditions": [{"attribute": "link_count", "operator": "gte", "value": "3"}]},
	{"id": "spam-words", "name": "Casino spam", "priority": 20, "enabled": true, "action": "spam",
	 "conditions": [{"attribute": "content", "operator": "regex", "value": "(?i)casino|jackpot"}]}
]`

const badRulesFile = `[
	{"id": "ok", "priority": 1, "enabled": true, "action": "approve",
	 "conditions": [{"attribute": "trust_score", "operator": "gt", "value": "0.9"}]},
	{"id": "broken", "priority": 5, "enabled": true, "action": "promote",
	 "conditions": [{"attribute": "content", "operator": "contains", "value": "x"}]}
]`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestSetupLogging(t *testing.T) {
	originalLogger := log.Logger
	originalLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = originalLogger
		zerolog.SetGlobalLevel(originalLevel)
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		setupLogging("warn", "json", &buf)
		assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

		log.Info().Msg("dropped")
		log.Warn().Str("rule", "links").Msg("rules: skipping invalid rule")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry), buf.String())
		assert.Equal(t, "warn", entry["level"])
		assert.Equal(t, "links", entry["rule"])
		assert.Contains(t, entry, "time")
	})

	t.Run("console", func(t *testing.T) {
		var buf bytes.Buffer
		setupLogging("", "", &buf)
		assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

		log.Info().Msg("hello")
		assert.Contains(t, buf.String(), "hello")
		assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
	})

	t.Run("unknown level", func(t *testing.T) {
		setupLogging("verbose", "json", &bytes.Buffer{})
		assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
	})
}

func TestCheckRules(t *testing.T) {
	engine := rules.NewEngine(rules.DefaultConfig(), nil)

	t.Run("valid", func(t *testing.T) {
		ruleSet, err := rules.LoadFile(writeFile(t, "rules.json", rulesFile))
		require.NoError(t, err)

		var out bytes.Buffer
		require.NoError(t, checkRules(&out, engine, ruleSet))
		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.Len(t, lines, 2)
		assert.True(t, strings.HasPrefix(lines[0], "ok   spam-words"), "highest priority first")
	})

	t.Run("invalid", func(t *testing.T) {
		ruleSet, err := rules.LoadFile(writeFile(t, "bad.json", badRulesFile))
		require.NoError(t, err)

		var out bytes.Buffer
		err = checkRules(&out, engine, ruleSet)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "1 of 2")
		assert.Contains(t, out.String(), "FAIL broken")
		assert.Contains(t, out.String(), "ok   ok")
	})
}

func TestRulesCheckCommand(t *testing.T) {
	cmd := rootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"rules", "check", writeFile(t, "rules.json", rulesFile)})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "ok   links")
}

func TestImportRules(t *testing.T) {
	store, err := boltstore.Open(boltstore.Options{Path: filepath.Join(t.TempDir(), "murmur.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine := rules.NewEngine(rules.DefaultConfig(), store)
	n, err := importRules(context.Background(), store, engine, writeFile(t, "bad.json", badRulesFile))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	loaded, err := engine.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)

	_, err = store.GetRule(context.Background(), "broken")
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	t.Run("bolt", func(t *testing.T) {
		store, err := openStore(config.StorageConfig{Backend: config.BackendBolt, BoltPath: filepath.Join(t.TempDir(), "m.db")})
		require.NoError(t, err)
		require.NoError(t, store.Close())
	})

	t.Run("sqlite", func(t *testing.T) {
		store, err := openStore(config.StorageConfig{Backend: config.BackendSQLite, DSN: filepath.Join(t.TempDir(), "m.sqlite")})
		require.NoError(t, err)
		n, err := store.CountComments(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
		require.NoError(t, store.Close())
	})
}

func TestBuildDeliverer(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)

	channels, err := buildDeliverer(cfg, nil)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "log", channels[0].Name)

	cfg.Notify.PushURLs = []string{"logger://"}
	cfg.Notify.SMTP.Host = "smtp.example.com"
	channels, err = buildDeliverer(cfg, nil)
	require.NoError(t, err)
	names := []string{}
	for _, ch := range channels {
		names = append(names, ch.Name)
	}
	assert.Equal(t, []string{"log", "email", "push"}, names)

	cfg.Notify.PushURLs = []string{"nope://"}
	_, err = buildDeliverer(cfg, nil)
	assert.Error(t, err)
}
