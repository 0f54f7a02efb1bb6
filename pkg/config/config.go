// Package config loads the environment configuration recognized by
// cmd/agent8d. Built directly against stdlib os/strconv: these are pure
// environment reads with no CLI surface of their own, read with plain
// os.Getenv as the example corpus does for its env vars (see DESIGN.md).
package config

import (
	"os"
	"strconv"
)

// Config is every environment variable spec.md §6 recognizes.
type Config struct {
	Port                  int    // PORT, default 3000
	WorkdirName           string // WORKDIR_NAME, workspace absolute path
	COEP                  string // COEP, propagated to children
	ForwardPreviewErrors  bool   // FORWARD_PREVIEW_ERRORS
	GitlabURL             string // GITLAB_URL
	GitlabToken           string // GITLAB_TOKEN, required for Task Engine
	GitlabBranch          string // GITLAB_BRANCH, default "develop"
	UseTestToken          bool   // USE_TEST_TOKEN
	TestV8AccessToken     string // TEST_V8_ACCESS_TOKEN, diagnostic
}

// Load reads Config from the process environment, applying the defaults
// spec.md §6 specifies.
func Load() Config {
	return Config{
		Port:                 envInt("PORT", 3000),
		WorkdirName:          os.Getenv("WORKDIR_NAME"),
		COEP:                 os.Getenv("COEP"),
		ForwardPreviewErrors: envBool("FORWARD_PREVIEW_ERRORS", false),
		GitlabURL:            os.Getenv("GITLAB_URL"),
		GitlabToken:          os.Getenv("GITLAB_TOKEN"),
		GitlabBranch:         envString("GITLAB_BRANCH", "develop"),
		UseTestToken:         envBool("USE_TEST_TOKEN", false),
		TestV8AccessToken:    os.Getenv("TEST_V8_ACCESS_TOKEN"),
	}
}

// TaskEngineReady reports whether enough configuration is present to run
// the Task Engine (spec.md §6: GITLAB_TOKEN is required for it).
func (c Config) TaskEngineReady() bool {
	return c.GitlabURL != "" && c.GitlabToken != ""
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
