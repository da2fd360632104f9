//
// Tencent is pleased to support the open source community by making trpc-studio-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-studio-go is licensed under the Apache License Version 2.0.
//
//

// Package identity manages the per-profile accounts the pipeline runs
// sub-agents under: credentials, isolated config directories, model
// selection and daily usage budgets.
//
// Settings persist as one JSON document so operators can edit them by
// hand; every mutation goes through a single mutex and is written back
// in full.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Agent profiles recognized by the pipeline.
const (
	ProfilePM   = "pm"
	ProfileArch = "arch"
	ProfileEng  = "eng"
	ProfileQA   = "qa"
)

// Auth styles a profile may use.
const (
	AuthTypeAPIKey = "api_key"
	AuthTypeToken  = "token"
	AuthTypeNone   = "none"
)

// Model providers a profile may be bound to.
const (
	ProviderAnthropic   = "anthropic"
	ProviderClaudeCode  = "claude_code"
	ProviderOpenAI      = "openai"
	ProviderAzureOpenAI = "azure_openai"
	ProviderGroq        = "groq"
	ProviderCustom      = "custom"
)

// SettingsPathEnv names the environment variable that overrides where
// the settings document lives.
const SettingsPathEnv = "STUDIO_AGENT_SETTINGS"

// DefaultSettingsPath is used when no override is configured.
const DefaultSettingsPath = "config/agent_settings.json"

const defaultAuthEnvVar = "CLAUDE_CODE_TOKEN"

// profileDirs maps each profile to its default isolated config dir.
var profileDirs = map[string]string{
	ProfilePM:   "~/.claude/pm",
	ProfileArch: "~/.claude/arch",
	ProfileEng:  "~/.claude/eng",
	ProfileQA:   "~/.claude/qa",
}

// Profiles returns the recognized profile names in pipeline order.
func Profiles() []string {
	return []string{ProfilePM, ProfileArch, ProfileEng, ProfileQA}
}

// ValidProfile reports whether name is a recognized profile.
func ValidProfile(name string) bool {
	_, ok := profileDirs[strings.ToLower(name)]
	return ok
}

// NewSessionID returns the short id handed to sub-agents through
// CLAUDE_SESSION_ID.
func NewSessionID() string {
	return uuid.NewString()[:8]
}

// ProfileConfig is the resolved view of one profile: the credential
// after the fallback chain and the expanded config directory.
type ProfileConfig struct {
	Profile      string
	Provider     string
	Model        string
	AuthType     string
	APIKey       string
	AuthToken    string
	AuthEnvVar   string
	ConfigDir    string
	EnvOverrides map[string]string
	DailyLimit   int
	UsageToday   int
	UsageResetAt string
	HardLimit    bool
	UsageUnit    string
	AccountLabel string
}

// profileSettings is the persisted form of one profile entry.
type profileSettings struct {
	Profile          string            `json:"profile"`
	Provider         string            `json:"provider"`
	Model            string            `json:"model"`
	AuthType         string            `json:"auth_type"`
	APIKey           string            `json:"api_key"`
	AuthToken        string            `json:"auth_token"`
	AuthEnvVar       string            `json:"auth_env_var"`
	EnvOverrides     map[string]string `json:"env_overrides"`
	DailyLimit       int               `json:"daily_limit"`
	UsageToday       int               `json:"usage_today"`
	UsageResetAt     string            `json:"usage_reset_at"`
	HardLimit        bool              `json:"hard_limit"`
	UsageUnit        string            `json:"usage_unit"`
	AccountLabel     string            `json:"account_label"`
	ClaudeProfileDir string            `json:"claude_profile_dir"`
}

// settingsFile is the on-disk document shape.
type settingsFile struct {
	Version   int                        `json:"version"`
	UpdatedAt string                     `json:"updated_at"`
	Agents    map[string]profileSettings `json:"agents"`
}

// Manager loads and persists agent settings and builds the environment
// sub-agent processes run with. Safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	path     string
	settings settingsFile
}

// Option configures a Manager.
type Option func(*Manager)

// WithSettingsPath overrides the settings document location. Takes
// precedence over the STUDIO_AGENT_SETTINGS environment variable.
func WithSettingsPath(path string) Option {
	return func(m *Manager) { m.path = path }
}

// NewManager reads the settings document, creating it with defaults for
// all four profiles when it does not exist yet.
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	if m.path == "" {
		m.path = os.Getenv(SettingsPathEnv)
	}
	if m.path == "" {
		m.path = DefaultSettingsPath
	}
	if err := m.loadOrInit(); err != nil {
		return nil, err
	}
	return m, nil
}

// Path returns the settings document location.
func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) loadOrInit() error {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		m.settings = defaultSettings()
		return m.persistLocked()
	}
	if err != nil {
		return fmt.Errorf("read agent settings: %w", err)
	}
	var s settingsFile
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("parse agent settings %s: %w", m.path, err)
	}
	if s.Agents == nil {
		s.Agents = make(map[string]profileSettings, len(profileDirs))
	}
	for _, profile := range Profiles() {
		ps, ok := s.Agents[profile]
		if !ok {
			s.Agents[profile] = defaultProfile(profile)
			continue
		}
		s.Agents[profile] = fillDefaults(profile, ps)
	}
	m.settings = s
	return nil
}

// persistLocked writes the settings document. Callers hold m.mu or are
// still constructing the manager.
func (m *Manager) persistLocked() error {
	if m.settings.Version == 0 {
		m.settings.Version = 1
	}
	m.settings.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	data, err := json.MarshalIndent(m.settings, "", "  ")
	if err != nil {
		return fmt.Errorf("encode agent settings: %w", err)
	}
	if dir := filepath.Dir(m.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create settings dir %s: %w", dir, err)
		}
	}
	// The document may carry API keys, keep it owner-only.
	if err := os.WriteFile(m.path, data, 0o600); err != nil {
		return fmt.Errorf("write agent settings: %w", err)
	}
	return nil
}

// Load resolves the configuration for one profile. The credential is
// taken from the settings document first, then the per-profile
// ANTHROPIC_API_KEY_<PROFILE> and legacy CLAUDE_API_KEY_<PROFILE>
// variables, and finally the shared ANTHROPIC_API_KEY. A profile with
// auth_type api_key and no credential anywhere fails with
// ErrMissingCredential.
func (m *Manager) Load(profile string) (ProfileConfig, error) {
	profile = strings.ToLower(profile)
	dirDefault, ok := profileDirs[profile]
	if !ok {
		return ProfileConfig{}, fmt.Errorf("%w: %q (valid: %s)",
			ErrUnknownProfile, profile, strings.Join(Profiles(), ", "))
	}

	m.mu.Lock()
	ps, ok := m.settings.Agents[profile]
	if !ok {
		ps = defaultProfile(profile)
	}
	m.mu.Unlock()

	apiKey := ps.APIKey
	if apiKey == "" && ps.AuthType == AuthTypeAPIKey {
		upper := strings.ToUpper(profile)
		for _, name := range []string{
			"ANTHROPIC_API_KEY_" + upper,
			"CLAUDE_API_KEY_" + upper,
			"ANTHROPIC_API_KEY",
		} {
			if v := os.Getenv(name); v != "" {
				apiKey = v
				break
			}
		}
	}
	if ps.AuthType == AuthTypeAPIKey && apiKey == "" {
		return ProfileConfig{}, fmt.Errorf(
			"%w: profile %q needs ANTHROPIC_API_KEY_%s, ANTHROPIC_API_KEY or a configured api_key",
			ErrMissingCredential, profile, strings.ToUpper(profile))
	}

	dir := ps.ClaudeProfileDir
	if dir == "" {
		dir = dirDefault
	}
	configDir, err := expandPath(dir)
	if err != nil {
		return ProfileConfig{}, err
	}

	return ProfileConfig{
		Profile:      profile,
		Provider:     ps.Provider,
		Model:        ps.Model,
		AuthType:     ps.AuthType,
		APIKey:       apiKey,
		AuthToken:    ps.AuthToken,
		AuthEnvVar:   ps.AuthEnvVar,
		ConfigDir:    configDir,
		EnvOverrides: copyMap(ps.EnvOverrides),
		DailyLimit:   ps.DailyLimit,
		UsageToday:   ps.UsageToday,
		UsageResetAt: ps.UsageResetAt,
		HardLimit:    ps.HardLimit,
		UsageUnit:    usageUnit(ps.UsageUnit),
		AccountLabel: ps.AccountLabel,
	}, nil
}

// Inject builds the environment for one sub-agent process: the parent
// environment, the resolved credential under the provider's variable,
// the profile's config dir (created if missing), the profile name and
// session id, the model when one is pinned, and finally the profile's
// custom overrides, which win over everything injected before them.
func (m *Manager) Inject(cfg ProfileConfig, sessionID string) ([]string, error) {
	if sessionID == "" {
		sessionID = NewSessionID()
	}
	if err := os.MkdirAll(cfg.ConfigDir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir %s: %w", cfg.ConfigDir, err)
	}

	env := environMap(os.Environ())
	if cfg.APIKey != "" {
		env["ANTHROPIC_API_KEY"] = cfg.APIKey
		switch cfg.Provider {
		case ProviderAnthropic, ProviderClaudeCode:
		case ProviderOpenAI:
			env["OPENAI_API_KEY"] = cfg.APIKey
		case ProviderAzureOpenAI:
			env["AZURE_OPENAI_API_KEY"] = cfg.APIKey
		case ProviderGroq:
			env["GROQ_API_KEY"] = cfg.APIKey
		default:
			env["API_KEY"] = cfg.APIKey
		}
	}
	if cfg.AuthType == AuthTypeToken && cfg.AuthToken != "" {
		name := cfg.AuthEnvVar
		if name == "" {
			name = defaultAuthEnvVar
		}
		env[name] = cfg.AuthToken
	}
	env["CLAUDE_CONFIG_DIR"] = cfg.ConfigDir
	env["CLAUDE_PROFILE"] = cfg.Profile
	env["CLAUDE_SESSION_ID"] = sessionID
	if cfg.Model != "" && (cfg.Provider == ProviderAnthropic || cfg.Provider == ProviderClaudeCode) {
		env["CLAUDE_MODEL"] = cfg.Model
	}
	for k, v := range cfg.EnvOverrides {
		if k != "" {
			env[k] = v
		}
	}
	return flattenEnv(env), nil
}

// RecordUsage counts units against the profile's daily budget before a
// run. The window resets on the host-local calendar date. Exceeding a
// soft cap returns a warning string and still records; exceeding a hard
// cap returns *UsageLimitError and records nothing.
func (m *Manager) RecordUsage(profile string, units int) (string, error) {
	profile = strings.ToLower(profile)
	if !ValidProfile(profile) {
		return "", fmt.Errorf("%w: %q", ErrUnknownProfile, profile)
	}
	if units < 1 {
		units = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ps, ok := m.settings.Agents[profile]
	if !ok {
		ps = defaultProfile(profile)
	}
	today := localDate()
	if ps.UsageResetAt != today {
		ps.UsageToday = 0
		ps.UsageResetAt = today
	}

	warning := ""
	if ps.DailyLimit > 0 && ps.UsageToday+units > ps.DailyLimit {
		limitErr := &UsageLimitError{
			Profile: profile,
			Usage:   ps.UsageToday,
			Limit:   ps.DailyLimit,
			Unit:    usageUnit(ps.UsageUnit),
		}
		if ps.HardLimit {
			return "", limitErr
		}
		warning = limitErr.Error()
	}
	ps.UsageToday += units
	m.settings.Agents[profile] = ps
	if err := m.persistLocked(); err != nil {
		return "", err
	}
	return warning, nil
}

// EnsureConfigDirs creates the default config directory for every
// profile and returns the expanded paths keyed by profile.
func (m *Manager) EnsureConfigDirs() (map[string]string, error) {
	dirs := make(map[string]string, len(profileDirs))
	for _, profile := range Profiles() {
		dir, err := expandPath(profileDirs[profile])
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create config dir %s: %w", dir, err)
		}
		dirs[profile] = dir
	}
	return dirs, nil
}

func defaultSettings() settingsFile {
	agents := make(map[string]profileSettings, len(profileDirs))
	for _, profile := range Profiles() {
		agents[profile] = defaultProfile(profile)
	}
	return settingsFile{Version: 1, Agents: agents}
}

func defaultProfile(profile string) profileSettings {
	return profileSettings{
		Profile:      profile,
		Provider:     ProviderAnthropic,
		AuthType:     AuthTypeAPIKey,
		AuthEnvVar:   defaultAuthEnvVar,
		EnvOverrides: map[string]string{},
		UsageUnit:    "runs",
		UsageResetAt: localDate(),
	}
}

// fillDefaults backfills fields a hand-edited document may omit.
func fillDefaults(profile string, ps profileSettings) profileSettings {
	if ps.Profile == "" {
		ps.Profile = profile
	}
	if ps.Provider == "" {
		ps.Provider = ProviderAnthropic
	}
	if ps.AuthType == "" {
		ps.AuthType = AuthTypeAPIKey
	}
	if ps.AuthEnvVar == "" {
		ps.AuthEnvVar = defaultAuthEnvVar
	}
	if ps.UsageUnit == "" {
		ps.UsageUnit = "runs"
	}
	if ps.UsageResetAt == "" {
		ps.UsageResetAt = localDate()
	}
	return ps
}

func usageUnit(unit string) string {
	if unit == "" {
		return "runs"
	}
	return unit
}

// localDate is the host-local calendar date the usage window keys on.
func localDate() string {
	return time.Now().Format("2006-01-02")
}

// expandPath resolves $VAR references and a leading ~ and returns an
// absolute path.
func expandPath(p string) (string, error) {
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand %q: %w", p, err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~/"))
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("expand %q: %w", p, err)
	}
	return abs, nil
}

func environMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ)+8)
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// flattenEnv renders the map in sorted KEY=value form so output is
// deterministic.
func flattenEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
