package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// yamlSecretary mirrors SecretaryConfig in the wire shape operators author
// by hand: durations as plain seconds, keyword/weekday lists as flat YAML
// sequences.
type yamlSecretary struct {
	TenantID          string   `yaml:"tenant_id"`
	SecretaryID       string   `yaml:"secretary_id"`
	DisplayName       string   `yaml:"display_name"`
	SystemPrompt      string   `yaml:"system_prompt"`
	Greeting          string   `yaml:"greeting"`
	Farewell          string   `yaml:"farewell"`
	Mode              string   `yaml:"mode"`
	Provider          string   `yaml:"provider"`
	FallbackProviders []string `yaml:"fallback_providers"`
	ProviderVoiceID   string   `yaml:"provider_voice_id"`
	LanguageTag       string   `yaml:"language_tag"`
	IdleTimeoutSec    int      `yaml:"idle_timeout_sec"`
	MaxDurationSec    int      `yaml:"max_duration_sec"`
	MaxAITurns        int      `yaml:"max_ai_turns"`
	HandoffKeywords   []string `yaml:"handoff_keywords"`
	HandoffQueueID    string   `yaml:"handoff_queue_id"`
	DevTestNumber     string   `yaml:"dev_test_number"`

	TransferDefaults struct {
		DestinationID       string  `yaml:"destination_id"`
		TimeoutSec          int     `yaml:"timeout_sec"`
		MusicOnHold         string  `yaml:"music_on_hold"`
		FuzzyMatchThreshold float64 `yaml:"fuzzy_match_threshold"`
	} `yaml:"transfer_defaults"`

	Audio struct {
		WarmupMs          int  `yaml:"warmup_ms"`
		JitterMinMs       int  `yaml:"jitter_min_ms"`
		JitterMaxMs       int  `yaml:"jitter_max_ms"`
		StreamBufMs       int  `yaml:"stream_buf_ms"`
		EchoCancelEnabled bool `yaml:"echo_cancel_enabled"`
	} `yaml:"audio"`
}

func (y yamlSecretary) toSecretaryConfig() SecretaryConfig {
	return SecretaryConfig{
		TenantID:          y.TenantID,
		SecretaryID:       y.SecretaryID,
		DisplayName:       y.DisplayName,
		SystemPrompt:      y.SystemPrompt,
		Greeting:          y.Greeting,
		Farewell:          y.Farewell,
		Mode:              ProcessingMode(y.Mode),
		Provider:          y.Provider,
		FallbackProviders: y.FallbackProviders,
		ProviderVoiceID:   y.ProviderVoiceID,
		LanguageTag:       y.LanguageTag,
		IdleTimeoutSec:    y.IdleTimeoutSec,
		MaxDurationSec:    y.MaxDurationSec,
		MaxAITurns:        y.MaxAITurns,
		HandoffKeywords:   y.HandoffKeywords,
		HandoffQueueID:    y.HandoffQueueID,
		DevTestNumber:     y.DevTestNumber,
		TransferDefaults: TransferDefaults{
			DestinationID:       y.TransferDefaults.DestinationID,
			TimeoutSec:          y.TransferDefaults.TimeoutSec,
			MusicOnHold:         y.TransferDefaults.MusicOnHold,
			FuzzyMatchThreshold: y.TransferDefaults.FuzzyMatchThreshold,
		},
		Audio: AudioTuning{
			WarmupMs:          y.Audio.WarmupMs,
			JitterMinMs:       y.Audio.JitterMinMs,
			JitterMaxMs:       y.Audio.JitterMaxMs,
			StreamBufMs:       y.Audio.StreamBufMs,
			EchoCancelEnabled: y.Audio.EchoCancelEnabled,
		},
	}
}

type yamlCredentials struct {
	TenantID string            `yaml:"tenant_id"`
	Type     string            `yaml:"type"`
	Name     string            `yaml:"name"`
	Settings map[string]string `yaml:"settings"`
	Enabled  bool              `yaml:"enabled"`
	Default  bool              `yaml:"default"`
	Priority int               `yaml:"priority"`
}

func (y yamlCredentials) toProviderCredentials() ProviderCredentials {
	return ProviderCredentials{
		TenantID: y.TenantID,
		Type:     y.Type,
		Name:     y.Name,
		Settings: y.Settings,
		Enabled:  y.Enabled,
		Default:  y.Default,
		Priority: y.Priority,
	}
}

type yamlTransferRule struct {
	TenantID        string `yaml:"tenant_id"`
	SecretaryID     string `yaml:"secretary_id"`
	Department      string `yaml:"department"`
	IntentKeywords  any    `yaml:"intent_keywords"` // Open Question #3: list, or a raw string needing ParseIntentKeywords
	DestinationType string `yaml:"destination_type"`
	DestinationID   string `yaml:"destination_id"`
	RoutingContext  string `yaml:"routing_context"`
	Priority        int    `yaml:"priority"`
	Message         string `yaml:"message"`
	Enabled         bool   `yaml:"enabled"`
	MaxRetries      int    `yaml:"max_retries"`
	RingTimeoutSec  int    `yaml:"ring_timeout_sec"`
	Synonyms        []string `yaml:"synonyms"`

	WorkingHours struct {
		Enabled   bool   `yaml:"enabled"`
		StartHour int    `yaml:"start_hour"`
		EndHour   int    `yaml:"end_hour"`
		Weekdays  []int  `yaml:"weekdays"`
		Timezone  string `yaml:"timezone"`
	} `yaml:"working_hours"`
}

func (y yamlTransferRule) toTransferRule() TransferRule {
	var keywords []string
	switch v := y.IntentKeywords.(type) {
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				keywords = append(keywords, s)
			}
		}
	case string:
		keywords = ParseIntentKeywords(v)
	}

	weekdays := make([]time.Weekday, 0, len(y.WorkingHours.Weekdays))
	for _, d := range y.WorkingHours.Weekdays {
		weekdays = append(weekdays, time.Weekday(d))
	}

	return TransferRule{
		TenantID:        y.TenantID,
		SecretaryID:     y.SecretaryID,
		Department:      y.Department,
		IntentKeywords:  keywords,
		DestinationType: y.DestinationType,
		DestinationID:   y.DestinationID,
		RoutingContext:  y.RoutingContext,
		Priority:        y.Priority,
		Message:         y.Message,
		Enabled:         y.Enabled,
		MaxRetries:      y.MaxRetries,
		RingTimeoutSec:  y.RingTimeoutSec,
		Synonyms:        y.Synonyms,
		WorkingHours: WorkingHours{
			Enabled:   y.WorkingHours.Enabled,
			StartHour: y.WorkingHours.StartHour,
			EndHour:   y.WorkingHours.EndHour,
			Weekdays:  weekdays,
			Timezone:  y.WorkingHours.Timezone,
		},
	}
}

// yamlDocument is the top-level shape of a static tenant configuration
// file, the YAML-authored analog of the out-of-scope relational-database
// configuration loader (§1).
type yamlDocument struct {
	Secretaries []yamlSecretary    `yaml:"secretaries"`
	Credentials []yamlCredentials  `yaml:"provider_credentials"`
	Rules       []yamlTransferRule `yaml:"transfer_rules"`
}

// YAMLStore is a [Store] backed by a single static YAML file, intended for
// small/single-tenant deployments and local development — the one
// reachable implementation of the "relational-database provider-config
// loader" the spec otherwise treats as an out-of-scope external
// collaborator.
type YAMLStore struct {
	secretaries map[string]SecretaryConfig
	credentials map[string]ProviderCredentials
	rules       map[string][]TransferRule
}

// LoadYAMLStore reads and parses the YAML document at path into a
// [YAMLStore]. The file is read once; changes require a process restart.
func LoadYAMLStore(path string) (*YAMLStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read yaml store %q: %w", path, err)
	}

	var doc yamlDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse yaml store %q: %w", path, err)
	}

	s := &YAMLStore{
		secretaries: make(map[string]SecretaryConfig, len(doc.Secretaries)),
		credentials: make(map[string]ProviderCredentials, len(doc.Credentials)),
		rules:       make(map[string][]TransferRule),
	}
	for _, y := range doc.Secretaries {
		cfg := y.toSecretaryConfig()
		s.secretaries[secretaryKey(cfg.TenantID, cfg.SecretaryID)] = cfg
	}
	for _, y := range doc.Credentials {
		creds := y.toProviderCredentials()
		s.credentials[credentialsKey(creds.TenantID, creds.Type, creds.Name)] = creds
	}
	for _, y := range doc.Rules {
		rule := y.toTransferRule()
		s.rules[rule.TenantID] = append(s.rules[rule.TenantID], rule)
	}

	return s, nil
}

var _ Store = (*YAMLStore)(nil)

func (s *YAMLStore) FetchSecretary(_ context.Context, tenantID, secretaryID string) (SecretaryConfig, error) {
	cfg, ok := s.secretaries[secretaryKey(tenantID, secretaryID)]
	if !ok {
		return SecretaryConfig{}, NewNotFoundError(fmt.Sprintf("secretary %s/%s", tenantID, secretaryID))
	}
	return cfg, nil
}

func (s *YAMLStore) FetchProviderCredentials(_ context.Context, tenantID, providerType, name string) (ProviderCredentials, error) {
	creds, ok := s.credentials[credentialsKey(tenantID, providerType, name)]
	if !ok {
		return ProviderCredentials{}, NewNotFoundError(fmt.Sprintf("credentials %s/%s/%s", tenantID, providerType, name))
	}
	return creds, nil
}

// FetchTransferRules returns every enabled rule for tenantID that applies
// tenant-wide or is scoped to secretaryID. Ordering is left to the caller
// ([Cache.TransferRules] sorts by priority then name).
func (s *YAMLStore) FetchTransferRules(_ context.Context, tenantID, secretaryID string) ([]TransferRule, error) {
	var out []TransferRule
	for _, r := range s.rules[tenantID] {
		if !r.Enabled {
			continue
		}
		if r.SecretaryID == "" || r.SecretaryID == secretaryID {
			out = append(out, r)
		}
	}
	return out, nil
}
