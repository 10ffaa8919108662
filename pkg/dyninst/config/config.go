// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package config holds the settings of the dynamic instrumentation engine and
// loads them from a YAML file and DD_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/DataDog/viper"
	"github.com/cihub/seelog"

	"github.com/DataDog/dyninst-go/pkg/dyninst/redact"
	"github.com/DataDog/dyninst-go/pkg/dyninst/snapshot"
)

const (
	keyService                = "dynamic_instrumentation.service"
	keyAgentURL               = "dynamic_instrumentation.agent_url"
	keyMaxCaptureDepth        = "dynamic_instrumentation.max_capture_depth"
	keyMaxCollectionSize      = "dynamic_instrumentation.max_capture_collection_size"
	keyMaxStringLength        = "dynamic_instrumentation.max_capture_string_length"
	keyMaxAttributeCount      = "dynamic_instrumentation.max_capture_attribute_count"
	keyRedactedIdentifiers    = "dynamic_instrumentation.redacted_identifiers"
	keyRedactionExcluded      = "dynamic_instrumentation.redaction_excluded_identifiers"
	keyRedactedTypes          = "dynamic_instrumentation.redacted_types"
	keyUploadInterval         = "dynamic_instrumentation.upload_interval"
	keyUploadTimeout          = "dynamic_instrumentation.upload_timeout"
	keyQueueCapacity          = "dynamic_instrumentation.queue_capacity"
	keyUntargetedTrace        = "dynamic_instrumentation.untargeted_trace_points"
	keyPropagateAllExceptions = "dynamic_instrumentation.propagate_all_exceptions"
	keyStatsdAddr             = "dynamic_instrumentation.statsd_addr"
	keyLogLevel               = "dynamic_instrumentation.log_level"
)

// Settings configure one engine.
type Settings struct {
	Service  string `yaml:"service"`
	AgentURL string `yaml:"agent_url"`

	MaxCaptureDepth          int `yaml:"max_capture_depth"`
	MaxCaptureCollectionSize int `yaml:"max_capture_collection_size"`
	MaxCaptureStringLength   int `yaml:"max_capture_string_length"`
	MaxCaptureAttributeCount int `yaml:"max_capture_attribute_count"`

	RedactedIdentifiers          []string `yaml:"redacted_identifiers"`
	RedactionExcludedIdentifiers []string `yaml:"redaction_excluded_identifiers"`
	RedactedTypes                []string `yaml:"redacted_types"`

	// UploadInterval is the minimum time between two sends from the same
	// queue.
	UploadInterval time.Duration `yaml:"upload_interval"`
	UploadTimeout  time.Duration `yaml:"upload_timeout"`
	QueueCapacity  int           `yaml:"queue_capacity"`

	// UntargetedTracePoints allows a process-wide line hook when a probe's
	// file has not been loaded. Only meant for tests.
	UntargetedTracePoints bool `yaml:"untargeted_trace_points"`
	// PropagateAllExceptions lets panics raised by probe callbacks reach the
	// host. Only meant for tests.
	PropagateAllExceptions bool `yaml:"propagate_all_exceptions"`

	StatsdAddr string `yaml:"statsd_addr"`
	LogLevel   string `yaml:"log_level"`
}

// Default returns the settings used when nothing is configured.
func Default() Settings {
	return Settings{
		AgentURL:                 "http://localhost:8126",
		MaxCaptureDepth:          snapshot.DefaultLimits.MaxDepth,
		MaxCaptureCollectionSize: snapshot.DefaultLimits.MaxCollectionSize,
		MaxCaptureStringLength:   snapshot.DefaultLimits.MaxStringLength,
		MaxCaptureAttributeCount: snapshot.DefaultLimits.MaxAttributeCount,
		UploadInterval:           time.Second,
		UploadTimeout:            5 * time.Second,
		QueueCapacity:            100,
		LogLevel:                 "info",
	}
}

// Limits returns the serialization limits.
func (s Settings) Limits() snapshot.Limits {
	return snapshot.Limits{
		MaxDepth:          s.MaxCaptureDepth,
		MaxCollectionSize: s.MaxCaptureCollectionSize,
		MaxStringLength:   s.MaxCaptureStringLength,
		MaxAttributeCount: s.MaxCaptureAttributeCount,
	}
}

// Redaction returns the redaction adjustments.
func (s Settings) Redaction() redact.Config {
	return redact.Config{
		RedactedIdentifiers: s.RedactedIdentifiers,
		ExcludedIdentifiers: s.RedactionExcludedIdentifiers,
		RedactedTypes:       s.RedactedTypes,
	}
}

// Validate reports settings the engine cannot run with.
func (s Settings) Validate() error {
	var errs []error
	if s.AgentURL == "" {
		errs = append(errs, errors.New("agent_url is required"))
	}
	for key, v := range map[string]int{
		"max_capture_collection_size": s.MaxCaptureCollectionSize,
		"max_capture_string_length":   s.MaxCaptureStringLength,
		"max_capture_attribute_count": s.MaxCaptureAttributeCount,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", key, v))
		}
	}
	if s.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("queue_capacity must be positive, got %d", s.QueueCapacity))
	}
	if s.UploadInterval < 0 {
		errs = append(errs, fmt.Errorf("upload_interval must not be negative, got %s", s.UploadInterval))
	}
	if s.LogLevel != "" {
		if _, ok := seelog.LogLevelFromString(strings.ToLower(s.LogLevel)); !ok {
			errs = append(errs, fmt.Errorf("unknown log_level %q", s.LogLevel))
		}
	}
	return errors.Join(errs...)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("DD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	d := Default()
	bindEnvAndSetDefault(v, keyService, d.Service, "DD_SERVICE", "DD_DYNAMIC_INSTRUMENTATION_SERVICE")
	bindEnvAndSetDefault(v, keyAgentURL, d.AgentURL, "DD_TRACE_AGENT_URL", "DD_DYNAMIC_INSTRUMENTATION_AGENT_URL")
	bindEnvAndSetDefault(v, keyMaxCaptureDepth, d.MaxCaptureDepth)
	bindEnvAndSetDefault(v, keyMaxCollectionSize, d.MaxCaptureCollectionSize)
	bindEnvAndSetDefault(v, keyMaxStringLength, d.MaxCaptureStringLength)
	bindEnvAndSetDefault(v, keyMaxAttributeCount, d.MaxCaptureAttributeCount)
	bindEnvAndSetDefault(v, keyRedactedIdentifiers, []string{})
	bindEnvAndSetDefault(v, keyRedactionExcluded, []string{})
	bindEnvAndSetDefault(v, keyRedactedTypes, []string{})
	bindEnvAndSetDefault(v, keyUploadInterval, d.UploadInterval)
	bindEnvAndSetDefault(v, keyUploadTimeout, d.UploadTimeout)
	bindEnvAndSetDefault(v, keyQueueCapacity, d.QueueCapacity)
	bindEnvAndSetDefault(v, keyUntargetedTrace, d.UntargetedTracePoints)
	bindEnvAndSetDefault(v, keyPropagateAllExceptions, d.PropagateAllExceptions)
	bindEnvAndSetDefault(v, keyStatsdAddr, d.StatsdAddr)
	bindEnvAndSetDefault(v, keyLogLevel, d.LogLevel)
	return v
}

// bindEnvAndSetDefault registers the default of key and the environment
// variables it is read from. Without explicit names the variable is derived
// from the key: DD_DYNAMIC_INSTRUMENTATION_<NAME>.
func bindEnvAndSetDefault(v *viper.Viper, key string, value any, envvars ...string) {
	v.SetDefault(key, value)
	_ = v.BindEnv(append([]string{key}, envvars...)...)
}

// Load reads settings from the YAML file at path, if not empty, with DD_
// environment variables taking precedence.
func Load(path string) (Settings, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("unable to load dynamic instrumentation config file: %w", err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Settings, error) {
	s := Settings{
		Service:                      v.GetString(keyService),
		AgentURL:                     v.GetString(keyAgentURL),
		MaxCaptureDepth:              v.GetInt(keyMaxCaptureDepth),
		MaxCaptureCollectionSize:     v.GetInt(keyMaxCollectionSize),
		MaxCaptureStringLength:       v.GetInt(keyMaxStringLength),
		MaxCaptureAttributeCount:     v.GetInt(keyMaxAttributeCount),
		RedactedIdentifiers:          v.GetStringSlice(keyRedactedIdentifiers),
		RedactionExcludedIdentifiers: v.GetStringSlice(keyRedactionExcluded),
		RedactedTypes:                v.GetStringSlice(keyRedactedTypes),
		UploadInterval:               v.GetDuration(keyUploadInterval),
		UploadTimeout:                v.GetDuration(keyUploadTimeout),
		QueueCapacity:                v.GetInt(keyQueueCapacity),
		UntargetedTracePoints:        v.GetBool(keyUntargetedTrace),
		PropagateAllExceptions:       v.GetBool(keyPropagateAllExceptions),
		StatsdAddr:                   v.GetString(keyStatsdAddr),
		LogLevel:                     v.GetString(keyLogLevel),
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid dynamic instrumentation settings: %w", err)
	}
	return s, nil
}
