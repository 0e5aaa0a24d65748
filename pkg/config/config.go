// Package config loads the optional YAML file that supplies default
// values for any CLI flag. CLI flags always override file values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the shape of an optional --config document. Every field is a
// pointer so an absent key leaves the corresponding flag default (or
// an explicitly-passed flag) untouched.
type File struct {
	NodeID                 *string  `yaml:"node_id"`
	TTLSeconds             *int     `yaml:"ttl_seconds"`
	HeartbeatIntervalSecs  *float64 `yaml:"heartbeat_interval_seconds"`
	StoreAddr              *string  `yaml:"store_addr"`
	StoreDB                *int     `yaml:"store_db"`
	StoreConnectRetries    *int     `yaml:"store_connect_retries"`
	StoreConnectDelaySecs  *float64 `yaml:"store_connect_delay_seconds"`
	KeyPrefix              *string  `yaml:"key_prefix"`
	MissedBeaconThreshold  *int     `yaml:"missed_beacon_threshold"`
	NodeHealthTTLSecs      *float64 `yaml:"node_health_ttl_seconds"`
	AdmitFraction          *float64 `yaml:"admit_fraction"`
	GraphSearchIntervalSec *float64 `yaml:"graph_search_interval_seconds"`
	TaskTimeoutSecs        *float64 `yaml:"task_timeout_seconds"`
	LogLevel               *string  `yaml:"log_level"`
	LogJSON                *bool    `yaml:"log_json"`
	MetricsAddr            *string  `yaml:"metrics_addr"`
}

// Load parses a YAML config file from path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &f, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// ApplyDefaults overlays any non-nil field in f onto the target flag
// values, but only for flags the caller indicates were left at their
// parser default (the explicit set map keyed by flag name).
func (f *File) ApplyDefaults(explicitlySet map[string]bool, target *Values) {
	set := func(name string) bool { return explicitlySet[name] }

	if f.NodeID != nil && !set("node-id") {
		target.NodeID = *f.NodeID
	}
	if f.TTLSeconds != nil && !set("ttl") {
		target.LeaseTTL = time.Duration(*f.TTLSeconds) * time.Second
	}
	if f.HeartbeatIntervalSecs != nil && !set("heartbeat-interval") {
		target.HeartbeatInterval = secondsToDuration(*f.HeartbeatIntervalSecs)
	}
	if f.StoreAddr != nil && !set("store-addr") {
		target.StoreAddr = *f.StoreAddr
	}
	if f.StoreDB != nil && !set("store-db") {
		target.StoreDB = *f.StoreDB
	}
	if f.StoreConnectRetries != nil && !set("store-connect-retries") {
		target.StoreConnectRetries = *f.StoreConnectRetries
	}
	if f.StoreConnectDelaySecs != nil && !set("store-connect-delay") {
		target.StoreConnectDelay = secondsToDuration(*f.StoreConnectDelaySecs)
	}
	if f.KeyPrefix != nil && !set("key-prefix") {
		target.KeyPrefix = *f.KeyPrefix
	}
	if f.MissedBeaconThreshold != nil && !set("missed-beacon-threshold") {
		target.MissedBeaconThreshold = *f.MissedBeaconThreshold
	}
	if f.NodeHealthTTLSecs != nil && !set("node-health-ttl") {
		target.NodeHealthTTL = secondsToDuration(*f.NodeHealthTTLSecs)
	}
	if f.AdmitFraction != nil && !set("admit-fraction") {
		target.AdmitFraction = *f.AdmitFraction
	}
	if f.GraphSearchIntervalSec != nil && !set("graph-search-interval") {
		target.GraphSearchInterval = secondsToDuration(*f.GraphSearchIntervalSec)
	}
	if f.TaskTimeoutSecs != nil && !set("task-timeout") {
		target.TaskTimeout = secondsToDuration(*f.TaskTimeoutSecs)
	}
	if f.LogLevel != nil && !set("log-level") {
		target.LogLevel = *f.LogLevel
	}
	if f.LogJSON != nil && !set("log-json") {
		target.LogJSON = *f.LogJSON
	}
	if f.MetricsAddr != nil && !set("metrics-addr") {
		target.MetricsAddr = *f.MetricsAddr
	}
}

// Values holds the fully-resolved runtime configuration after flags
// and an optional config file have been merged.
type Values struct {
	NodeID                string
	LeaseTTL              time.Duration
	HeartbeatInterval     time.Duration
	StoreAddr             string
	StoreDB               int
	StoreConnectRetries   int
	StoreConnectDelay     time.Duration
	KeyPrefix             string
	MissedBeaconThreshold int
	NodeHealthTTL         time.Duration
	AdmitFraction         float64
	GraphSearchInterval   time.Duration
	TaskTimeout           time.Duration
	LogLevel              string
	LogJSON               bool
	MetricsAddr           string
}
