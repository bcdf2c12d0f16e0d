// Copyright Project Relay Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"

	"github.com/projectrelay/relay/internal/wsengine"
)

// serveContext carries the merged serve configuration: defaults, then
// the YAML config file, then explicit command line flags.
type serveContext struct {
	configFile string

	// Flag overrides; applied over the config file when set.
	addrOverride      string
	portOverride      int
	debugAddrOverride string
	debugPortOverride int

	Config Parameters
}

// Parameters is the serve configuration file schema.
type Parameters struct {
	// Host and Port bind the WebSocket endpoint.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Path is the WebSocket upgrade route.
	Path string `yaml:"path"`

	// DebugHost and DebugPort bind the debug endpoint serving
	// /healthz, /metrics, /debug/pprof and /debug/registry.
	DebugHost string `yaml:"debugHost"`
	DebugPort int    `yaml:"debugPort"`

	// MaxPayloadSize bounds inbound frames, in bytes.
	MaxPayloadSize int64 `yaml:"maxPayloadSize"`

	// HeartbeatInterval is the liveness ping cadence in milliseconds.
	// Explicit 0 disables the heartbeat; absent applies the default.
	HeartbeatInterval *int `yaml:"heartbeatInterval"`

	SizeLimit SizeLimitParameters `yaml:"sizelimit"`
	Ratelimit RatelimitParameters `yaml:"ratelimit"`
	Dedup     DedupParameters     `yaml:"dedup"`
	Cache     CacheParameters     `yaml:"cache"`
	Bulkhead  BulkheadParameters  `yaml:"bulkhead"`
}

type SizeLimitParameters struct {
	// MaxRequestBytes and MaxResponseBytes bound envelope payloads.
	// Zero disables the respective check.
	MaxRequestBytes  int `yaml:"maxRequestBytes"`
	MaxResponseBytes int `yaml:"maxResponseBytes"`
}

type RatelimitParameters struct {
	// Limit per WindowMS; zero disables limiting for procedures not
	// covered by a rule.
	Limit    int `yaml:"limit"`
	WindowMS int `yaml:"windowMs"`

	Rules []RatelimitRule `yaml:"rules"`
}

type RatelimitRule struct {
	// Pattern is a dot-separated glob; * matches one segment, **
	// matches any suffix.
	Pattern  string `yaml:"pattern"`
	Limit    int    `yaml:"limit"`
	WindowMS int    `yaml:"windowMs"`
}

type DedupParameters struct {
	// Disabled turns concurrent request coalescing off.
	Disabled bool `yaml:"disabled"`

	TTLMS int `yaml:"ttlMs"`
}

type CacheParameters struct {
	// Procedures lists glob patterns whose responses are cached.
	// Empty disables the cache.
	Procedures []string `yaml:"procedures"`

	TTLMS                  int `yaml:"ttlMs"`
	StaleWhileRevalidateMS int `yaml:"staleWhileRevalidateMs"`
	MaxEntries             int `yaml:"maxEntries"`
}

type BulkheadParameters struct {
	// Limit is the per-procedure concurrency cap; zero disables the
	// bulkhead.
	Limit          int `yaml:"limit"`
	MaxQueue       int `yaml:"maxQueue"`
	QueueTimeoutMS int `yaml:"queueTimeoutMs"`
}

// defaults returns the parameters applied for any field the config
// file leaves unset.
func defaults() Parameters {
	heartbeat := int(wsengine.DefaultHeartbeatInterval.Milliseconds())
	return Parameters{
		Host:              "0.0.0.0",
		Port:              8080,
		Path:              "/",
		DebugHost:         "127.0.0.1",
		DebugPort:         6060,
		MaxPayloadSize:    wsengine.DefaultMaxPayloadSize,
		HeartbeatInterval: &heartbeat,
	}
}

func registerServe(app *kingpin.Application) (*kingpin.CmdClause, *serveContext) {
	serve := app.Command("serve", "Serve envelope and channel traffic over WebSocket.")
	ctx := &serveContext{Config: defaults()}

	serve.Flag("config", "Path to the YAML configuration file.").Short('c').StringVar(&ctx.configFile)
	serve.Flag("address", "Address the WebSocket endpoint binds to.").StringVar(&ctx.addrOverride)
	serve.Flag("port", "Port the WebSocket endpoint binds to.").IntVar(&ctx.portOverride)
	serve.Flag("debug-address", "Address the debug endpoint binds to.").StringVar(&ctx.debugAddrOverride)
	serve.Flag("debug-port", "Port the debug endpoint binds to.").IntVar(&ctx.debugPortOverride)

	return serve, ctx
}

// loadConfig reads the config file and fills unset fields from the
// defaults.
func (ctx *serveContext) loadConfig() error {
	b, err := os.ReadFile(ctx.configFile)
	if err != nil {
		return err
	}
	var params Parameters
	if err := yaml.Unmarshal(b, &params); err != nil {
		return fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := mergo.Merge(&params, defaults()); err != nil {
		return err
	}
	ctx.Config = params
	return nil
}

// parameters resolves the effective configuration, applying flag
// overrides on top of the loaded file.
func (ctx *serveContext) parameters() Parameters {
	cfg := ctx.Config
	if ctx.addrOverride != "" {
		cfg.Host = ctx.addrOverride
	}
	if ctx.portOverride != 0 {
		cfg.Port = ctx.portOverride
	}
	if ctx.debugAddrOverride != "" {
		cfg.DebugHost = ctx.debugAddrOverride
	}
	if ctx.debugPortOverride != 0 {
		cfg.DebugPort = ctx.debugPortOverride
	}
	return cfg
}
