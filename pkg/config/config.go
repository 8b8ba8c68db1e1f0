// Copyright 2024 The k8s-entity-provider Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the provider configuration. Settings are layered from
// base.yaml, an environment-specific overlay (local.yaml or production.yaml),
// and APP_-prefixed environment variables. The core reads the result as an
// immutable snapshot at startup; there is no dynamic reload.
package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
)

// EnvironmentKey selects the config overlay file, "local" by default.
const EnvironmentKey = "APP_ENVIRONMENT"

// Config is the root of the provider configuration.
type Config struct {
	Name      string          `mapstructure:"name"`
	Display   string          `mapstructure:"display"`
	Cluster   string          `mapstructure:"cluster"`
	Server    ServerConfig    `mapstructure:"server"`
	Backstage BackstageConfig `mapstructure:"backstage"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Kube      KubeConfig      `mapstructure:"kube"`
	Cache     CacheConfig     `mapstructure:"cache"`
}

// ServerConfig configures the catalog-facing HTTP server.
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// BackstageConfig carries catalog-wide settings and the static entities that
// are appended to every snapshot.
type BackstageConfig struct {
	Name        string            `mapstructure:"name"`
	Annotations map[string]string `mapstructure:"annotations"`
	Groups      []GroupConfig     `mapstructure:"groups"`
	Users       []UserConfig      `mapstructure:"users"`
	Domains     []DomainConfig    `mapstructure:"domains"`
}

// GroupConfig declares a static Group entity.
type GroupConfig struct {
	Name     string   `mapstructure:"name"`
	Title    string   `mapstructure:"title"`
	Type     string   `mapstructure:"type"`
	Parent   string   `mapstructure:"parent"`
	Children []string `mapstructure:"children"`
}

// UserConfig declares a static User entity.
type UserConfig struct {
	Name     string            `mapstructure:"name"`
	Profile  map[string]string `mapstructure:"profile"`
	MemberOf []string          `mapstructure:"member_of"`
}

// DomainConfig declares a static Domain entity.
type DomainConfig struct {
	Name        string `mapstructure:"name"`
	Owner       string `mapstructure:"owner"`
	SubdomainOf string `mapstructure:"subdomain_of"`
	Type        string `mapstructure:"type"`
}

// GatewayConfig configures event delivery. Exactly one of ProxyURL (HTTP
// proxy in front of the gateway) or NATSURL (direct publish) must be set.
type GatewayConfig struct {
	ProxyURL string `mapstructure:"proxy_url"`
	NATSURL  string `mapstructure:"nats_url"`
	// MaxRetries is the number of delivery retries after the first attempt;
	// zero means a single attempt per envelope.
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	DrainGrace time.Duration `mapstructure:"drain_grace"`
}

// KubeConfig configures access to the cluster and the resources to watch.
type KubeConfig struct {
	Selectors []Selector `mapstructure:"resources"`
}

// Selector declares one watch scope: a resource kind narrowed by namespaces
// and label/field selectors, tagged with the event type its changes are
// published under. Immutable after load; one watch session runs per selector
// and namespace.
type Selector struct {
	Resource       string   `mapstructure:"resource"`
	APIGroup       string   `mapstructure:"api_group"`
	Namespaces     []string `mapstructure:"namespaces"`
	LabelSelectors []string `mapstructure:"label_selectors"`
	FieldSelectors []string `mapstructure:"field_selectors"`
	EventType      string   `mapstructure:"event_type"`
}

// LabelSelector returns the combined label selector expression.
func (s Selector) LabelSelector() string {
	return strings.Join(s.LabelSelectors, ",")
}

// FieldSelector returns the combined field selector expression.
func (s Selector) FieldSelector() string {
	return strings.Join(s.FieldSelectors, ",")
}

// ScopedNamespaces returns the namespaces to watch. An empty configuration
// means all namespaces, expressed as the single empty scope.
func (s Selector) ScopedNamespaces() []string {
	if len(s.Namespaces) == 0 {
		return []string{""}
	}
	return s.Namespaces
}

// CacheConfig tunes the pipeline buffers and timers.
type CacheConfig struct {
	ChannelSize   int           `mapstructure:"channel_size"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

// Load reads and validates the configuration from the given directory.
func Load(dir string) (*Config, error) {
	env := os.Getenv(EnvironmentKey)
	if env == "" {
		env = "local"
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(filepath.Join(dir, "base.yaml"))
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "reading base configuration")
	}

	overlay := filepath.Join(dir, env+".yaml")
	if _, err := os.Stat(overlay); err == nil {
		v.SetConfigFile(overlay)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.Wrapf(err, "merging %s configuration", env)
		}
	} else {
		klog.Warningf("Environment configuration %s not found, using base settings only", overlay)
	}

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshaling configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	klog.Infof("Configuration loaded for environment %q", env)
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("gateway.max_retries", 3)
	v.SetDefault("gateway.base_delay", 100*time.Millisecond)
	v.SetDefault("gateway.max_delay", 5*time.Second)
	v.SetDefault("gateway.drain_grace", 5*time.Second)
	v.SetDefault("cache.channel_size", 32)
	v.SetDefault("cache.poll_interval", 5*time.Minute)
	v.SetDefault("cache.purge_interval", 15*time.Minute)
}

// Validate checks the configuration for missing or inconsistent settings.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("config: name must not be empty")
	}
	if c.Display == "" {
		return errors.New("config: display must not be empty")
	}
	if c.Cluster == "" {
		return errors.New("config: cluster must not be empty")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Errorf("config: invalid server.port %d", c.Server.Port)
	}
	if err := c.Gateway.validate(); err != nil {
		return err
	}
	if len(c.Kube.Selectors) == 0 {
		return errors.New("config: kube.resources must declare at least one selector")
	}
	for i, sel := range c.Kube.Selectors {
		if sel.Resource == "" {
			return errors.Errorf("config: kube.resources[%d].resource must not be empty", i)
		}
		if sel.EventType == "" {
			return errors.Errorf("config: kube.resources[%d].event_type must not be empty", i)
		}
	}
	if c.Cache.ChannelSize <= 0 {
		return errors.Errorf("config: invalid cache.channel_size %d", c.Cache.ChannelSize)
	}
	if c.Cache.PollInterval <= 0 {
		return errors.Errorf("config: invalid cache.poll_interval %s", c.Cache.PollInterval)
	}
	if c.Cache.PurgeInterval <= 0 {
		return errors.Errorf("config: invalid cache.purge_interval %s", c.Cache.PurgeInterval)
	}
	// The poll refreshes last-seen stamps; a purge threshold below the poll
	// interval would remove entities that are still live.
	if c.Cache.PurgeInterval < c.Cache.PollInterval {
		return errors.Errorf("config: cache.purge_interval %s must not be shorter than cache.poll_interval %s",
			c.Cache.PurgeInterval, c.Cache.PollInterval)
	}
	return nil
}

func (g GatewayConfig) validate() error {
	if g.ProxyURL == "" && g.NATSURL == "" {
		return errors.New("config: one of gateway.proxy_url or gateway.nats_url must be set")
	}
	if g.ProxyURL != "" {
		if _, err := url.ParseRequestURI(g.ProxyURL); err != nil {
			return errors.Wrapf(err, "config: invalid gateway.proxy_url %q", g.ProxyURL)
		}
	}
	if g.MaxRetries < 0 {
		return errors.Errorf("config: invalid gateway.max_retries %d", g.MaxRetries)
	}
	return nil
}
