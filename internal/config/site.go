package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/lsst-ts/mtreflector/internal/labjack"
	"github.com/lsst-ts/mtreflector/internal/reflector"
)

//go:embed schema/mtreflector-site-v1.yaml
var siteSchemaYAML []byte

// InitConfigName is the base file every site configuration directory
// carries; overrides are merged on top of it.
const InitConfigName = "_init.yaml"

const (
	DefaultDeviceType     = "T4"
	DefaultConnectionType = "TCP"
)

// SiteConfig describes the deployment site: which LabJack to reach and how
// the actuator and sensors are wired to it.
type SiteConfig struct {
	DeviceType     string      `mapstructure:"device_type" json:"device_type"`
	ConnectionType string      `mapstructure:"connection_type" json:"connection_type"`
	Identifier     string      `mapstructure:"identifier" json:"identifier"`
	OpenChannel    string      `mapstructure:"open_channel" json:"open_channel"`
	CloseChannel   string      `mapstructure:"close_channel" json:"close_channel"`
	Topics         []SiteTopic `mapstructure:"topics" json:"topics"`
}

// SiteTopic is one batch of sensors attached to the device.
type SiteTopic struct {
	TopicName   string `mapstructure:"topic_name" json:"topic_name"`
	SensorName  string `mapstructure:"sensor_name" json:"sensor_name"`
	Location    string `mapstructure:"location" json:"location"`
	ChannelName string `mapstructure:"channel_name" json:"channel_name"`
}

type SiteValidator struct {
	schema *jsonschema.Schema
}

func NewSiteValidator() (*SiteValidator, error) {
	// The schema is authored in YAML; the compiler wants JSON.
	var doc interface{}
	if err := yaml.Unmarshal(siteSchemaYAML, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to convert schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("mtreflector-site-v1.yaml",
		bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("mtreflector-site-v1.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &SiteValidator{schema: schema}, nil
}

func (v *SiteValidator) Validate(data []byte) error {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	return nil
}

// SiteLoader loads site configurations from a directory: _init.yaml merged
// with an optional override file, validated against the embedded schema.
type SiteLoader struct {
	dir       string
	validator *SiteValidator
}

func NewSiteLoader(dir string) (*SiteLoader, error) {
	validator, err := NewSiteValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &SiteLoader{
		dir:       dir,
		validator: validator,
	}, nil
}

// Load reads the base configuration and merges the named override on top.
// override may be empty or name a file in the site directory, with or
// without the .yaml extension.
func (l *SiteLoader) Load(override string) (*SiteConfig, error) {
	v := viper.New()
	v.SetConfigFile(filepath.Join(l.dir, InitConfigName))
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read site config: %w", err)
	}

	if override != "" {
		name := override
		if filepath.Ext(name) == "" {
			name += ".yaml"
		}
		v.SetConfigFile(filepath.Join(l.dir, name))
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to merge override %q: %w", override, err)
		}
	}

	settings := v.AllSettings()
	applySiteDefaults(settings)

	data, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal site config: %w", err)
	}

	if err := l.validator.Validate(data); err != nil {
		return nil, err
	}

	var site SiteConfig
	if err := json.Unmarshal(data, &site); err != nil {
		return nil, fmt.Errorf("failed to unmarshal site config: %w", err)
	}

	if err := site.check(); err != nil {
		return nil, err
	}

	return &site, nil
}

func applySiteDefaults(settings map[string]interface{}) {
	defaults := map[string]string{
		"device_type":     DefaultDeviceType,
		"connection_type": DefaultConnectionType,
		"open_channel":    reflector.DefaultOpenChannel,
		"close_channel":   reflector.DefaultCloseChannel,
	}
	for key, value := range defaults {
		if _, ok := settings[key]; !ok {
			settings[key] = value
		}
	}
}

// check enforces the constraints the schema cannot express: the transport
// and the channel wiring.
func (s *SiteConfig) check() error {
	if !strings.EqualFold(s.ConnectionType, "TCP") {
		return fmt.Errorf("connection_type %q is not supported, only TCP", s.ConnectionType)
	}

	for _, name := range []string{s.OpenChannel, s.CloseChannel} {
		if _, err := labjack.ResolveName(name); err != nil {
			return fmt.Errorf("invalid actuator channel: %w", err)
		}
	}

	for _, topic := range s.Topics {
		if _, err := labjack.ResolveName(topic.ChannelName); err != nil {
			return fmt.Errorf("topic %q: invalid channel: %w", topic.TopicName, err)
		}
	}

	return nil
}
