// Package config loads the flowtabs settings.
//
// Settings come from a YAML file, then from FLOWTABS_* variables of a .env
// file; command line flags are applied last by the caller.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/maruel/flowtabs/internal/mirror"
)

// SettingsFile is the settings file name in the user directory.
const SettingsFile = "settings.yaml"

// Settings is the content of the settings file.
type Settings struct {
	UserDir        string         `yaml:"userDir,omitempty" json:"userDir,omitempty" jsonschema:"description=Directory holding the flows; defaults to the settings file directory"`
	FlowFile       string         `yaml:"flowFile,omitempty" json:"flowFile,omitempty" jsonschema:"description=Primary flow file; defaults to flows_<hostname>.json"`
	FlowFilePretty bool           `yaml:"flowFilePretty,omitempty" json:"flowFilePretty,omitempty" jsonschema:"description=Write files with 4-space indentation"`
	ReadOnly       bool           `yaml:"readOnly,omitempty" json:"readOnly,omitempty" jsonschema:"description=Never write flow or credentials files"`
	Projects       Projects       `yaml:"projects,omitempty" json:"projects,omitempty"`
	OneFilePerTab  *OneFilePerTab `yaml:"oneFilePerTab,omitempty" json:"oneFilePerTab,omitempty" jsonschema:"description=Enables the flow document mirror"`
}

// Projects configures git-backed projects.
type Projects struct {
	Enabled       bool   `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	ActiveProject string `yaml:"activeProject,omitempty" json:"activeProject,omitempty"`
}

// OneFilePerTab configures the document mirror and tab file sorting.
type OneFilePerTab struct {
	MQTTSecure         bool    `yaml:"mqttSecure,omitempty" json:"mqttSecure,omitempty"`
	MQTTBroker         string  `yaml:"mqttBroker,omitempty" json:"mqttBroker,omitempty" jsonschema:"description=MQTT host or redis:// URL,default=mosquitto"`
	MQTTPort           int     `yaml:"mqttPort,omitempty" json:"mqttPort,omitempty" jsonschema:"default=1883"`
	MQTTUsername       string  `yaml:"mqttUsername,omitempty" json:"mqttUsername,omitempty"`
	MQTTPassword       string  `yaml:"mqttPassword,omitempty" json:"mqttPassword,omitempty"`
	MQTTSubscribeTopic Topics  `yaml:"mqttSubscribeTopic,omitempty" json:"mqttSubscribeTopic,omitempty" jsonschema:"description=Topics triggering a republish"`
	MQTTPublishTopic   Topics  `yaml:"mqttPublishTopic,omitempty" json:"mqttPublishTopic,omitempty" jsonschema:"description=Topics receiving the flow document"`
	SortFlows          bool    `yaml:"sortFlows,omitempty" json:"sortFlows,omitempty" jsonschema:"description=Sort nodes in tab files"`
	RefreshPerSecond   float64 `yaml:"refreshPerSecond,omitempty" json:"refreshPerSecond,omitempty" jsonschema:"description=Maximum republishes per second; 0 is unlimited"`
}

// Mirror returns the mirror configuration.
func (o *OneFilePerTab) Mirror() *mirror.Config {
	return &mirror.Config{
		Secure:           o.MQTTSecure,
		Broker:           o.MQTTBroker,
		Port:             o.MQTTPort,
		Username:         o.MQTTUsername,
		Password:         o.MQTTPassword,
		SubscribeTopics:  o.MQTTSubscribeTopic,
		PublishTopics:    o.MQTTPublishTopic,
		RefreshPerSecond: o.RefreshPerSecond,
	}
}

// Topics is a list of topics, written as a single string or a list.
type Topics []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *Topics) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*t = topicsFromString(s)
		return nil
	}
	var l []string
	if err := value.Decode(&l); err != nil {
		return err
	}
	*t = l
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Topics) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = topicsFromString(s)
		return nil
	}
	var l []string
	if err := json.Unmarshal(b, &l); err != nil {
		return err
	}
	*t = l
	return nil
}

// JSONSchema implements jsonschema.JSONSchemer.
func (Topics) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "string"},
			{Type: "array", Items: &jsonschema.Schema{Type: "string"}},
		},
	}
}

func topicsFromString(s string) Topics {
	if s == "" {
		return nil
	}
	return Topics{s}
}

// Load reads the settings file at path. A missing file yields empty settings.
func Load(path string) (*Settings, error) {
	s := &Settings{}
	f, err := os.Open(path) //nolint:gosec // G304: path comes from the command line
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()
	d := yaml.NewDecoder(f)
	d.KnownFields(true)
	if err := d.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return s, nil
}

// LoadDotEnv reads the .env file in dir. A missing file yields no variable.
func LoadDotEnv(dir string) (map[string]string, error) {
	env, err := godotenv.Read(filepath.Join(dir, ".env"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}
	return env, nil
}

// ApplyEnv overrides settings with the FLOWTABS_* variables of env.
func (s *Settings) ApplyEnv(env map[string]string) error {
	str := func(key string, dst *string) {
		if v := env[key]; v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) error {
		if v := env[key]; v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
		return nil
	}
	str("FLOWTABS_USER_DIR", &s.UserDir)
	str("FLOWTABS_FLOW_FILE", &s.FlowFile)
	str("FLOWTABS_ACTIVE_PROJECT", &s.Projects.ActiveProject)
	err := errors.Join(
		boolean("FLOWTABS_PRETTY", &s.FlowFilePretty),
		boolean("FLOWTABS_READ_ONLY", &s.ReadOnly),
		boolean("FLOWTABS_PROJECTS", &s.Projects.Enabled),
	)
	if err != nil {
		return err
	}

	hasMirror := false
	for k := range env {
		if strings.HasPrefix(k, "FLOWTABS_MQTT_") && env[k] != "" {
			hasMirror = true
		}
	}
	if !hasMirror {
		return nil
	}
	if s.OneFilePerTab == nil {
		s.OneFilePerTab = &OneFilePerTab{}
	}
	o := s.OneFilePerTab
	str("FLOWTABS_MQTT_BROKER", &o.MQTTBroker)
	str("FLOWTABS_MQTT_USERNAME", &o.MQTTUsername)
	str("FLOWTABS_MQTT_PASSWORD", &o.MQTTPassword)
	if v := env["FLOWTABS_MQTT_PORT"]; v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FLOWTABS_MQTT_PORT: %w", err)
		}
		o.MQTTPort = p
	}
	if v := env["FLOWTABS_MQTT_SUBSCRIBE_TOPIC"]; v != "" {
		o.MQTTSubscribeTopic = strings.Split(v, ",")
	}
	if v := env["FLOWTABS_MQTT_PUBLISH_TOPIC"]; v != "" {
		o.MQTTPublishTopic = strings.Split(v, ",")
	}
	return boolean("FLOWTABS_MQTT_SECURE", &o.MQTTSecure)
}

// ResolveFlowFile returns the primary flow file path.
//
// An absolute path is used as is. A "./" path is relative to cwd. Any other
// relative path is looked up in cwd first, then in userDir. An empty name
// selects flows_<hostname>.json in userDir.
func ResolveFlowFile(flowFile, userDir, cwd, hostname string) string {
	switch {
	case flowFile == "":
		return filepath.Join(userDir, "flows_"+hostname+".json")
	case filepath.IsAbs(flowFile) || strings.HasPrefix(flowFile, "/") || (len(flowFile) > 1 && flowFile[1] == ':'):
		return flowFile
	case strings.HasPrefix(flowFile, "./"):
		return filepath.Join(cwd, flowFile)
	}
	if _, err := os.Stat(filepath.Join(cwd, flowFile)); err == nil {
		return filepath.Join(cwd, flowFile)
	}
	return filepath.Join(userDir, flowFile)
}

// CredentialsFile returns the credentials file paired with a flow file:
// <userDir>/<base>_cred<ext>.
func CredentialsFile(flowPath, userDir string) string {
	ext := filepath.Ext(flowPath)
	base := strings.TrimSuffix(filepath.Base(flowPath), ext)
	return filepath.Join(userDir, base+"_cred"+ext)
}

// Schema returns the JSON schema of the settings file.
func Schema() ([]byte, error) {
	r := jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	return json.MarshalIndent(r.Reflect(&Settings{}), "", "  ")
}
