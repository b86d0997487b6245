// Package tafconfig loads and validates the keys-description
// configuration (spec.md §6): either an inline JSON literal passed on
// the command line, or a config file, with `spf13/viper` layering in
// the TAF_KEYSTORE environment-variable override, mirroring notary's
// own env-var precedence convention for path-like settings.
package tafconfig

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/jc12690/taf/cryptoprovider"
	"github.com/jc12690/taf/taferrors"
)

const (
	defaultNumber    = 1
	defaultThreshold = 1
	defaultLength    = 3072
)

var defaultScheme = cryptoprovider.SchemeRSAPKCS1v15SHA256

var validLengths = map[int]bool{2048: true, 3072: true, 4096: true}

var validSchemes = map[string]bool{
	string(cryptoprovider.SchemeRSAPKCS1v15SHA256): true,
	string(cryptoprovider.SchemeRSAPSSSHA256):       true,
}

// RoleConfig is one role's entry under "roles" in a keys-description
// document.
type RoleConfig struct {
	Number    int      `json:"number" mapstructure:"number"`
	Threshold int      `json:"threshold" mapstructure:"threshold"`
	Length    int      `json:"length" mapstructure:"length"`
	Scheme    string   `json:"scheme" mapstructure:"scheme"`
	YubiKey   *bool    `json:"yubikey" mapstructure:"yubikey"`
	Passwords []string `json:"passwords" mapstructure:"passwords"`
}

// KeysDescription is the parsed, validated, and default-filled
// keys-description document.
type KeysDescription struct {
	Roles    map[string]RoleConfig `json:"roles" mapstructure:"roles"`
	Keystore string                `json:"keystore" mapstructure:"keystore"`
}

// Load parses spec — either a literal JSON object (the string starts
// with '{') or the path to a JSON config file — validates it, fills in
// per-role defaults, and applies the TAF_KEYSTORE environment override
// over any keystore path named inside spec.
func Load(spec string) (*KeysDescription, error) {
	v := viper.New()
	v.SetEnvPrefix("TAF")
	v.AutomaticEnv()

	trimmed := strings.TrimSpace(spec)
	if trimmed == "" {
		v.SetConfigType("json")
		if err := v.ReadConfig(strings.NewReader("{}")); err != nil {
			return nil, &taferrors.ConfigError{Detail: "initializing empty config: " + err.Error()}
		}
	} else if strings.HasPrefix(trimmed, "{") {
		v.SetConfigType("json")
		if err := v.ReadConfig(strings.NewReader(trimmed)); err != nil {
			return nil, &taferrors.ConfigError{Detail: "parsing inline keys-description JSON: " + err.Error()}
		}
	} else {
		v.SetConfigFile(spec)
		if err := v.ReadInConfig(); err != nil {
			return nil, &taferrors.ConfigError{Detail: fmt.Sprintf("reading keys-description file %q: %s", spec, err)}
		}
	}

	var kd KeysDescription
	if err := v.Unmarshal(&kd); err != nil {
		return nil, &taferrors.ConfigError{Detail: "decoding keys-description: " + err.Error()}
	}
	if kd.Roles == nil {
		kd.Roles = map[string]RoleConfig{}
	}

	if ks := v.GetString("keystore"); ks != "" {
		kd.Keystore = ks
	}

	if err := applyDefaultsAndValidate(&kd); err != nil {
		return nil, err
	}
	return &kd, nil
}

func applyDefaultsAndValidate(kd *KeysDescription) error {
	for name, rc := range kd.Roles {
		if rc.Number == 0 {
			rc.Number = defaultNumber
		}
		if rc.Threshold == 0 {
			rc.Threshold = defaultThreshold
		}
		if rc.Length == 0 {
			rc.Length = defaultLength
		}
		if rc.Scheme == "" {
			rc.Scheme = string(defaultScheme)
		}

		if rc.Number < 1 {
			return &taferrors.ConfigError{Detail: fmt.Sprintf("role %q: number must be >= 1", name)}
		}
		if rc.Threshold < 1 || rc.Threshold > rc.Number {
			return &taferrors.ConfigError{Detail: fmt.Sprintf("role %q: threshold %d must be between 1 and number %d", name, rc.Threshold, rc.Number)}
		}
		if !validLengths[rc.Length] {
			return &taferrors.ConfigError{Detail: fmt.Sprintf("role %q: length %d must be one of 2048, 3072, 4096", name, rc.Length)}
		}
		if !validSchemes[rc.Scheme] {
			return &taferrors.ConfigError{Detail: fmt.Sprintf("role %q: unknown scheme %q", name, rc.Scheme)}
		}

		kd.Roles[name] = rc
	}
	return nil
}

// MarshalJSON round-trips a KeysDescription exactly as the CLI accepts
// it, so a KeysDescription built in Go can be rendered back into the
// JSON that Load reads.
func (kd *KeysDescription) MarshalJSON() ([]byte, error) {
	type alias KeysDescription
	return json.Marshal((*alias)(kd))
}
