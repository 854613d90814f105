package config

import (
	"fmt"
)

// KeyInfo is one row of `docqa config show`.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	Secret bool
}

const secretMask = "********"

// ShowAll lists every key with its effective value. A secret shows as the
// mask when set and empty otherwise.
func ShowAll(cfg Config) []KeyInfo {
	out := make([]KeyInfo, len(specs))
	for i, s := range specs {
		v := fmt.Sprint(s.extract(cfg))
		if s.secret && v != "" {
			v = secretMask
		}
		out[i] = KeyInfo{Key: s.key, EnvVar: s.env, Value: v, Secret: s.secret}
	}
	return out
}

// SetKey persists a value to the config file after checking it parses as
// the key's type.
func SetKey(key, value string) error {
	return setKey(newPlatformBackend(), key, value)
}

// UnsetKey removes a persisted value so the default applies again.
func UnsetKey(key string) error {
	return unsetKey(newPlatformBackend(), key)
}

func writableSpec(key string) (keySpec, error) {
	s, ok := lookupSpec(key)
	if !ok {
		return keySpec{}, fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return keySpec{}, fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
	}
	return s, nil
}

func setKey(b ConfigBackend, key, value string) error {
	s, err := writableSpec(key)
	if err != nil {
		return err
	}
	v, err := s.typ.parse(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	switch v := v.(type) {
	case int:
		return b.SetInt(key, v)
	case float64:
		return b.SetFloat(key, v)
	default:
		return b.SetString(key, value)
	}
}

func unsetKey(b ConfigBackend, key string) error {
	if _, err := writableSpec(key); err != nil {
		return err
	}
	return b.Delete(key)
}

// ValidKeys lists the keys SetKey accepts.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
