package config

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var (
	// ErrUnknownKey is returned for keys that name no setting.
	ErrUnknownKey = errors.New("unknown config key")
	// ErrInvalidValue is returned when a value does not fit its setting.
	ErrInvalidValue = errors.New("invalid config value")
)

// Setting is one addressable field of Config, named by its dot-separated
// JSON path such as api.token or relay.enabled. Struct tags on the field
// add constraints: secret:"true" masks it in listings, min:"N" bounds an
// integer and oneof:"a b" restricts a string.
type Setting struct {
	Key    string
	Secret bool
	Kind   reflect.Kind

	index []int
	min   *int64
	oneOf []string
}

var settings = sync.OnceValue(func() []Setting {
	out := walk(reflect.TypeOf(Config{}), "", nil)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
})

func walk(t reflect.Type, prefix string, index []int) []Setting {
	var out []Setting
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		idx := append(slices.Clone(index), i)

		if f.Type.Kind() == reflect.Struct {
			out = append(out, walk(f.Type, key, idx)...)
			continue
		}
		s := Setting{
			Key:    key,
			Secret: f.Tag.Get("secret") == "true",
			Kind:   f.Type.Kind(),
			index:  idx,
		}
		if m := f.Tag.Get("min"); m != "" {
			n, err := strconv.ParseInt(m, 10, 64)
			if err != nil {
				panic(fmt.Sprintf("config: bad min tag on %s: %v", key, err))
			}
			s.min = &n
		}
		if o := f.Tag.Get("oneof"); o != "" {
			s.oneOf = strings.Fields(o)
		}
		out = append(out, s)
	}
	return out
}

// Settings lists every setting sorted by key.
func Settings() []Setting {
	return slices.Clone(settings())
}

func lookup(key string) (Setting, error) {
	for _, s := range settings() {
		if s.Key == key {
			return s, nil
		}
	}
	return Setting{}, fmt.Errorf("%w: %s", ErrUnknownKey, key)
}

// IsSecretKey reports whether key is masked in listings.
func IsSecretKey(key string) bool {
	s, err := lookup(key)
	return err == nil && s.Secret
}

func (c *Config) field(s Setting) reflect.Value {
	return reflect.ValueOf(c).Elem().FieldByIndex(s.index)
}

// Get returns the value of key.
func (c *Config) Get(key string) (any, error) {
	s, err := lookup(key)
	if err != nil {
		return nil, err
	}
	return c.field(s).Interface(), nil
}

// Set parses value according to the type and tags of key and stores it.
// On error c is unchanged.
func (c *Config) Set(key, value string) error {
	s, err := lookup(key)
	if err != nil {
		return err
	}
	v := c.field(s)

	switch s.Kind {
	case reflect.String:
		if len(s.oneOf) > 0 && !slices.Contains(s.oneOf, value) {
			return fmt.Errorf("%w: %s must be one of %s, got %q", ErrInvalidValue, key, strings.Join(s.oneOf, ", "), value)
		}
		v.SetString(value)
	case reflect.Int:
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s must be an integer, got %q", ErrInvalidValue, key, value)
		}
		if s.min != nil && n < *s.min {
			return fmt.Errorf("%w: %s must be at least %d, got %d", ErrInvalidValue, key, *s.min, n)
		}
		v.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%w: %s must be true or false, got %q", ErrInvalidValue, key, value)
		}
		v.SetBool(b)
	default:
		return fmt.Errorf("%w: %s has unsupported type %s", ErrInvalidValue, key, s.Kind)
	}
	return nil
}

// maskSecret keeps the last four characters of a non-empty secret.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "***"
	}
	return "***" + s[len(s)-4:]
}
