package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// PropertyFileKey names the override file whose values win over every other layer.
const PropertyFileKey = "property_file"

// indirectionMarker prefixes values that name another key or an environment variable.
const indirectionMarker = "$"

// Override files are loaded once per path and kept for the lifetime of the process.
var overrideFiles = struct {
	sync.Mutex
	m map[string]*viper.Viper
}{m: map[string]*viper.Viper{}}

// Resolver performs layered key lookups:
// override file -> process override -> main file -> "$" indirection.
type Resolver struct {
	main      *viper.Viper
	overrides map[string]string
	child     *viper.Viper
	getenv    func(string) string
}

// NewResolver creates a resolver over a loaded main configuration.
// Override keys are matched case-insensitively, like viper keys.
func NewResolver(main *viper.Viper, overrides map[string]string) *Resolver {
	normalized := make(map[string]string, len(overrides))
	for k, v := range overrides {
		normalized[strings.ToLower(k)] = v
	}
	return &Resolver{
		main:      main,
		overrides: normalized,
		getenv:    os.Getenv,
	}
}

// loadOverrideFile attaches the property_file named by the process overrides or
// the main file, reading it at most once per process.
func (r *Resolver) loadOverrideFile() error {
	path, ok := r.overrides[PropertyFileKey]
	if !ok {
		path = r.main.GetString(PropertyFileKey)
	}
	if path == "" {
		return nil
	}

	overrideFiles.Lock()
	defer overrideFiles.Unlock()

	if v, ok := overrideFiles.m[path]; ok {
		r.child = v
		return nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading %s %s: %w", PropertyFileKey, path, err)
	}
	overrideFiles.m[path] = v
	r.child = v
	return nil
}

// raw returns the first layer that defines key, without indirection.
func (r *Resolver) raw(key string) (any, *viper.Viper, bool) {
	key = strings.ToLower(key)
	if r.child != nil && r.child.IsSet(key) {
		return r.child.Get(key), r.child, true
	}
	if v, ok := r.overrides[key]; ok {
		return v, r.main, true
	}
	if r.main.IsSet(key) {
		return r.main.Get(key), r.main, true
	}
	return nil, nil, false
}

// Get returns the resolved string value of key, or "" when no layer defines it.
func (r *Resolver) Get(key string) string {
	value, layer, ok := r.raw(key)
	if !ok {
		return ""
	}
	return r.indirect(layer, cast.ToString(value))
}

// indirect follows a single "$NAME" reference: a key of the same layer first,
// then the process environment.
func (r *Resolver) indirect(layer *viper.Viper, value string) string {
	if !strings.HasPrefix(value, indirectionMarker) {
		return value
	}
	name := strings.TrimPrefix(value, indirectionMarker)
	if name == "" {
		return value
	}
	if layer.IsSet(name) {
		return layer.GetString(name)
	}
	return r.getenv(name)
}

// GetInt returns key as an int, or def when unset or invalid.
func (r *Resolver) GetInt(key string, def int) int {
	s := r.Get(key)
	if s == "" {
		return def
	}
	n, err := cast.ToIntE(s)
	if err != nil {
		return def
	}
	return n
}

// GetDuration returns key as a duration, or def when unset.
func (r *Resolver) GetDuration(key string, def time.Duration) (time.Duration, error) {
	s := r.Get(key)
	if s == "" {
		return def, nil
	}
	d, err := cast.ToDurationE(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, s, err)
	}
	return d, nil
}

// GetStringSlice returns key as a list. Process overrides are split on commas.
func (r *Resolver) GetStringSlice(key string) []string {
	value, _, ok := r.raw(key)
	if !ok {
		return nil
	}
	if s, isString := value.(string); isString {
		var out []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return cast.ToStringSlice(value)
}

// IsSet reports whether any layer defines key.
func (r *Resolver) IsSet(key string) bool {
	_, _, ok := r.raw(key)
	return ok
}
