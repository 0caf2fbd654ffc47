// Package parameters handles generic configuration Params, a map[string]string that the
// user can set with a configuration string like "episodes=3000,batch_size=128,discount=0.95".
package parameters

import (
	"slices"
	"strconv"
	"strings"

	"github.com/janpfeifer/tetrisGo/internal/generics"
	"github.com/pkg/errors"
)

// Params represent generic configuration parameters.
type Params map[string]string

// NewFromConfigString create params from user's configuration string.
// See GetParamOr and PopParamOr to parse values from this map.
// Empty entries (e.g. from trailing commas) are ignored.
func NewFromConfigString(config string) Params {
	params := make(Params)
	parts := strings.Split(config, ",")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		subParts := strings.SplitN(part, "=", 2) // Split into up to 2 parts to handle '=' in values
		if len(subParts) == 1 {
			params[subParts[0]] = ""
		} else if len(subParts) == 2 {
			params[subParts[0]] = subParts[1]
		}
	}
	return params
}

// PopParamOr is like GetParamOr, but it also deletes from the params map the retrieved parameter.
func PopParamOr[T interface {
	bool | int | float32 | float64 | string
}](params Params, key string, defaultValue T) (T, error) {
	value, err := GetParamOr(params, key, defaultValue)
	if err != nil {
		return value, err
	}
	delete(params, key)
	return value, nil
}

// GetParamOr attempts to parse a parameter to the given type if the key is present, or returns the defaultValue
// if not.
//
// For bool types, a key without a value is interpreted as true.
func GetParamOr[T interface {
	bool | int | float32 | float64 | string
}](params Params, key string, defaultValue T) (T, error) {
	vAny := (any)(defaultValue)
	var t T
	toT := func(v any) T { return v.(T) }
	switch vAny.(type) {
	case string:
		if value, exists := params[key]; exists {
			return toT(value), nil
		}
	case int:
		if value, exists := params[key]; exists && value != "" {
			parsedValue, err := strconv.Atoi(value)
			if err != nil {
				return t, errors.Wrapf(err, "failed to parse configuration %s=%q to int", key, value)
			}
			return toT(parsedValue), nil
		}
	case float32:
		if value, exists := params[key]; exists && value != "" {
			parsedValue, err := strconv.ParseFloat(value, 32)
			if err != nil {
				return t, errors.Wrapf(err, "failed to parse configuration %s=%q to float", key, value)
			}
			return toT(float32(parsedValue)), nil
		}
	case float64:
		if value, exists := params[key]; exists && value != "" {
			parsedValue, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return t, errors.Wrapf(err, "failed to parse configuration %s=%q to float", key, value)
			}
			return toT(parsedValue), nil
		}
	case bool:
		if value, exists := params[key]; exists {
			if value == "" || strings.ToLower(value) == "true" || value == "1" { // Empty value is considered "true"
				return toT(true), nil
			}
			if strings.ToLower(value) == "false" || value == "0" {
				return toT(false), nil
			}
			return defaultValue, errors.Errorf("failed to parse configuration %s=%q to bool", key, value)
		}
	}
	return defaultValue, nil
}

// PopIntsOr parses a list of positive integers separated by "-" (e.g.: "32-32-32"), and deletes the key
// from params. If the key is not present, defaultValue is returned.
func PopIntsOr(params Params, key string, defaultValue []int) ([]int, error) {
	value, exists := params[key]
	if !exists {
		return defaultValue, nil
	}
	delete(params, key)
	if value == "" {
		return nil, nil
	}
	parts := strings.Split(value, "-")
	ints := make([]int, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse configuration %s=%q to a list of ints", key, value)
		}
		if v <= 0 {
			return nil, errors.Errorf("configuration %s=%q must be a list of positive ints", key, value)
		}
		ints = append(ints, v)
	}
	return ints, nil
}

// FormatInts is the inverse of PopIntsOr parsing.
func FormatInts(values []int) string {
	return strings.Join(generics.SliceMap(values, strconv.Itoa), "-")
}

// Keys returns the sorted list of parameters set.
func (p Params) Keys() []string {
	return slices.Collect(generics.SortedKeys(p))
}

// String returns the configuration string that generates the params, with keys sorted.
func (p Params) String() string {
	parts := make([]string, 0, len(p))
	for key, value := range generics.SortedKeysAndValues(p) {
		if value == "" {
			parts = append(parts, key)
		} else {
			parts = append(parts, key+"="+value)
		}
	}
	return strings.Join(parts, ",")
}

// CheckAllUsed returns an error listing the parameters left in params, if any.
// It is meant to be called after all known parameters were popped.
func CheckAllUsed(params Params) error {
	if len(params) == 0 {
		return nil
	}
	return errors.Errorf("unknown configuration parameters: %s", strings.Join(params.Keys(), ", "))
}
