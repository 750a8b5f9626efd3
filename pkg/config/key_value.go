// Package config parses the structured values accepted on the command line.
package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"
)

// ParseKeyValue parses a single key=value pair and returns the key and value.
// If no value is provided, the value will be empty.
func ParseKeyValue(input string) (key, val string) {
	key, val, _ = strings.Cut(input, "=")
	return key, val
}

// ParseLabels parses a comma-separated list of key=value pairs into a label set.
// Empty pairs are ignored and whitespace around pairs is trimmed. Keys and values
// must be valid Kubernetes label keys and values.
func ParseLabels(input string) (map[string]string, error) {
	result := map[string]string{}
	for _, pair := range strings.Split(input, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, val := ParseKeyValue(pair)
		if errs := validation.IsQualifiedName(key); len(errs) > 0 {
			return nil, fmt.Errorf("invalid label key %q: %s", key, strings.Join(errs, ", "))
		}
		if errs := validation.IsValidLabelValue(val); len(errs) > 0 {
			return nil, fmt.Errorf("invalid value for label %q: %s", key, strings.Join(errs, ", "))
		}
		result[key] = val
	}
	return result, nil
}

// Labels is a flag.Value holding a label set in the format accepted by ParseLabels.
type Labels map[string]string

func (l *Labels) String() string {
	if l == nil || len(*l) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(*l))
	for _, k := range slices.Sorted(maps.Keys(*l)) {
		pairs = append(pairs, k+"="+(*l)[k])
	}
	return strings.Join(pairs, ",")
}

// Set merges the given pairs into the set, so the flag may be repeated.
func (l *Labels) Set(value string) error {
	parsed, err := ParseLabels(value)
	if err != nil {
		return err
	}
	if *l == nil {
		*l = Labels{}
	}
	maps.Copy(*l, parsed)
	return nil
}
