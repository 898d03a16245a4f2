package task

import (
	"fmt"
	"sort"
	"strings"
)

// EncodeOptions renders options as comma separated key=value pairs sorted by key.
// This is the form every backend stores.
func EncodeOptions(opts map[string]string) string {
	if len(opts) == 0 {
		return ""
	}
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+opts[k])
	}
	return strings.Join(parts, ",")
}

// DecodeOptions parses the stored form. Fields without '=' are skipped and keys
// and values are trimmed. The result is never nil.
func DecodeOptions(raw string) map[string]string {
	out := map[string]string{}
	if strings.TrimSpace(raw) == "" {
		return out
	}
	for _, field := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

// ValidateOptions reports options the stored form cannot carry: a blank key, a
// key holding '=' or ',', or a value holding ','. Keys and values are compared
// trimmed, as DecodeOptions returns them.
func ValidateOptions(opts map[string]string) error {
	for k, v := range opts {
		key := strings.TrimSpace(k)
		switch {
		case key == "":
			return fmt.Errorf("%w: option key is required", ErrInvalidInput)
		case strings.ContainsAny(key, "=,"):
			return fmt.Errorf("%w: option key %q must not contain '=' or ','", ErrInvalidInput, key)
		case strings.Contains(v, ","):
			return fmt.Errorf("%w: option %q value must not contain ','", ErrInvalidInput, key)
		}
	}
	return nil
}

func normalizeOptions(opts map[string]string) (map[string]string, error) {
	if err := ValidateOptions(opts); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(opts))
	for k, v := range opts {
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}
