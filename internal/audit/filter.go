package audit

import "strings"

// FilteredValue replaces sensitive property values.
const FilteredValue = "[FILTERED]"

// DefaultSensitiveFields lists property keys that never reach storage.
var DefaultSensitiveFields = []string{
	"password",
	"password_confirmation",
	"current_password",
	"new_password",
	"token",
	"access_token",
	"refresh_token",
	"secret",
	"api_key",
	"authorization",
	"credit_card",
	"card_number",
	"cvv",
	"ssn",
	"otp",
	"private_key",
}

// Filter masks sensitive keys in activity properties.
type Filter struct {
	keys map[string]struct{}
}

// NewFilter builds a filter for the given keys, falling back to
// DefaultSensitiveFields when none are supplied. Keys match case-insensitively
// with '-' and '_' treated alike.
func NewFilter(keys []string) *Filter {
	if len(keys) == 0 {
		keys = DefaultSensitiveFields
	}
	f := &Filter{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		if k = normalizeKey(k); k != "" {
			f.keys[k] = struct{}{}
		}
	}
	return f
}

// FilterProperties applies the default filter.
func FilterProperties(p Properties) Properties {
	return NewFilter(nil).Apply(p)
}

// Apply returns a filtered deep copy of p.
func (f *Filter) Apply(p Properties) Properties {
	if p == nil {
		return nil
	}
	return Properties(f.mapValue(p))
}

func (f *Filter) mapValue(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, sensitive := f.keys[normalizeKey(k)]; sensitive {
			out[k] = FilteredValue
			continue
		}
		out[k] = f.value(v)
	}
	return out
}

func (f *Filter) value(v any) any {
	switch typed := v.(type) {
	case Properties:
		return f.mapValue(typed)
	case map[string]any:
		return f.mapValue(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = f.value(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = f.mapValue(item)
		}
		return out
	default:
		return v
	}
}

func normalizeKey(k string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(k)), "-", "_")
}
