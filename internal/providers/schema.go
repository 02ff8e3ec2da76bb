package providers

// CleanSchemaForProvider strips JSON-schema keywords a vendor rejects.
// Gemini's function declarations accept a narrow subset; Anthropic and
// OpenAI tolerate most object-form schemas.
func CleanSchemaForProvider(provider string, schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	if provider != "google" {
		return schema
	}
	return cleanForGemini(schema)
}

// geminiUnsupported are schema keywords the Gemini API rejects.
var geminiUnsupported = map[string]bool{
	"$schema":              true,
	"additionalProperties": true,
	"default":              true,
	"examples":             true,
	"exclusiveMaximum":     true,
	"exclusiveMinimum":     true,
}

func cleanForGemini(schema map[string]any) map[string]any {
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		if geminiUnsupported[k] {
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			out[k] = cleanForGemini(val)
		case []any:
			cleaned := make([]any, 0, len(val))
			for _, item := range val {
				if m, ok := item.(map[string]any); ok {
					cleaned = append(cleaned, cleanForGemini(m))
				} else {
					cleaned = append(cleaned, item)
				}
			}
			out[k] = cleaned
		default:
			out[k] = v
		}
	}
	return out
}
