// types_options.go - Generation Options und Runtime-Konfiguration
// Enthaelt: GenerationConfig, DefaultGenerationConfig(), FromMap()

package api

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"
)

// GenerationConfig spezifiziert die Sampling- und Limit-Parameter einer
// Anfrage. Neue Felder brauchen einen json-Tag, sonst sieht FromMap sie nicht.
type GenerationConfig struct {
	Temperature float32 `json:"temperature,omitempty"`
	TopK        int     `json:"top_k,omitempty"`
	TopP        float32 `json:"top_p,omitempty"`
	Seed        int     `json:"seed,omitempty"`

	MaxNewTokens int `json:"max_new_tokens,omitempty"`
	MaxLength    int `json:"max_length,omitempty"`

	// Thinking schaltet den "<think>"-Vorspann fuer Reasoning-Modelle ein.
	Thinking bool `json:"thinking,omitempty"`

	Stop []string `json:"stop,omitempty"`
}

// DefaultGenerationConfig liefert die Engine-weiten Defaults, ueberschrieben
// von envconfig Grenzwerten in Engine.Submit.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		Temperature:  1.0,
		TopK:         0,
		TopP:         1.0,
		Seed:         -1,
		MaxNewTokens: 0,
		MaxLength:    0,
	}
}

// FromMap laedt Generation-Config-Werte aus einer Map (z.B. dekodiertes JSON).
func (c *GenerationConfig) FromMap(m map[string]any) error {
	valueOpts := reflect.ValueOf(c).Elem()
	typeOpts := reflect.TypeOf(c).Elem()

	jsonOpts := make(map[string]reflect.StructField)
	for _, field := range reflect.VisibleFields(typeOpts) {
		jsonTag := strings.Split(field.Tag.Get("json"), ",")[0]
		if jsonTag != "" {
			jsonOpts[jsonTag] = field
		}
	}

	for key, val := range m {
		opt, ok := jsonOpts[key]
		if !ok {
			slog.Warn("invalid generation option provided", "option", key)
			continue
		}

		field := valueOpts.FieldByName(opt.Name)
		if !field.IsValid() || !field.CanSet() || val == nil {
			continue
		}

		switch field.Kind() {
		case reflect.Int:
			switch t := val.(type) {
			case int64:
				field.SetInt(t)
			case float64:
				field.SetInt(int64(t))
			default:
				return fmt.Errorf("option %q must be of type integer", key)
			}
		case reflect.Bool:
			b, ok := val.(bool)
			if !ok {
				return fmt.Errorf("option %q must be of type boolean", key)
			}
			field.SetBool(b)
		case reflect.Float32:
			f, ok := val.(float64)
			if !ok {
				return fmt.Errorf("option %q must be of type float32", key)
			}
			field.SetFloat(f)
		case reflect.Slice:
			arr, ok := val.([]any)
			if !ok {
				return fmt.Errorf("option %q must be of type array", key)
			}
			slice := make([]string, len(arr))
			for i, item := range arr {
				str, ok := item.(string)
				if !ok {
					return fmt.Errorf("option %q must be an array of strings", key)
				}
				slice[i] = str
			}
			field.Set(reflect.ValueOf(slice))
		default:
			return fmt.Errorf("unknown type loading generation config: %v", field.Kind())
		}
	}

	return nil
}
