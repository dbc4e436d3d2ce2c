// config_file.go - optionaler YAML-Override fuer Environment-Variablen
//
// Deployments die eine Config-Datei statt einer langen Env-Var-Liste
// bevorzugen koennen LoadFile(path) vor dem Start des Engine aufrufen;
// Werte werden per os.Setenv ueber die bestehenden Env-Defaults gelegt.
package envconfig

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile liest key/value Paare aus einer YAML-Datei und setzt sie als
// Prozess-Environment-Variablen, sofern die Variable noch nicht gesetzt ist.
// Keys werden auf HEYI_<UPPER_SNAKE_CASE> abgebildet, z.B. "max_length" ->
// "HEYI_MAX_LENGTH".
func LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	for key, val := range doc {
		envKey := "HEYI_" + strings.ToUpper(key)
		if _, set := os.LookupEnv(envKey); set {
			continue
		}
		if err := os.Setenv(envKey, fmt.Sprintf("%v", val)); err != nil {
			return fmt.Errorf("setting %s: %w", envKey, err)
		}
	}

	return nil
}
