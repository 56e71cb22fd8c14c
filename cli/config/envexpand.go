// Package config loads courier.yaml.
package config

import (
	"os"
	"regexp"
	"slices"
	"strings"
)

// envVarPattern matches ${VAR}, ${VAR:-default} and ${VAR:?message}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?:(:[-?])([^}]*))?\}`)

// MissingEnvError lists the ${VAR:?} references that were unset or empty.
type MissingEnvError struct {
	Vars []string
}

func (e *MissingEnvError) Error() string {
	return "required environment variables not set: " + strings.Join(e.Vars, ", ")
}

// ExpandEnv substitutes environment references in input:
//
//	${VAR}           value, or empty when unset
//	${VAR:-default}  value, or default when unset or empty
//	${VAR:?message}  value, or a *MissingEnvError when unset or empty
//
// A bare $VAR is left alone so passwords containing $ survive.
func ExpandEnv(input string) (string, error) {
	return expandEnv(input, true)
}

// expandEnv with strict off treats ${VAR:?} like ${VAR}. Read-only
// commands use it so a missing secret does not hide local state.
func expandEnv(input string, strict bool) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, op, arg := groups[1], groups[2], groups[3]

		if value := os.Getenv(name); value != "" {
			return value
		}
		switch op {
		case ":-":
			return arg
		case ":?":
			if strict && !slices.Contains(missing, name) {
				missing = append(missing, name)
			}
		}
		return ""
	})
	if len(missing) > 0 {
		return "", &MissingEnvError{Vars: missing}
	}
	return out, nil
}
