package config

import (
	"os"
	"regexp"
)

// matches either an escaped "$${" or a "${[env:]NAME[:-default]}" expression
var envExpr = regexp.MustCompile(`\$\$\{|\$\{(?:env:)?([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ReplaceEnv expands the ${VAR} and ${VAR:-default} expressions of a YAML document with the
// values of the environment variables. The default is used when the variable is unset or empty.
// $${VAR} is left as the literal text ${VAR}.
func ReplaceEnv(content []byte) []byte {
	return envExpr.ReplaceAllFunc(content, func(match []byte) []byte {
		if string(match) == "$${" {
			return []byte("${")
		}
		groups := envExpr.FindSubmatch(match)
		if val := os.Getenv(string(groups[1])); val != "" {
			return []byte(val)
		}
		return groups[2]
	})
}
