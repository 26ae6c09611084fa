package env

import (
	"log"
	"os"
)

// Default returns the environment value for name or defaultValue when unset.
func Default(name, defaultValue string) string {
	if v := os.Getenv(name); v != "" {
		log.Println("#", name, "=", v)
		return v
	}
	return defaultValue
}

// Secret is an environment value that must not end up in logs.
type Secret string

func (s Secret) String() string { return "****" }
func (s Secret) Secret() string { return string(s) }

// GetSecret reads a secret environment value without echoing it.
func GetSecret(name, defaultValue string) Secret {
	if v := os.Getenv(name); v != "" {
		log.Println("#", name, "= ****")
		return Secret(v)
	}
	return Secret(defaultValue)
}
