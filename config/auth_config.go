package config

import (
	"fmt"
	"strings"
)

// AuthMode selects the SASL mechanism sent in connection.start-ok
type AuthMode string

const (
	// AuthModePlain is the PLAIN mechanism: "\x00user\x00password"
	AuthModePlain AuthMode = "PLAIN"
	// AuthModeAMQPlain is the legacy AMQPLAIN mechanism: a LOGIN/PASSWORD field table
	AuthModeAMQPlain AuthMode = "AMQPLAIN"
)

// Decode lets envconfig accept the mechanism in any case.
func (m *AuthMode) Decode(value string) error {
	switch AuthMode(strings.ToUpper(value)) {
	case AuthModePlain:
		*m = AuthModePlain
	case AuthModeAMQPlain:
		*m = AuthModeAMQPlain
	default:
		return fmt.Errorf("unknown auth mechanism %q", value)
	}
	return nil
}
