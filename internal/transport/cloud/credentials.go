package cloud

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenExpired means the broker token is past its expiry and the backend
// must issue a fresh one before connecting.
var ErrTokenExpired = errors.New("broker token expired")

// BrokerCredentials authenticate the app's broker session. Token is a
// backend-issued JWT used as the MQTT password.
type BrokerCredentials struct {
	Username string
	Token    string
}

// Valid checks the token's expiry claim without verifying the signature;
// the broker is the verifier, this check only avoids a doomed connect.
func (c BrokerCredentials) Valid(now time.Time) error {
	if c.Token == "" {
		return errors.New("empty broker token")
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(c.Token, claims); err != nil {
		return fmt.Errorf("parse broker token: %w", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("broker token expiry claim: %w", err)
	}
	if exp != nil && now.After(exp.Time) {
		return ErrTokenExpired
	}
	return nil
}
