package client

import "crypto/tls"

type tlsConfigType = tls.Config

// newInsecureTLSConfig disables certificate verification for sources
// configured with verify_ssl=false.
func newInsecureTLSConfig() *tlsConfigType {
	return &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in via AuthConfig.VerifyTLS
}
