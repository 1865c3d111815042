package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

const signaturePrefix = "sha256="

// Sign returns the signature header value for body.
func Sign(body []byte, secret string) string {
	return signaturePrefix + computeSignature(body, secret)
}

// Verify checks a signature header value against body.
//
// Both "sha256=<hex>" and bare hex are accepted. The comparison is constant
// time and every failure returns the same error.
func Verify(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return fmt.Errorf("webhook verification failed")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	actual, err := parseSignature(signature)
	if err != nil {
		return fmt.Errorf("webhook verification failed")
	}
	if subtle.ConstantTimeCompare(expected, actual) != 1 {
		return fmt.Errorf("webhook verification failed")
	}
	return nil
}

func parseSignature(signature string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
}

func computeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
