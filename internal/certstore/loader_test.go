package certstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyOCSPStaple_RejectsMalformedResponse(t *testing.T) {
	cert := &Certificate{}
	err := cert.ApplyOCSPStaple([]byte("not a valid OCSP response"))
	assert.Error(t, err)
	assert.Empty(t, cert.OCSPStaple)
}

func TestLoadKeyPair_MissingKeyPairIsAnError(t *testing.T) {
	_, err := LoadKeyPair("testdata/does-not-exist.pem", "testdata/does-not-exist-key.pem")
	assert.Error(t, err) // the key pair itself is missing; the staple lookup never runs
}
