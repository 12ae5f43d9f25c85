package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func signatureHeader(dataID, requestID, ts, secret string) string {
	manifest := fmt.Sprintf("id:%s;request-id:%s;ts:%s;", dataID, requestID, ts)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest))
	return fmt.Sprintf("ts=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifyWebhookSignature_Valid(t *testing.T) {
	header := signatureHeader("12345", "req-abc", "1700000000", "shh")
	assert.True(t, VerifyWebhookSignature(header, "req-abc", "12345", "shh"))
}

func TestVerifyWebhookSignature_ToleratesSpacing(t *testing.T) {
	header := signatureHeader("12345", "req-abc", "1700000000", "shh")
	// providers occasionally pad the pair list with spaces
	spaced := "ts=1700000000, v1=" + header[len("ts=1700000000,v1="):]
	assert.True(t, VerifyWebhookSignature(spaced, "req-abc", "12345", "shh"))
}

func TestVerifyWebhookSignature_AnyDigestMutationFails(t *testing.T) {
	header := signatureHeader("12345", "req-abc", "1700000000", "shh")

	// flip each hex character of the digest in turn
	prefix := "ts=1700000000,v1="
	digest := header[len(prefix):]
	for i := 0; i < len(digest); i++ {
		mutated := []byte(digest)
		if mutated[i] == 'a' {
			mutated[i] = 'b'
		} else {
			mutated[i] = 'a'
		}
		assert.False(t, VerifyWebhookSignature(prefix+string(mutated), "req-abc", "12345", "shh"),
			"mutation at digest position %d must fail", i)
	}
}

func TestVerifyWebhookSignature_WrongManifestInputs(t *testing.T) {
	header := signatureHeader("12345", "req-abc", "1700000000", "shh")

	assert.False(t, VerifyWebhookSignature(header, "req-other", "12345", "shh"))
	assert.False(t, VerifyWebhookSignature(header, "req-abc", "67890", "shh"))
	assert.False(t, VerifyWebhookSignature(header, "req-abc", "12345", "wrong-secret"))
}

func TestVerifyWebhookSignature_MissingFields(t *testing.T) {
	assert.False(t, VerifyWebhookSignature("v1=deadbeef", "req-abc", "12345", "shh"), "missing ts")
	assert.False(t, VerifyWebhookSignature("ts=1700000000", "req-abc", "12345", "shh"), "missing v1")
	assert.False(t, VerifyWebhookSignature("", "req-abc", "12345", "shh"), "empty header")
	assert.False(t, VerifyWebhookSignature("not-a-pair-list", "req-abc", "12345", "shh"))
}

func TestVerifyWebhookSignature_UnsetSecretFailsClosed(t *testing.T) {
	header := signatureHeader("12345", "req-abc", "1700000000", "")
	assert.False(t, VerifyWebhookSignature(header, "req-abc", "12345", ""))
}
