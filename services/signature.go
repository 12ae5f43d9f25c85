package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// VerifyWebhookSignature checks the x-signature header Mercado Pago attaches to
// webhook deliveries. The header is a comma-separated list of key=value pairs;
// we need the ts (timestamp) and v1 (HMAC digest) fields. The digest is
// HMAC-SHA256 over the canonical manifest
//
//	id:<dataID>;request-id:<requestID>;ts:<ts>;
//
// keyed with the shared webhook secret, hex-encoded lowercase.
// Returns false if ts or v1 is missing, or if no secret is configured —
// callers must treat a missing secret as a server misconfiguration (refuse the
// request), never as "unsigned, allow through".
func VerifyWebhookSignature(signatureHeader, requestID, dataID, secret string) bool {
	if secret == "" {
		return false
	}

	var ts, digest string
	for _, part := range strings.Split(signatureHeader, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.TrimSpace(kv[0]) {
		case "ts":
			ts = strings.TrimSpace(kv[1])
		case "v1":
			digest = strings.TrimSpace(kv[1])
		}
	}
	if ts == "" || digest == "" {
		return false
	}

	manifest := fmt.Sprintf("id:%s;request-id:%s;ts:%s;", dataID, requestID, ts)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest))
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(digest))
}
