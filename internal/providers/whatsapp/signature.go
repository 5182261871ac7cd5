package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sign returns hex(HMAC-SHA256(body, appSecret)), the value carried in the
// X-Hub-Signature-256 header after the "sha256=" prefix.
func Sign(appSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the X-Hub-Signature-256 header against the raw
// request body.
func VerifySignature(appSecret, provided string, body []byte) bool {
	provided = strings.TrimPrefix(provided, "sha256=")
	expected := Sign(appSecret, body)
	return hmac.Equal([]byte(expected), []byte(provided))
}
