package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// hashJSON canonicalizes v via its JSON encoding and returns the hex sha256
// digest. encoding/json already sorts map keys on marshal, so this is
// canonical without any extra normalization step.
func hashJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
