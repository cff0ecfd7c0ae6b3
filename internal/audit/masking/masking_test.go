package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "", MaskSecret("  "))
	assert.Equal(t, "****", MaskSecret("abc"))
	assert.Equal(t, "****6789", MaskSecret("whsec123456789"))
	assert.Equal(t, "sk_live_****cdef", MaskSecret("sk_live_0123456789abcdef"))
}

func TestMaskJSONOnlyTouchesSecretKeys(t *testing.T) {
	out := MaskJSON(map[string]any{
		"name":            "Main store",
		"api_key":         "eyJ0eXAiOiJKV1QiLCJhbGciOi",
		" webhook_secret": "s3cr3t-value",
		"nested": map[string]any{
			"token":    "abcdefgh",
			"store_id": "12345",
		},
		"enabled": true,
	})

	assert.Equal(t, "Main store", out["name"])
	assert.Equal(t, "****ciOi", out["api_key"])
	assert.Equal(t, "****alue", out["webhook_secret"])
	nested := out["nested"].(map[string]any)
	assert.Equal(t, "****efgh", nested["token"])
	assert.Equal(t, "12345", nested["store_id"])
	assert.Equal(t, true, out["enabled"])
	assert.Nil(t, MaskJSON(nil))
}
