package sweep

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseReceipt(t *testing.T) {
	cases := []struct {
		name   string
		stored string
		want   Receipt
	}{
		{"empty", "", Receipt{}},
		{"user payment reference", "5KtP9vDqW3sig", Receipt{}},
		{"fee leg only", "fee:abc", Receipt{FeeSig: "abc"}},
		{"ops leg only", "ops:def", Receipt{OpsSig: "def"}},
		{"both legs", "fee:abc|ops:def", Receipt{FeeSig: "abc", OpsSig: "def"}},
		{"order independent", "ops:def|fee:abc", Receipt{FeeSig: "abc", OpsSig: "def"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseReceipt(tc.stored))
		})
	}
}

func TestReceiptRoundTrip(t *testing.T) {
	r := Receipt{FeeSig: "abc", OpsSig: "def"}
	assert.Equal(t, r, ParseReceipt(r.String()))

	partial := Receipt{OpsSig: "def"}
	assert.Equal(t, partial, ParseReceipt(partial.String()))
}

func TestReceiptProgress(t *testing.T) {
	assert.False(t, Receipt{}.Started())
	assert.False(t, Receipt{}.Complete())

	assert.True(t, Receipt{FeeSig: "abc"}.Started())
	assert.False(t, Receipt{FeeSig: "abc"}.Complete())

	assert.True(t, Receipt{OpsSig: "def"}.Started())
	assert.False(t, Receipt{OpsSig: "def"}.Complete())

	assert.True(t, Receipt{FeeSig: "abc", OpsSig: "def"}.Complete())
}
