package sweep

import "strings"

const (
	feeLegPrefix = "fee:"
	opsLegPrefix = "ops:"
	legSeparator = "|"

	// legNone records a leg that had nothing to transfer, such as the fee
	// leg under a zero fee rate.
	legNone = "none"
)

// Receipt is the sweep state recorded in an order's payment signature field.
// Each leg holds the signature of its transfer once that leg has landed, so
// a retry pass can resend only what is missing.
type Receipt struct {
	FeeSig string
	OpsSig string
}

// ParseReceipt decodes a stored receipt. Values without leg markers (such as
// the user's original payment reference) decode to an empty receipt.
func ParseReceipt(stored string) Receipt {
	var r Receipt
	for _, part := range strings.Split(stored, legSeparator) {
		switch {
		case strings.HasPrefix(part, feeLegPrefix):
			r.FeeSig = strings.TrimPrefix(part, feeLegPrefix)
		case strings.HasPrefix(part, opsLegPrefix):
			r.OpsSig = strings.TrimPrefix(part, opsLegPrefix)
		}
	}
	return r
}

// Complete reports whether both transfer legs have landed.
func (r Receipt) Complete() bool {
	return r.FeeSig != "" && r.OpsSig != ""
}

// Started reports whether any leg has landed.
func (r Receipt) Started() bool {
	return r.FeeSig != "" || r.OpsSig != ""
}

// String encodes the receipt for storage, including only present legs.
func (r Receipt) String() string {
	var parts []string
	if r.FeeSig != "" {
		parts = append(parts, feeLegPrefix+r.FeeSig)
	}
	if r.OpsSig != "" {
		parts = append(parts, opsLegPrefix+r.OpsSig)
	}
	return strings.Join(parts, legSeparator)
}
