package identity

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/kioskworks/station/system"
)

// Fingerprint is the deterministic digest set identifying a physical chassis.
// The SHA-256 digest is canonical; the truncated and MD5 forms exist only for
// compatibility with older fleet tooling that stored short identifiers.
type Fingerprint struct {
	// HardwareID is the canonical hex SHA-256 digest of the component string.
	HardwareID string `json:"hardware_id"`

	// Short is the first 16 hex characters of the canonical digest.
	Short string `json:"short"`

	// MD5 is the legacy digest of the same component string.
	MD5 string `json:"md5"`

	// Components is the exact labeled, delimited string that was hashed.
	// Persisted alongside the digest so a mismatch can be diagnosed by
	// comparing fields rather than opaque hashes.
	Components string `json:"components"`
}

// Generate derives the machine fingerprint from a hardware inventory. Serial
// sets are sorted before concatenation so enumeration order never affects the
// digest, and absent sources contribute an empty field so the result stays
// deterministic on machines with missing firmware data.
//
// CPU, GPU and NIC identifiers are deliberately excluded: add-in cards change
// without the chassis changing, and virtualized preview environments
// routinely lack them.
func Generate(inv system.HardwareInventory) Fingerprint {
	components := canonical(inv)

	sum := sha256.Sum256([]byte(components))
	hardwareID := hex.EncodeToString(sum[:])

	legacy := md5.Sum([]byte(components))

	return Fingerprint{
		HardwareID: hardwareID,
		Short:      hardwareID[:16],
		MD5:        hex.EncodeToString(legacy[:]),
		Components: components,
	}
}

func canonical(inv system.HardwareInventory) string {
	var b strings.Builder
	b.WriteString("board=")
	b.WriteString(strings.TrimSpace(inv.MainboardSerial))
	b.WriteString("|ram=")
	b.WriteString(joinSorted(inv.MemorySerials))
	b.WriteString("|disk=")
	b.WriteString(joinSorted(inv.DiskSerials))
	return b.String()
}

func joinSorted(serials []string) string {
	if len(serials) == 0 {
		return ""
	}
	s := make([]string, 0, len(serials))
	for _, v := range serials {
		if v = strings.TrimSpace(v); v != "" {
			s = append(s, v)
		}
	}
	sort.Strings(s)
	return strings.Join(s, ",")
}
