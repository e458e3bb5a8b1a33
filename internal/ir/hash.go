package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainTransformations separates transformation-set hashes from any other
// hash the engine might compute.
const DomainTransformations = "beetle/transformations/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// TransformationsHash returns a stable hash of a transformation set. The
// hash is recorded with every import run so runs can be grouped by the
// definitions that produced them. Order of the set does not matter.
func TransformationsHash(ts []Transformation) (string, error) {
	byTable := make(map[string]any, len(ts))
	for _, t := range ts {
		entry := map[string]any{
			"columns":    append([]string{}, t.Columns...),
			"references": t.References,
		}
		if t.References == nil {
			entry["references"] = map[string]string{}
		}
		if t.Query != "" {
			entry["query"] = t.Query
		}
		byTable[t.TableName] = entry
	}

	canonical, err := MarshalCanonical(byTable)
	if err != nil {
		return "", fmt.Errorf("TransformationsHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainTransformations, canonical), nil
}
