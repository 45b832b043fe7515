package verify

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/pdf"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/types"
)

// findOriginal picks the embedded original document from the attachment
// set. Besides the current attachment name, names written by earlier
// issuer generations are accepted.
func findOriginal(attachments []pdf.Attachment) []byte {
	for _, att := range attachments {
		if isOriginalName(att.Name) && bytes.HasPrefix(att.Data, []byte("%PDF-")) {
			return att.Data
		}
	}
	// Fall back to any embedded PDF that is not itself a bundle.
	for _, att := range attachments {
		if bytes.HasPrefix(att.Data, []byte("%PDF-")) {
			return att.Data
		}
	}
	return nil
}

func isOriginalName(name string) bool {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(name, "Original_PDF"):
		return true
	case lower == "original.pdf":
		return true
	case strings.HasPrefix(name, "LegitDoc_"):
		return true
	case strings.HasPrefix(name, "QuestVerify_"):
		return true
	}
	return false
}

// bundleMarkers are the keys whose presence identifies a JSON attachment
// as a verification bundle.
var bundleMarkers = []string{
	"documentHash", "fingerprintHash", "merkleRootIntermediate",
	"issuerSignature", "merkleLeaf",
}

// findBundle extracts the verification bundle from the attachments, or
// from the legacy Subject/Keywords metadata fallback.
func findBundle(doc *pdf.Document, attachments []pdf.Attachment) *types.Bundle {
	for _, att := range attachments {
		if b := parseBundle(att.Data); b != nil {
			return b
		}
	}
	for _, key := range []pdf.Name{"Subject", "Keywords"} {
		if s := doc.InfoString(key); s != "" {
			if b := parseBundle([]byte(s)); b != nil {
				return b
			}
		}
	}
	return nil
}

func parseBundle(data []byte) *types.Bundle {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil
	}
	marked := false
	for _, key := range bundleMarkers {
		if _, ok := probe[key]; ok {
			marked = true
			break
		}
	}
	if !marked {
		return nil
	}
	b := &types.Bundle{}
	if err := json.Unmarshal(trimmed, b); err != nil {
		return nil
	}
	return b
}
