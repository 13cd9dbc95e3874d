// Package ipfsproxy holds the content identifier type shared by the gateway
// engine and the HTTP server.
package ipfsproxy

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

var (
	// ErrMissingIdentifier is returned when no identifier was supplied.
	ErrMissingIdentifier = errors.New("missing identifier")

	// ErrInvalidHashFormat is returned when the identifier is neither a
	// base58 CIDv0 (Qm...) nor a base32 CIDv1 (bafy...).
	ErrInvalidHashFormat = errors.New("invalid IPFS hash format")
)

var (
	// cidV0Regex matches a 46 character base58btc CIDv0.
	cidV0Regex = regexp.MustCompile(`^Qm[1-9A-HJ-NP-Za-km-z]{44}$`)

	// cidV1Regex matches a 59 character base32 CIDv1 with the dag-pb/raw "bafy" prefix.
	cidV1Regex = regexp.MustCompile(`^bafy[a-z2-7]{55}$`)
)

// ContentIdentifier is a validated IPFS hash with an optional sub-path.
type ContentIdentifier struct {
	// Raw is the value as supplied by the client.
	Raw string

	// CleanID is the bare hash with any "ipfs/" or "/" prefix removed.
	CleanID string

	// SubPath is empty or a cleaned path starting with "/". It never
	// contains "." or ".." segments.
	SubPath string
}

// ParseIdentifier extracts and validates the hash and trailing path from raw.
// Validation is syntactic only and never performs a lookup.
func ParseIdentifier(raw string) (ContentIdentifier, error) {
	if raw == "" {
		return ContentIdentifier{}, ErrMissingIdentifier
	}

	clean := strings.TrimPrefix(raw, "ipfs/")
	clean = strings.TrimPrefix(clean, "/")

	var subPath string
	if i := strings.IndexByte(clean, '/'); i >= 0 {
		clean, subPath = clean[:i], clean[i:]
	}

	if !IsValidHash(clean) {
		return ContentIdentifier{}, fmt.Errorf("%w: %q", ErrInvalidHashFormat, clean)
	}

	return ContentIdentifier{
		Raw:     raw,
		CleanID: clean,
		SubPath: cleanSubPath(subPath),
	}, nil
}

// IsValidHash reports whether s has one of the two accepted identifier shapes.
func IsValidHash(s string) bool {
	return cidV0Regex.MatchString(s) || cidV1Regex.MatchString(s)
}

// WithSubPath returns a copy of id whose sub-path is replaced by p.
// A missing leading slash is added; an empty p leaves id unchanged.
func (id ContentIdentifier) WithSubPath(p string) ContentIdentifier {
	if p == "" {
		return id
	}
	id.SubPath = cleanSubPath(p)
	return id
}

// cleanSubPath resolves "." and ".." segments so the path cannot climb
// above the identifier root. A trailing slash is kept.
func cleanSubPath(p string) string {
	if p == "" {
		return ""
	}
	cleaned := path.Clean("/" + p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// Path returns the gateway path for the identifier, e.g. /ipfs/Qm.../a.png.
func (id ContentIdentifier) Path() string {
	return "/ipfs/" + id.CleanID + id.SubPath
}

// String returns the clean identifier followed by its sub-path.
func (id ContentIdentifier) String() string {
	return id.CleanID + id.SubPath
}

// CID decodes the identifier. A syntactically valid identifier can still fail
// here when its multihash bytes are malformed.
func (id ContentIdentifier) CID() (cid.Cid, error) {
	return cid.Decode(id.CleanID)
}

// CIDInfo describes a decoded identifier for diagnostics.
type CIDInfo struct {
	Version   uint64 `json:"version"`
	Codec     string `json:"codec"`
	HashFunc  string `json:"hashFunction"`
	HashBytes int    `json:"hashLength"`
	V1        string `json:"cidV1,omitempty"`
}

// Describe decodes the identifier and reports its version, codec and hash.
func (id ContentIdentifier) Describe() (CIDInfo, error) {
	c, err := id.CID()
	if err != nil {
		return CIDInfo{}, fmt.Errorf("decoding cid: %w", err)
	}

	prefix := c.Prefix()
	info := CIDInfo{
		Version:   prefix.Version,
		Codec:     codecName(prefix.Codec),
		HashFunc:  multihash.Codes[prefix.MhType],
		HashBytes: prefix.MhLength,
	}
	if prefix.Version == 0 {
		info.V1 = cid.NewCidV1(prefix.Codec, c.Hash()).String()
	} else {
		info.V1 = c.String()
	}
	return info, nil
}

func codecName(code uint64) string {
	switch code {
	case cid.DagProtobuf:
		return "dag-pb"
	case cid.Raw:
		return "raw"
	case cid.DagCBOR:
		return "dag-cbor"
	default:
		return fmt.Sprintf("0x%x", code)
	}
}
