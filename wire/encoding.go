package wire

import (
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// EncodeLegacyPath transcodes a UTF-8 path name into Latin-1 for servers
// that never negotiated "OPTS UTF8 ON" (legacy listings), matching
// rclone's lib/encoder escaping role but scoped to the one transcoding
// case this engine needs.
func EncodeLegacyPath(name string) (string, error) {
	out, _, err := transform.String(charmap.ISO8859_1.NewEncoder(), name)
	if err != nil {
		return name, err
	}
	return out, nil
}

// DecodeLegacyPath transcodes a Latin-1 path name (as returned by a
// legacy server's LIST/NLST reply) into UTF-8.
func DecodeLegacyPath(name string) (string, error) {
	out, _, err := transform.String(charmap.ISO8859_1.NewDecoder(), name)
	if err != nil {
		return name, err
	}
	return out, nil
}
