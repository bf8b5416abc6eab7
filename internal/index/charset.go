package index

import (
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// Charset names the encoding path bytes read from the target tree are
// validated against before they are bound into the index.
type Charset string

const (
	CharsetUTF8   Charset = "utf-8"
	CharsetASCII  Charset = "ascii"
	CharsetLatin1 Charset = "latin1"
)

// ErrInvalidEncoding is returned by DecodePath when raw does not decode
// cleanly under charset.
var ErrInvalidEncoding = errors.New("index: path bytes do not decode under the configured charset")

// DecodePath validates raw path bytes against charset. A sequence that
// doesn't decode cleanly fails outright rather than being replaced and
// carried on with, so on success the returned string is always exactly
// raw's own bytes: decoding only gates admission, it never substitutes a
// different key for the path.
func DecodePath(raw []byte, charset Charset) (string, error) {
	switch charset {
	case CharsetLatin1:
		if _, _, err := transform.Bytes(charmap.ISO8859_1.NewDecoder(), raw); err != nil {
			return "", errors.Wrap(ErrInvalidEncoding, err.Error())
		}
	case CharsetASCII:
		for _, b := range raw {
			if b >= utf8.RuneSelf {
				return "", ErrInvalidEncoding
			}
		}
	case CharsetUTF8, "":
		if !utf8.Valid(raw) {
			return "", ErrInvalidEncoding
		}
	default:
		return "", errors.Errorf("index: unknown charset %q", charset)
	}
	return string(raw), nil
}
