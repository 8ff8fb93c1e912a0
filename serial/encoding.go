package serial

import (
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Encoding decodes a byte sequence into text, all-or-nothing: either the
// whole input decodes and the text is returned, or an error is returned and
// the caller treats the bytes as not yet consumable. Decoders must reject
// truncated multi-byte sequences so ReadText can retry after more bytes
// arrive.
type Encoding interface {
	Name() string
	Decode(p []byte) (string, error)
}

// UTF8 decodes strict UTF-8. Truncated or malformed sequences fail.
var UTF8 Encoding = utf8Encoding{}

// ASCII decodes 7-bit ASCII. Any byte >= 0x80 fails.
var ASCII Encoding = asciiEncoding{}

// Latin1 decodes ISO 8859-1, the common fallback on serial modules that
// predate UTF-8 firmware.
var Latin1 = Charmap(charmap.ISO8859_1)

type utf8Encoding struct{}

func (utf8Encoding) Name() string { return "utf-8" }

func (utf8Encoding) Decode(p []byte) (string, error) {
	if !utf8.Valid(p) {
		return "", fmt.Errorf("utf-8: invalid or incomplete byte sequence")
	}
	return string(p), nil
}

type asciiEncoding struct{}

func (asciiEncoding) Name() string { return "ascii" }

func (asciiEncoding) Decode(p []byte) (string, error) {
	for i, b := range p {
		if b >= 0x80 {
			return "", fmt.Errorf("ascii: non-ASCII byte 0x%02x at offset %d", b, i)
		}
	}
	return string(p), nil
}

type charmapEncoding struct {
	cm *charmap.Charmap
}

// Charmap adapts a single-byte character set from
// golang.org/x/text/encoding/charmap. Bytes the charset leaves undefined
// fail the decode instead of turning into replacement runes.
func Charmap(cm *charmap.Charmap) Encoding {
	return charmapEncoding{cm: cm}
}

func (e charmapEncoding) Name() string { return e.cm.String() }

func (e charmapEncoding) Decode(p []byte) (string, error) {
	out := make([]rune, 0, len(p))
	for i, b := range p {
		r := e.cm.DecodeByte(b)
		if r == utf8.RuneError {
			return "", fmt.Errorf("%s: undefined byte 0x%02x at offset %d", e.cm, b, i)
		}
		out = append(out, r)
	}
	return string(out), nil
}
