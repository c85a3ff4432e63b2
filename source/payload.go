package source

import (
	"bytes"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"

	"github.com/nict-isp/uds-sdk/errors"
)

// Payload is one fetched unit of raw data.
type Payload struct {
	// Source locates the data: a URL, a file path or a peer address.
	Source   string
	Body     []byte
	Received time.Time
}

// CharsetAuto keeps UTF-8 input as is and otherwise tries Shift_JIS, then
// EUC-JP.
const CharsetAuto = "auto"

var autoCandidates = []encoding.Encoding{japanese.ShiftJIS, japanese.EUCJP}

// ToUTF8 converts body from charset. Any WHATWG label is accepted
// ("shift_jis", "euc-jp", "windows-1252", ...). An empty charset or
// "utf-8" returns body unchanged.
func ToUTF8(body []byte, charset string) ([]byte, error) {
	switch name := strings.ToLower(strings.TrimSpace(charset)); name {
	case "", "utf-8", "utf8":
		return body, nil
	case CharsetAuto:
		if utf8.Valid(body) {
			return body, nil
		}
		for _, enc := range autoCandidates {
			if out, err := decodeStrict(body, enc); err == nil {
				return out, nil
			}
		}
		return nil, errors.Invalidf(errors.ErrInvalidData, "source", "ToUTF8", "no candidate charset decodes input")
	default:
		enc, err := htmlindex.Get(name)
		if err != nil {
			return nil, errors.Invalidf(errors.ErrInvalidConfig, "source", "ToUTF8", "unknown charset %q", charset)
		}
		return decodeStrict(body, enc)
	}
}

// decodeStrict fails when the decoder had to substitute invalid input.
func decodeStrict(body []byte, enc encoding.Encoding) ([]byte, error) {
	out, err := io.ReadAll(transform.NewReader(bytes.NewReader(body), enc.NewDecoder()))
	if err != nil {
		return nil, errors.WrapInvalid(err, "source", "ToUTF8", "decode")
	}
	if bytes.ContainsRune(out, utf8.RuneError) {
		return nil, errors.Invalidf(errors.ErrInvalidData, "source", "ToUTF8", "input is not %v", enc)
	}
	return out, nil
}
