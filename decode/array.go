package decode

import (
	goerrors "errors"
	"strings"

	"github.com/go-playground/errors"
)

// ErrNestedArray marks a multidimensional literal the fast path does not
// handle; the caller falls back to the database-assisted path.
var ErrNestedArray = goerrors.New("nested array literal")

// ParseArrayLiteral splits a Postgres array literal into its textual
// elements. NULL elements come back as nil pointers. Quoting, backslash
// escapes and an optional dimension prefix ([1:3]={...}) are handled.
func ParseArrayLiteral(src string) ([]*string, error) {
	s := strings.TrimSpace(src)

	if i := strings.IndexByte(s, '{'); i > 0 {
		s = s[i:]
	}

	if len(s) < 2 || s[0] != '{' || s[len(s)-1] != '}' {
		return nil, errors.Newf("malformed array literal: %q", src)
	}

	inner := s[1 : len(s)-1]
	if inner == "" {
		return []*string{}, nil
	}

	var (
		elems     []*string
		current   strings.Builder
		quoted    bool
		wasQuoted bool
	)

	flush := func() {
		val := current.String()
		current.Reset()
		if !wasQuoted && val == "NULL" {
			elems = append(elems, nil)
		} else {
			v := val
			elems = append(elems, &v)
		}
		wasQuoted = false
	}

	for i := 0; i < len(inner); i++ {
		ch := inner[i]

		if quoted {
			switch ch {
			case '\\':
				if i+1 >= len(inner) {
					return nil, errors.Newf("malformed array literal: %q", src)
				}
				i++
				current.WriteByte(inner[i])
			case '"':
				quoted = false
			default:
				current.WriteByte(ch)
			}
			continue
		}

		switch ch {
		case '"':
			quoted = true
			wasQuoted = true
		case '{':
			return nil, ErrNestedArray
		case ',':
			flush()
		default:
			current.WriteByte(ch)
		}
	}

	if quoted {
		return nil, errors.Newf("malformed array literal: %q", src)
	}

	flush()

	return elems, nil
}
