package utils

import (
	"mime"
	"regexp"
	"strings"

	"github.com/emersion/go-message/charset"
)

// Address is a display-name/address pair taken from a From or To header value.
type Address struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

var (
	namedAddressPattern = regexp.MustCompile(`^(.*?)\s*<([^<>]*)>\s*$`)
	wordDecoder         = &mime.WordDecoder{CharsetReader: charset.Reader}
)

// ParseAddress splits "Name <addr>" or a bare "addr" into name and address.
// It never fails: input that does not look like an address is returned as the
// address, with a name derived from the text before the "@".
func ParseAddress(raw string) Address {
	if m := namedAddressPattern.FindStringSubmatch(raw); m != nil {
		email := strings.TrimSpace(m[2])
		name := unquote(strings.TrimSpace(m[1]))
		name = decodeWords(name)
		if name == "" {
			name = LocalPart(email)
		}
		return Address{Name: name, Email: email}
	}
	email := strings.TrimSpace(raw)
	return Address{Name: LocalPart(email), Email: email}
}

// LocalPart returns the text before the first "@", or the whole string if there is none.
func LocalPart(addr string) string {
	if at := strings.Index(addr, "@"); at >= 0 {
		return addr[:at]
	}
	return addr
}

func unquote(s string) string {
	if len(s) < 2 {
		return s
	}
	first, last := s[0], s[len(s)-1]
	if first == last && (first == '"' || first == '\'') {
		return strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

func decodeWords(s string) string {
	if !strings.Contains(s, "=?") {
		return s
	}
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}
