// Package canon implements an RFC 8785-style JSON canonicalisation (sorted
// object keys, no insignificant whitespace, UTF-8, integers rendered as
// minimal decimals, floats rejected) plus an HMAC-SHA-256 helper over the
// canonical form. Every signed or hashed payload in CribCall — pairing
// transcripts, QR payloads, comparison codes — goes through this package so
// two implementations of the protocol produce byte-identical input to the
// MAC.
package canon

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrFloatForbidden = errors.New("canon: floating-point numbers are not allowed in signed payloads")

// Canonicalize marshals v to JSON, then re-renders it in canonical form.
// v may be a struct, map, slice, or any value encoding/json can marshal.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canon: decode: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// HMAC computes base64(HMAC-SHA-256(key, Canonicalize(v))).
func HMAC(key []byte, v interface{}) (string, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// VerifyHMAC recomputes the tag over v under key and compares it against tag
// in constant time.
func VerifyHMAC(key []byte, v interface{}, tag string) (bool, error) {
	want, err := HMAC(key, v)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(want), []byte(tag)), nil
}

// SHA256 returns the SHA-256 digest of Canonicalize(v).
func SHA256(v interface{}) ([32]byte, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(canonical), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return writeNumber(buf, val)
	case string:
		writeString(buf, val)
		return nil
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("canon: unsupported type %T", v)
	}
}

func writeNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		return ErrFloatForbidden
	}
	buf.WriteString(s)
	return nil
}

// writeString encodes s as a JSON string without HTML-escaping, matching
// RFC 8785's "escape only what JSON requires" rule.
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}
