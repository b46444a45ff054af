package fiscal

import (
	"strings"
	"unicode"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"
)

const maxItemNameRunes = 40

// azLatin folds Azerbaijani letters that single-byte printer code pages lack.
var azLatin = strings.NewReplacer(
	"ə", "e", "Ə", "E",
	"ş", "s", "Ş", "S",
	"ç", "c", "Ç", "C",
	"ğ", "g", "Ğ", "G",
	"ı", "i", "İ", "I",
	"ö", "o", "Ö", "O",
	"ü", "u", "Ü", "U",
)

// printable normalizes an item name for a receipt line: NFC form, no
// control characters, collapsed whitespace, bounded width.
func printable(s string) string {
	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > maxItemNameRunes {
		s = string(r[:maxItemNameRunes])
	}
	return s
}

// encodeCP1251 renders a command frame in the code page Datecs devices speak.
func encodeCP1251(s string) ([]byte, error) {
	enc := encoding.ReplaceUnsupported(charmap.Windows1251.NewEncoder())
	return enc.Bytes([]byte(azLatin.Replace(s)))
}

func decodeCP1251(b []byte) (string, error) {
	out, err := charmap.Windows1251.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
