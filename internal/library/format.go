package library

import "github.com/labstack/gommon/bytes"

// FormatBytes renders a (possibly negative) byte count in human readable form.
func FormatBytes(n int64) string {
	if n < 0 {
		return "-" + bytes.Format(-n)
	}

	return bytes.Format(n)
}
