package utils

// MaskMiddle keeps a short prefix and suffix of s, used for redacting matched credentials.
// Short values keep at most their first four characters.
func MaskMiddle(s string) string {
	switch {
	case len(s) <= 4:
		return "*****"
	case len(s) <= 8:
		return s[:4] + "*****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
