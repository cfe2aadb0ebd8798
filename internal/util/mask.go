package util

// MaskToken hides all but the tail of a credential for logging. Tokens short
// enough to be harmless pass through.
func MaskToken(t string) string {
	if len(t) < 20 {
		return t
	}
	return "..." + t[len(t)-12:]
}
