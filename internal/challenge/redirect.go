package challenge

import "strings"

// DefaultTarget is where visitors land when redirect_url is unusable.
func DefaultTarget(basePath string) string {
	return strings.TrimRight(basePath, "/") + "/"
}

// ValidateRedirectURL accepts only same-origin absolute paths. Empty values,
// relative paths, anything starting with "//" or "/\" (which browsers read
// as a host) and anything holding an ASCII control character are replaced by
// DefaultTarget. Browsers strip tab and newline before parsing, so "/\t/host"
// would otherwise become "//host".
func ValidateRedirectURL(raw, basePath string) (string, bool) {
	if raw == "" || raw[0] != '/' || strings.ContainsFunc(raw, isASCIIControl) {
		return DefaultTarget(basePath), false
	}
	if len(raw) > 1 && (raw[1] == '/' || raw[1] == '\\') {
		return DefaultTarget(basePath), false
	}
	return raw, true
}

func isASCIIControl(r rune) bool {
	return r < 0x20 || r == 0x7f
}
