package schema

import "strings"

// assetAliases maps venue asset codes onto canonical ones.
var assetAliases = map[string]string{
	"XBT":  "BTC",
	"XXBT": "BTC",
	"XETH": "ETH",
	"ZUSD": "USD",
}

// NormalizeAsset uppercases code, strips a stray leading '-', and resolves venue aliases.
// Codes containing anything other than letters and digits normalize to "".
func NormalizeAsset(code string) string {
	trimmed := strings.ToUpper(strings.TrimSpace(code))
	trimmed = strings.TrimLeft(trimmed, "-")
	if trimmed == "" {
		return ""
	}
	for _, ch := range trimmed {
		if (ch < 'A' || ch > 'Z') && (ch < '0' || ch > '9') {
			return ""
		}
	}
	if alias, ok := assetAliases[trimmed]; ok {
		return alias
	}
	return trimmed
}

// WireAsset returns the venue spelling of a canonical asset.
func WireAsset(canonical string) string {
	switch strings.ToUpper(strings.TrimSpace(canonical)) {
	case "BTC":
		return "XBT"
	default:
		return strings.ToUpper(strings.TrimSpace(canonical))
	}
}
