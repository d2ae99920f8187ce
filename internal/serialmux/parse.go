package serialmux

import "strings"

const (
	LineTypeAdvert  = "advert"
	LineTypeStatus  = "status"
	LineTypeUnknown = "unknown"
)

// ClassifyLine sorts a dongle output line into an advertisement, a
// command/status response, or noise. Classification is shallow: advert
// lines still need full parsing.
func ClassifyLine(line string) string {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return LineTypeUnknown
	case strings.HasPrefix(line, "#"),
		strings.HasPrefix(line, "OK"),
		strings.HasPrefix(line, "ERR"),
		strings.HasPrefix(line, "READY"):
		return LineTypeStatus
	case strings.HasPrefix(line, "{") && strings.Contains(line, `"addr"`):
		return LineTypeAdvert
	case strings.Count(line, ":") >= 5 && strings.Contains(line, ","):
		return LineTypeAdvert
	}
	return LineTypeUnknown
}
