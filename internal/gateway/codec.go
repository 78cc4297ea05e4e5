package gateway

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	minutesPerHour = 60
	minutesPerDay  = 24 * minutesPerHour
	minutesPerWeek = 7 * minutesPerDay
)

// EncodeDuration renders minutes in the router duration format using at most
// two units, largest first: Nw, NwNd, Nd, NdNh, Nh, NhNm or Nm. Zero is unlimited
// and renders as the empty string.
func EncodeDuration(minutes int) string {
	switch {
	case minutes <= 0:
		return ""
	case minutes%minutesPerDay == 0:
		w, d := minutes/minutesPerWeek, minutes%minutesPerWeek/minutesPerDay
		return join2(w, "w", d, "d")
	case minutes%minutesPerHour == 0:
		d, h := minutes/minutesPerDay, minutes%minutesPerDay/minutesPerHour
		return join2(d, "d", h, "h")
	default:
		h, m := minutes/minutesPerHour, minutes%minutesPerHour
		return join2(h, "h", m, "m")
	}
}

func join2(a int, ua string, b int, ub string) string {
	var sb strings.Builder
	if a > 0 {
		sb.WriteString(strconv.Itoa(a))
		sb.WriteString(ua)
	}
	if b > 0 {
		sb.WriteString(strconv.Itoa(b))
		sb.WriteString(ub)
	}
	return sb.String()
}

// RouterOS renders durations either as unit runs (1w2d3h4m5s) or with a
// trailing clock (1d00:00:00, 01:30:00).
var durationRe = regexp.MustCompile(`^(?:(\d+)w)?(?:(\d+)d)?(?:(\d+)h)?(?:(\d+)m)?(?:(\d+)s)?(?:(\d+):(\d{1,2}):(\d{1,2}))?$`)

// DecodeDuration parses a router duration into whole minutes. Empty, "0" and
// "none" mean unlimited (0). Seconds are truncated.
func DecodeDuration(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "0", "0s", "none", "00:00:00":
		return 0, nil
	}
	m := durationRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	matched := false
	for _, g := range m[1:] {
		if g != "" {
			matched = true
			break
		}
	}
	if !matched {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	n := func(i int) int {
		if m[i] == "" {
			return 0
		}
		v, _ := strconv.Atoi(m[i])
		return v
	}
	seconds := n(1)*minutesPerWeek*60 +
		n(2)*minutesPerDay*60 +
		n(3)*3600 +
		n(4)*60 +
		n(5) +
		n(6)*3600 + n(7)*60 + n(8)
	return seconds / 60, nil
}

// RateLimit bandwidth in kbps; 0 means unlimited
type RateLimit struct {
	UploadKbps   int64 `json:"upload_kbps"`
	DownloadKbps int64 `json:"download_kbps"`
}

// ParseRateLimit decodes "U/D" where each side takes an optional K (x1),
// M (x1024) or G (x1048576) suffix; unsuffixed values are raw kbps. Burst
// settings after the first space are ignored. A single value applies to both directions.
func ParseRateLimit(s string) (RateLimit, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return RateLimit{}, nil
	}
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		s = s[:i]
	}
	parts := strings.Split(s, "/")
	if len(parts) > 2 {
		return RateLimit{}, fmt.Errorf("invalid rate limit %q", s)
	}
	up, err := parseRate(parts[0])
	if err != nil {
		return RateLimit{}, err
	}
	down := up
	if len(parts) == 2 {
		if down, err = parseRate(parts[1]); err != nil {
			return RateLimit{}, err
		}
	}
	return RateLimit{UploadKbps: up, DownloadKbps: down}, nil
}

func parseRate(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty rate")
	}
	mult := 1.0
	switch s[len(s)-1] {
	case 'k', 'K':
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1024
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid rate %q", s)
	}
	return int64(math.Round(v * mult)), nil
}

// FormatRateLimit is the inverse of ParseRateLimit. Both sides use M when both
// are whole multiples of 1024, otherwise both use K.
func FormatRateLimit(r RateLimit) string {
	if r.UploadKbps == 0 && r.DownloadKbps == 0 {
		return ""
	}
	if r.UploadKbps > 0 && r.DownloadKbps > 0 && r.UploadKbps%1024 == 0 && r.DownloadKbps%1024 == 0 {
		return fmt.Sprintf("%dM/%dM", r.UploadKbps/1024, r.DownloadKbps/1024)
	}
	return fmt.Sprintf("%dK/%dK", r.UploadKbps, r.DownloadKbps)
}
