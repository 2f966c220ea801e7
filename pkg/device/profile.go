package device

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"Relay/pkg/types"
)

var (
	routeSrcPattern  = regexp.MustCompile(`src\s+(\d+\.\d+\.\d+\.\d+)`)
	parcelPattern    = regexp.MustCompile(`'(.*?)'`)
	line1Pattern     = regexp.MustCompile(`mLine1Number\s*=\s*(\+?\d+)`)
	subNumberPattern = regexp.MustCompile(`number\s*=\s*(\+?\d+)`)
	digitPattern     = regexp.MustCompile(`\d`)
)

// Serial returns ro.serialno, falling back to ro.boot.serialno.
func (c *Controller) Serial(ctx context.Context) string {
	if s := c.Prop(ctx, "ro.serialno"); s != "" {
		return s
	}
	return c.Prop(ctx, "ro.boot.serialno")
}

// LocalIP returns the wlan source address, or 0.0.0.0.
func (c *Controller) LocalIP(ctx context.Context) string {
	out, err := c.Shell(ctx, "ip route")
	if err != nil || strings.TrimSpace(out) == "" {
		out, _ = c.Shell(ctx, "ip route get 8.8.8.8")
	}
	return parseLocalIP(out)
}

func parseLocalIP(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "wlan0") {
			if m := routeSrcPattern.FindStringSubmatch(line); m != nil {
				return m[1]
			}
		}
	}
	if m := routeSrcPattern.FindStringSubmatch(out); m != nil {
		return m[1]
	}
	return "0.0.0.0"
}

// IMEI reads the IMEI of a SIM slot through iphonesubinfo.
func (c *Controller) IMEI(ctx context.Context, slot int) string {
	out, err := c.Shell(ctx, fmt.Sprintf("service call iphonesubinfo %d", 1+slot))
	if err != nil {
		return ""
	}
	return decodeParcel(out)
}

// SimNumber reads the line number of a SIM slot. Several sources are tried;
// an empty result retries the same command under su.
func (c *Controller) SimNumber(ctx context.Context, slot int) string {
	cmds := []string{
		fmt.Sprintf("service call iphonesubinfo %d", slot+7),
		"dumpsys telephony.registry | grep -m 1 'mLine1Number'",
		"dumpsys subscription | grep -m 1 'number'",
	}
	for _, cmd := range cmds {
		out, err := c.Shell(ctx, cmd)
		if err != nil || strings.TrimSpace(out) == "" {
			out, err = c.Shell(ctx, fmt.Sprintf("su -c %q", cmd))
			if err != nil {
				continue
			}
		}
		if n := parseSimNumber(out); n != "" {
			return n
		}
	}
	return ""
}

func parseSimNumber(out string) string {
	switch {
	case strings.Contains(out, "mLine1Number"):
		if m := line1Pattern.FindStringSubmatch(out); m != nil {
			return m[1]
		}
	case strings.Contains(out, "number="), strings.Contains(out, "number ="):
		if m := subNumberPattern.FindStringSubmatch(out); m != nil {
			return m[1]
		}
	case strings.Contains(out, "Result:"), strings.Contains(out, "Parcel"):
		if n := decodeParcel(out); digitPattern.MatchString(n) {
			return n
		}
	}
	return ""
}

// decodeParcel joins the quoted fragments of a "service call" parcel dump.
func decodeParcel(out string) string {
	matches := parcelPattern.FindAllStringSubmatch(out, -1)
	if len(matches) == 0 {
		return ""
	}
	var b strings.Builder
	for _, m := range matches {
		b.WriteString(m[1])
	}
	s := strings.ReplaceAll(b.String(), ".", "")
	return strings.ReplaceAll(s, " ", "")
}

// Profile collects the identity sent to the dispatcher on every connect.
func (c *Controller) Profile(ctx context.Context, platform string) types.DeviceProfile {
	p := types.DeviceProfile{
		Platform: platform,
		Device: types.DeviceInfo{
			Brand:   c.Prop(ctx, "ro.product.manufacturer"),
			Model:   c.Prop(ctx, "ro.product.model"),
			Android: c.Prop(ctx, "ro.build.version.release"),
		},
		Serial:  c.Serial(ctx),
		IPLocal: c.LocalIP(ctx),
	}
	for slot := 0; slot < 2; slot++ {
		p.Sims = append(p.Sims, types.SimInfo{
			Slot:   slot,
			IMEI:   c.IMEI(ctx, slot),
			Number: c.SimNumber(ctx, slot),
		})
	}
	return p
}
