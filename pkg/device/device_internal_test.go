package device

import "testing"

func TestEscapeForInput(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"hello", "hello"},
		{"a b", "a%sb"},
		{"it's", `it\'s`},
		{`a\b`, `a\\b`},
		{"(x)&y", `\(x\)\&y`},
		{"#1!", `\#1\!`},
	}
	for _, tt := range tests {
		if got := escapeForInput(tt.in); got != tt.want {
			t.Errorf("escapeForInput(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseLocalIP(t *testing.T) {
	tests := []struct {
		name, out, want string
	}{
		{"wlan", "default via 192.168.1.1 dev wlan0\n192.168.1.0/24 dev wlan0 proto kernel scope link src 192.168.1.42", "192.168.1.42"},
		{"route get", "8.8.8.8 via 10.0.0.1 dev rmnet0 src 10.0.0.7 uid 0", "10.0.0.7"},
		{"nothing", "", "0.0.0.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseLocalIP(tt.out); got != tt.want {
				t.Errorf("parseLocalIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseSimNumber(t *testing.T) {
	tests := []struct {
		name, out, want string
	}{
		{"registry", "  mLine1Number=+628123456789", "+628123456789"},
		{"subscription", "  number=08123", "08123"},
		{"parcel", "Result: Parcel(\n  0x00000000: 00000000 0000000c 0036002b 00380032 '....+.6.2.8.'\n  0x00000010: 00310032 '1.2.')", "+62812"},
		{"parcel without digits", "Result: Parcel(00000000 '........')", ""},
		{"garbage", "service not found", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseSimNumber(tt.out); got != tt.want {
				t.Errorf("parseSimNumber = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateSerial(t *testing.T) {
	for _, ok := range []string{"", "emulator-5554", "192.168.1.5:5555", "R58M123ABC"} {
		if err := ValidateSerial(ok); err != nil {
			t.Errorf("ValidateSerial(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"abc; rm -rf /", "a b", "$(id)"} {
		if err := ValidateSerial(bad); err == nil {
			t.Errorf("ValidateSerial(%q) should fail", bad)
		}
	}
}
