package modbus

import (
	"testing"
)

func TestVersion(t *testing.T) {
	if VersionString != "1.0.0" {
		t.Errorf("VersionString = %q, want 1.0.0", VersionString)
	}
	tests := []struct {
		major, minor, micro int
		want                bool
	}{
		{1, 0, 0, true},
		{0, 9, 9, true},
		{1, 0, 1, false},
		{1, 1, 0, false},
		{2, 0, 0, false},
	}
	for _, tt := range tests {
		if got := VersionCheck(tt.major, tt.minor, tt.micro); got != tt.want {
			t.Errorf("VersionCheck(%d, %d, %d) = %v, want %v", tt.major, tt.minor, tt.micro, got, tt.want)
		}
	}
}
