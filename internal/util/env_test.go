package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	t.Setenv("MENTIS_TEST_BOOL", "yes")
	if !ParseBoolEnv("MENTIS_TEST_BOOL", false) {
		t.Error("expected true for yes")
	}
	t.Setenv("MENTIS_TEST_BOOL", "maybe")
	if ParseBoolEnv("MENTIS_TEST_BOOL", false) {
		t.Error("expected default for invalid value")
	}
}

func TestParseIntAndFloatEnv(t *testing.T) {
	t.Setenv("MENTIS_TEST_INT", " 42 ")
	if got := ParseIntEnv("MENTIS_TEST_INT", 1); got != 42 {
		t.Errorf("ParseIntEnv = %d", got)
	}
	t.Setenv("MENTIS_TEST_INT", "x")
	if got := ParseIntEnv("MENTIS_TEST_INT", 1); got != 1 {
		t.Errorf("ParseIntEnv invalid = %d", got)
	}
	t.Setenv("MENTIS_TEST_FLOAT", "2.5")
	if got := ParseFloatEnv("MENTIS_TEST_FLOAT", 0); got != 2.5 {
		t.Errorf("ParseFloatEnv = %v", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		val  string
		want time.Duration
	}{
		{"", time.Second},
		{"1500", 1500 * time.Millisecond},
		{"30s", 30 * time.Second},
		{"-5", time.Second},
		{"soon", time.Second},
	}
	for _, tt := range tests {
		t.Setenv("MENTIS_TEST_DURATION", tt.val)
		if got := ParseDurationEnv("MENTIS_TEST_DURATION", time.Second); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.val, got, tt.want)
		}
	}
}

func TestParseListEnv(t *testing.T) {
	t.Setenv("MENTIS_TEST_LIST", " +34600000001, ,+34600000002 ")
	got := ParseListEnv("MENTIS_TEST_LIST")
	if len(got) != 2 || got[0] != "+34600000001" || got[1] != "+34600000002" {
		t.Errorf("ParseListEnv = %v", got)
	}
}
