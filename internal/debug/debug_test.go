package debug

import "testing"

func TestSetEnabledRoundTrips(t *testing.T) {
	SetEnabled(true)
	if !Enabled() {
		t.Fatal("expected enabled after SetEnabled(true)")
	}
	SetEnabled(false)
	if Enabled() {
		t.Fatal("expected disabled after SetEnabled(false)")
	}
}

func TestInitFromEnvReadsCrystalDebug(t *testing.T) {
	t.Setenv("CRYSTAL_DEBUG", "true")
	InitFromEnv()
	if !Enabled() {
		t.Fatal("expected CRYSTAL_DEBUG=true to enable verbose logging")
	}
}

func TestInitFromEnvReadsCrystalLogLevel(t *testing.T) {
	t.Setenv("CRYSTAL_LOG_LEVEL", "debug")
	InitFromEnv()
	if !Enabled() {
		t.Fatal("expected CRYSTAL_LOG_LEVEL=debug to enable verbose logging")
	}
}

func TestInitFromLogLevelDefersToEnv(t *testing.T) {
	t.Setenv("CRYSTAL_DEBUG", "true")
	SetEnabled(false)
	InitFromLogLevel("info")
	if Enabled() {
		t.Fatal("CRYSTAL_DEBUG set should win over the passed log level")
	}
}

func TestInitFromLogLevelUsesArgumentWhenEnvUnset(t *testing.T) {
	InitFromLogLevel("debug")
	if !Enabled() {
		t.Fatal("expected log level \"debug\" to enable verbose logging when no env var is set")
	}
}
