package config

import "testing"

func TestParseDefaults(t *testing.T) {
	cfg, version, err := Parse(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if version {
		t.Fatal("did not expect -version")
	}
	if cfg.Transport != TransportTCP {
		t.Errorf("transport = %q, want tcp", cfg.Transport)
	}
	if cfg.TCPPort != 2000 {
		t.Errorf("tcp port = %d, want 2000", cfg.TCPPort)
	}
	if cfg.MaxLevels != 16 || cfg.MaxSources != 1024 || cfg.MaxDestinations != 1024 {
		t.Errorf("unexpected bounds: %+v", cfg)
	}
	if !cfg.AutoConnect {
		t.Error("auto-connect should default true")
	}
	if cfg.ClientListen != ":3001" {
		t.Errorf("client-listen = %q, want :3001", cfg.ClientListen)
	}
}

func TestParseFlagOverridesDefault(t *testing.T) {
	cfg, _, err := Parse([]string{"-transport=serial", "-serial-path=/dev/ttyS1", "-serial-baud=9600"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Transport != TransportSerial {
		t.Errorf("transport = %q, want serial", cfg.Transport)
	}
	if cfg.SerialPath != "/dev/ttyS1" || cfg.SerialBaud != 9600 {
		t.Errorf("unexpected serial config: %+v", cfg)
	}
}

func TestEnvOverrideAppliesWhenFlagUnset(t *testing.T) {
	t.Setenv("SWP08GW_TCP_PORT", "3000")
	cfg, _, err := Parse(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.TCPPort != 3000 {
		t.Errorf("tcp port = %d, want 3000 from env", cfg.TCPPort)
	}
}

func TestFlagWinsOverEnv(t *testing.T) {
	t.Setenv("SWP08GW_TCP_PORT", "3000")
	cfg, _, err := Parse([]string{"-tcp-port=4000"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.TCPPort != 4000 {
		t.Errorf("tcp port = %d, want 4000 from flag", cfg.TCPPort)
	}
}

func TestInvalidTransportRejected(t *testing.T) {
	if _, _, err := Parse([]string{"-transport=usb"}); err == nil {
		t.Fatal("expected validation error for unknown transport")
	}
}

func TestInvalidHubPolicyRejected(t *testing.T) {
	if _, _, err := Parse([]string{"-hub-policy=ignore"}); err == nil {
		t.Fatal("expected validation error for unknown hub-policy")
	}
}
