package config

import "testing"

func TestDefaultMatchesSpec(t *testing.T) {
	cfg := Default()
	if cfg.BaseVideoPort != 60000 {
		t.Errorf("BaseVideoPort = %d, want 60000", cfg.BaseVideoPort)
	}
	if cfg.BaseCommandPort != 50000 {
		t.Errorf("BaseCommandPort = %d, want 50000", cfg.BaseCommandPort)
	}
	if cfg.BaseBridgePort != 5555 {
		t.Errorf("BaseBridgePort = %d, want 5555", cfg.BaseBridgePort)
	}
	if cfg.UsbCongestionThresholdMbps != 25 {
		t.Errorf("UsbCongestionThresholdMbps = %v, want 25", cfg.UsbCongestionThresholdMbps)
	}
	if cfg.MainFPSLevels != [3]int{60, 30, 15} {
		t.Errorf("MainFPSLevels = %v, want [60 30 15]", cfg.MainFPSLevels)
	}
	if cfg.SubFPSLevels != [3]int{30, 15, 10} {
		t.Errorf("SubFPSLevels = %v, want [30 15 10]", cfg.SubFPSLevels)
	}
	if cfg.RingBufferSize != 1<<20 {
		t.Errorf("RingBufferSize = %d, want %d", cfg.RingBufferSize, 1<<20)
	}
	if cfg.MaxNalSize != 2<<20 {
		t.Errorf("MaxNalSize = %d, want %d", cfg.MaxNalSize, 2<<20)
	}
}

func TestSetFieldOverridesDefault(t *testing.T) {
	cfg := Default()
	setField(&cfg, "MIRAGE_BASE_VIDEO_PORT", "12345")
	if cfg.BaseVideoPort != 12345 {
		t.Errorf("BaseVideoPort = %d, want 12345", cfg.BaseVideoPort)
	}
	setField(&cfg, "MIRAGE_WIFI_LOSS_THRESHOLD", "0.25")
	if cfg.WifiLossThreshold != 0.25 {
		t.Errorf("WifiLossThreshold = %v, want 0.25", cfg.WifiLossThreshold)
	}
}

func TestSetFieldIgnoresGarbage(t *testing.T) {
	cfg := Default()
	orig := cfg.BaseVideoPort
	setField(&cfg, "MIRAGE_BASE_VIDEO_PORT", "not-a-number")
	if cfg.BaseVideoPort != orig {
		t.Errorf("BaseVideoPort changed to %d on garbage input, want unchanged %d", cfg.BaseVideoPort, orig)
	}
}
