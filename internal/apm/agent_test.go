package apm

import (
	"context"
	"testing"

	"github.com/kaspa-pool/kaspool/internal/config"
)

func TestNewAgent(t *testing.T) {
	cfg := &config.APMConfig{Enabled: true, AppName: "Test Pool", LicenseKey: "test_key"}

	agent := NewAgent(cfg)
	if agent == nil {
		t.Fatal("NewAgent returned nil")
	}
	if agent.cfg != cfg {
		t.Error("Agent.cfg not set correctly")
	}
	if agent.app != nil {
		t.Error("Agent.app should be nil before Start()")
	}
}

func TestStartDisabled(t *testing.T) {
	agent := NewAgent(&config.APMConfig{Enabled: false})
	if err := agent.Start(); err != nil {
		t.Errorf("Start() returned error when disabled: %v", err)
	}
	if agent.app != nil {
		t.Error("Agent.app should be nil when disabled")
	}
}

func TestStartNoLicenseKey(t *testing.T) {
	agent := NewAgent(&config.APMConfig{Enabled: true, AppName: "Test Pool", LicenseKey: ""})
	if err := agent.Start(); err != nil {
		t.Errorf("Start() returned error with empty license key: %v", err)
	}
	if agent.app != nil {
		t.Error("Agent.app should be nil with empty license key")
	}
}

func TestStopNotStarted(t *testing.T) {
	agent := NewAgent(&config.APMConfig{Enabled: false})
	agent.Stop() // should not panic
}

func TestApplicationNotStarted(t *testing.T) {
	agent := NewAgent(&config.APMConfig{Enabled: false})
	if app := agent.Application(); app != nil {
		t.Error("Application() should return nil when not started")
	}
}

func TestIsEnabledNotStarted(t *testing.T) {
	agent := NewAgent(&config.APMConfig{Enabled: false})
	if agent.IsEnabled() {
		t.Error("IsEnabled() should return false when not started")
	}
}

func TestStartTransactionNotStarted(t *testing.T) {
	agent := NewAgent(&config.APMConfig{Enabled: false})
	if txn := agent.StartTransaction("test"); txn != nil {
		t.Error("StartTransaction() should return nil when not started")
	}
}

func TestRecordCustomEventNotStarted(t *testing.T) {
	agent := NewAgent(&config.APMConfig{Enabled: false})
	agent.RecordCustomEvent("TestEvent", map[string]interface{}{"key": "value"})
}

func TestRecordCustomMetricNotStarted(t *testing.T) {
	agent := NewAgent(&config.APMConfig{Enabled: false})
	agent.RecordCustomMetric("Custom/Test", 123.45)
}

func TestNoticeErrorNilTransaction(t *testing.T) {
	agent := NewAgent(&config.APMConfig{Enabled: false})
	agent.NoticeError(nil, nil) // should not panic
}

func TestNewContextNilTransaction(t *testing.T) {
	agent := NewAgent(&config.APMConfig{Enabled: false})
	ctx := context.Background()
	if result := agent.NewContext(ctx, nil); result != ctx {
		t.Error("NewContext should return original context when txn is nil")
	}
}

func TestFromContext(t *testing.T) {
	agent := NewAgent(&config.APMConfig{Enabled: false})
	if txn := agent.FromContext(context.Background()); txn != nil {
		t.Error("FromContext should return nil for empty context")
	}
}

func TestRecordShareSubmission(t *testing.T) {
	agent := NewAgent(&config.APMConfig{Enabled: false})
	agent.RecordShareSubmission("kaspa:addr1", "worker1", 1000000, "valid")
	agent.RecordShareSubmission("kaspa:addr1", "worker1", 1000000, "stale")
}

func TestRecordCoinbaseMatured(t *testing.T) {
	agent := NewAgent(&config.APMConfig{Enabled: false})
	agent.RecordCoinbaseMatured(123456, "rewardhash", 980_000_000, 20_000_000)
}

func TestRecordRewardAllocated(t *testing.T) {
	agent := NewAgent(&config.APMConfig{Enabled: false})
	agent.RecordRewardAllocated("kaspa:addr1", "kaspa:addr1.rig1", 735_000_000, 495_000, "daa_window")
}

func TestRecordJobRefresh(t *testing.T) {
	agent := NewAgent(&config.APMConfig{Enabled: false})
	agent.RecordJobRefresh("job-1", 123456, 250)
}

func TestRecordMinerConnected(t *testing.T) {
	agent := NewAgent(&config.APMConfig{Enabled: false})
	agent.RecordMinerConnected("kaspa:addr1", "worker1", "192.168.1.100")
}

func TestRecordMinerDisconnected(t *testing.T) {
	agent := NewAgent(&config.APMConfig{Enabled: false})
	agent.RecordMinerDisconnected("kaspa:addr1", "worker1")
}

func TestUpdatePoolMetrics(t *testing.T) {
	agent := NewAgent(&config.APMConfig{Enabled: false})
	agent.UpdatePoolMetrics(1500000.5, 1400000.0, 100, 250)
}

func TestUpdateNetworkMetrics(t *testing.T) {
	agent := NewAgent(&config.APMConfig{Enabled: false})
	agent.UpdateNetworkMetrics(123456, 1000000, 5000000.5)
}

func TestAgentStructFields(t *testing.T) {
	cfg := &config.APMConfig{Enabled: true, AppName: "Kaspool", LicenseKey: "license_123"}
	agent := NewAgent(cfg)

	if agent.cfg.AppName != "Kaspool" {
		t.Errorf("AppName = %s, want Kaspool", agent.cfg.AppName)
	}
	if agent.cfg.LicenseKey != "license_123" {
		t.Errorf("LicenseKey = %s, want license_123", agent.cfg.LicenseKey)
	}
}

func TestConcurrentAccess(t *testing.T) {
	agent := NewAgent(&config.APMConfig{Enabled: false})

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			agent.IsEnabled()
			agent.Application()
			agent.StartTransaction("test")
			agent.RecordCustomEvent("test", nil)
			agent.RecordCustomMetric("test", 1.0)
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}
