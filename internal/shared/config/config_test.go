package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Sync.PushBatchSize != 50 {
		t.Errorf("Expected batch size 50, got %d", cfg.Sync.PushBatchSize)
	}
	if cfg.Sync.AdapterTimeout != 60*time.Second {
		t.Errorf("Expected adapter timeout 60s, got %s", cfg.Sync.AdapterTimeout)
	}
	if cfg.Redis.Addr != "" {
		t.Errorf("Expected no redis by default, got %s", cfg.Redis.Addr)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("SYNC_PUSH_BATCH_SIZE", "10")
	t.Setenv("SYNC_ADAPTER_TIMEOUT", "5s")
	t.Setenv("REPORTABLE_TEST_TYPES", "WNV PCR, SLEV PCR")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Sync.PushBatchSize != 10 {
		t.Errorf("Expected batch size 10, got %d", cfg.Sync.PushBatchSize)
	}
	if cfg.Sync.AdapterTimeout != 5*time.Second {
		t.Errorf("Expected adapter timeout 5s, got %s", cfg.Sync.AdapterTimeout)
	}
	if len(cfg.Sync.ReportableTestTypes) != 2 || cfg.Sync.ReportableTestTypes[1] != "SLEV PCR" {
		t.Errorf("Unexpected reportable test types %v", cfg.Sync.ReportableTestTypes)
	}
	if len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("Expected 2 brokers, got %v", cfg.Kafka.Brokers)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	t.Setenv("SYNC_PUSH_BATCH_SIZE", "0")
	if _, err := Load(); err == nil {
		t.Error("Expected error for zero batch size")
	}

	t.Setenv("SYNC_PUSH_BATCH_SIZE", "50")
	t.Setenv("ENV", "production")
	if _, err := Load(); err == nil {
		t.Error("Expected error for development identity secret in production")
	}
}

func TestLoadAdaptersMissingFile(t *testing.T) {
	cfg, err := LoadAdapters(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadAdapters failed: %v", err)
	}
	if cfg.Labware.Enabled || cfg.Nedss.Enabled || cfg.Arboret.Enabled {
		t.Error("Expected every adapter disabled without a file")
	}
	if len(cfg.Regions) != len(DefaultRegions) {
		t.Errorf("Expected default regions, got %v", cfg.Regions)
	}
}

func TestLoadAdaptersFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adapters.yaml")
	body := `
labware:
  enabled: true
  server: lims.internal
  password: from-file
nedss:
  enabled: true
  base_url: https://nedss.example.org
  timeout: 10s
pseudonym_key: test-key
regions: [SACRAMENTO, YOLO]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SURV_LABWARE_PASSWORD", "from-env")

	cfg, err := LoadAdapters(path)
	if err != nil {
		t.Fatalf("LoadAdapters failed: %v", err)
	}

	if cfg.Labware.Password != "from-env" {
		t.Errorf("Expected environment to override file, got %s", cfg.Labware.Password)
	}
	if cfg.Labware.Port != 1433 {
		t.Errorf("Expected default port, got %d", cfg.Labware.Port)
	}
	if cfg.Nedss.Timeout != 10*time.Second {
		t.Errorf("Expected 10s timeout, got %s", cfg.Nedss.Timeout)
	}
	if len(cfg.Regions) != 2 || cfg.Regions[1] != "YOLO" {
		t.Errorf("Unexpected regions %v", cfg.Regions)
	}
}

func TestLoadAdaptersRequiresPseudonymKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adapters.yaml")
	body := "labware:\n  enabled: true\n  server: lims.internal\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := LoadAdapters(path); err == nil {
		t.Error("Expected error when labware is enabled without a pseudonym key")
	}
}
