package cfg

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidate_DefaultConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()

	if err := Validate(); err != nil {
		t.Errorf("Expected no error for default config, got: %v", err)
	}

	if Config.State.Path != "/tapline/default/state" {
		t.Errorf("Expected derived state path, got %q", Config.State.Path)
	}
}

func TestValidate_InvalidBufferSize(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	for _, size := range []int{-1, 0} {
		Config = Default()
		Config.Buffer.Size = size

		if err := Validate(); err == nil {
			t.Errorf("Expected error for buffer size %d", size)
		}
	}
}

func TestValidate_Sinks(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tests := []struct {
		name    string
		mutate  func(c *Configuration)
		wantErr bool
	}{
		{"kafka without brokers", func(c *Configuration) { c.Sink.Brokers = nil }, true},
		{"kafka without topic", func(c *Configuration) { c.Sink.Topic = "" }, true},
		{"nats without url", func(c *Configuration) { c.Sink.Type = "nats" }, true},
		{"nats valid", func(c *Configuration) {
			c.Sink.Type = "nats"
			c.Sink.NatsURL = "nats://localhost:4222"
		}, false},
		{"unknown type", func(c *Configuration) { c.Sink.Type = "carrier-pigeon" }, true},
		{"name defaults to type", func(c *Configuration) { c.Sink.Name = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Config = Default()
			tt.mutate(Config)

			err := Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error but got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.wantErr && Config.Sink.Name == "" {
				t.Error("expected sink name to be filled in")
			}
		})
	}
}

func TestValidate_StateBackends(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tests := []struct {
		name    string
		mutate  func(c *Configuration)
		wantErr bool
	}{
		{"memory", func(c *Configuration) { c.State.Backend = StateBackendMemory }, false},
		{"etcd without endpoints", func(c *Configuration) { c.State.Backend = StateBackendEtcd }, true},
		{"etcd valid", func(c *Configuration) {
			c.State.Backend = StateBackendEtcd
			c.State.EtcdEndpoints = []string{"localhost:2379"}
		}, false},
		{"unknown backend", func(c *Configuration) { c.State.Backend = "zookeeper" }, true},
		{"unknown codec", func(c *Configuration) { c.State.Codec = "xml" }, true},
		{"explicit path kept", func(c *Configuration) { c.State.Path = "/custom" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Config = Default()
			tt.mutate(Config)

			err := Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error but got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}

	Config = Default()
	Config.State.Path = "/custom"
	if err := Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if Config.State.Path != "/custom" {
		t.Errorf("Expected explicit path to be kept, got %q", Config.State.Path)
	}
}

func TestValidate_InvalidAdminPort(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	for _, port := range []int{-1, 0, 70000} {
		Config = Default()
		Config.Admin.Port = port

		if err := Validate(); err == nil {
			t.Errorf("Expected error for invalid admin port %d", port)
		}
	}

	Config = Default()
	Config.Admin.Enabled = false
	Config.Admin.Port = 0
	if err := Validate(); err != nil {
		t.Errorf("Expected disabled admin to skip port validation, got: %v", err)
	}
}

func TestValidate_Checkpoint(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.Checkpoint.IntervalMS = 0
	if err := Validate(); err == nil {
		t.Error("Expected error for zero checkpoint interval")
	}

	Config = Default()
	Config.Checkpoint.LeaderEpoch = -1
	if err := Validate(); err == nil {
		t.Error("Expected error for negative leader epoch")
	}
}

func TestLoad_FromFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.toml")
	contents := `
node_id = 7
source = "orders-db"
data_dir = "` + filepath.ToSlash(filepath.Join(tempDir, "data")) + `"

[buffer]
size = 16
grace_period_ms = 500

[sink]
type = "nats"
nats_url = "nats://127.0.0.1:4222"
topic = "cdc.orders"
compress = true

[state]
backend = "etcd"
etcd_endpoints = ["127.0.0.1:2379"]
codec = "json"
`
	if err := os.WriteFile(configPath, []byte(contents), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	Config = Default()
	if err := Load(configPath); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := Validate(); err != nil {
		t.Fatalf("Expected loaded config to validate, got: %v", err)
	}

	if Config.NodeID != 7 {
		t.Errorf("Expected node ID 7, got %d", Config.NodeID)
	}
	if Config.Buffer.Size != 16 || Config.Buffer.GracePeriodMS != 500 {
		t.Errorf("Unexpected buffer config: %+v", Config.Buffer)
	}
	if Config.Sink.Type != "nats" || !Config.Sink.Compress {
		t.Errorf("Unexpected sink config: %+v", Config.Sink)
	}
	if Config.State.Backend != StateBackendEtcd || Config.State.Codec != "json" {
		t.Errorf("Unexpected state config: %+v", Config.State)
	}
	if Config.State.Path != "/tapline/orders-db/state" {
		t.Errorf("Unexpected state path: %s", Config.State.Path)
	}
	// Defaults not present in the file survive
	if Config.Checkpoint.IntervalMS != 1000 {
		t.Errorf("Expected default checkpoint interval, got %d", Config.Checkpoint.IntervalMS)
	}
}

func TestLoad_CreateDataDir(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(t.TempDir(), "nested", "data")

	Config = Default()
	Config.NodeID = 1
	Config.DataDir = tempDir

	if err := Load(""); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if _, err := os.Stat(tempDir); os.IsNotExist(err) {
		t.Error("Data directory was not created")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := t.TempDir()

	*DataDirFlag = tempDir
	*NodeIDFlag = 12345
	*AdminPortFlag = 9999

	defer func() {
		*DataDirFlag = ""
		*NodeIDFlag = 0
		*AdminPortFlag = 0
	}()

	Config = Default()

	if err := Load(""); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if Config.DataDir != tempDir {
		t.Errorf("Expected data dir %s, got %s", tempDir, Config.DataDir)
	}

	if Config.NodeID != 12345 {
		t.Errorf("Expected node ID 12345, got %d", Config.NodeID)
	}

	if Config.Admin.Port != 9999 {
		t.Errorf("Expected admin port 9999, got %d", Config.Admin.Port)
	}
}

func TestGenerateNodeID(t *testing.T) {
	id1, err := generateNodeID()
	if err != nil {
		t.Skipf("machine id unavailable: %v", err)
	}

	if id1 == 0 {
		t.Error("Generated node ID should not be 0")
	}

	id2, err := generateNodeID()
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if id1 != id2 {
		t.Error("Node ID should be deterministic for same machine")
	}
}

func BenchmarkValidate(b *testing.B) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	for i := 0; i < b.N; i++ {
		Validate()
	}
}
