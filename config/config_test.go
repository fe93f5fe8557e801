package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
database:
  driver: sqlite
  dsn: "file:test.db"
chain:
  rpc: "http://127.0.0.1:8545"
  chain_id: 1337
  vault: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
  signer_key: "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
admin:
  bearer_token: "token"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":7085" {
		t.Fatalf("listen default = %q", cfg.ListenAddress)
	}
	if cfg.Chain.TokenDecimals != 18 {
		t.Fatalf("token decimals default = %d", cfg.Chain.TokenDecimals)
	}
	if cfg.Chain.ConfirmTimeout.Duration != 2*time.Minute {
		t.Fatalf("confirm timeout default = %s", cfg.Chain.ConfirmTimeout.Duration)
	}
	if cfg.Settlement.Interval.Duration != time.Hour {
		t.Fatalf("interval default = %s", cfg.Settlement.Interval.Duration)
	}
	if cfg.Settlement.VerifyConcurrency != 4 || cfg.Settlement.StuckThreshold != 5 {
		t.Fatalf("settlement defaults = %+v", cfg.Settlement)
	}
	if cfg.Announce.RatePerMinute != 30 || cfg.Announce.QueueCapacity != 256 {
		t.Fatalf("announce defaults = %+v", cfg.Announce)
	}
}

func TestLoadParsesDurations(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
settlement:
  interval: "15m"
  lease_ttl: "90s"
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Settlement.Interval.Duration != 15*time.Minute {
		t.Fatalf("interval = %s", cfg.Settlement.Interval.Duration)
	}
	if cfg.Settlement.LeaseTTL.Duration != 90*time.Second {
		t.Fatalf("lease ttl = %s", cfg.Settlement.LeaseTTL.Duration)
	}
}

func TestSignerKeyEnvIndirection(t *testing.T) {
	t.Setenv("TEST_SIGNER_KEY", "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	cfg, err := Load(writeConfig(t, `
database:
  driver: sqlite
  dsn: "file:test.db"
chain:
  rpc: "http://127.0.0.1:8545"
  chain_id: 1337
  vault: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
  signer_key_env: "TEST_SIGNER_KEY"
admin:
  bearer_token: "token"
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chain.SignerKey == "" {
		t.Fatal("signer key not resolved from env")
	}
}

func TestBearerTokenFileIndirection(t *testing.T) {
	tokenPath := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(tokenPath, []byte("file-token\n"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	cfg, err := Load(writeConfig(t, `
database:
  driver: sqlite
  dsn: "file:test.db"
chain:
  rpc: "http://127.0.0.1:8545"
  chain_id: 1337
  vault: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
  signer_key: "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
admin:
  bearer_token_file: "`+tokenPath+`"
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Admin.BearerToken != "file-token" {
		t.Fatalf("bearer token = %q", cfg.Admin.BearerToken)
	}
}

func TestLoadRejectsIncompleteConfig(t *testing.T) {
	cases := map[string]string{
		"missing dsn": `
database:
  driver: sqlite
chain:
  rpc: "http://127.0.0.1:8545"
  chain_id: 1337
  vault: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
  signer_key: "ab"
admin:
  bearer_token: "token"
`,
		"missing signer": `
database:
  driver: sqlite
  dsn: "file:test.db"
chain:
  rpc: "http://127.0.0.1:8545"
  chain_id: 1337
  vault: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
admin:
  bearer_token: "token"
`,
		"bad driver": `
database:
  driver: oracle
  dsn: "x"
chain:
  rpc: "http://127.0.0.1:8545"
  chain_id: 1337
  vault: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
  signer_key: "ab"
admin:
  bearer_token: "token"
`,
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, contents)); err == nil {
				t.Fatal("expected load failure")
			}
		})
	}
}
