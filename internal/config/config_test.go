package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	testUSDC     = "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesNetworkProfileWithDefaults(t *testing.T) {
	path := writeConfig(t, `
network = "testnet"

[store]
driver = "memory"

[networks.testnet]
rpc_url = "wss://sepolia.example/ws"
payment_contract = "`+testContract+`"

[networks.testnet.tokens."`+testUSDC+`"]
symbol = "USDC"
decimals = 6
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	net, ok := cfg.ActiveNetwork()
	require.True(t, ok)
	require.Equal(t, "wss://sepolia.example/ws", net.RPCURL)
	require.EqualValues(t, 11155111, net.ChainID)
	require.EqualValues(t, 1, net.Confirmations, "omitted confirmations keep the public-network default")
	require.Equal(t, TokenConfig{Symbol: "USDC", Decimals: 6}, net.Tokens[testUSDC])
	require.Equal(t, TokenConfig{Symbol: "ETH", Decimals: 18}, net.Tokens[NativeToken])
	require.NoError(t, cfg.Validate())
}

func TestLoadKeepsExplicitZeroConfirmations(t *testing.T) {
	path := writeConfig(t, `
network = "testnet"
[store]
driver = "memory"
[networks.testnet]
rpc_url = "wss://sepolia.example/ws"
payment_contract = "`+testContract+`"
confirmations = 0
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	net, _ := cfg.ActiveNetwork()
	require.Zero(t, net.Confirmations)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[store]
driver = "memory"
[networks.local]
payment_contract = "`+testContract+`"
`)
	t.Setenv("CHAINRECON_RPC_URL", "ws://ganache:8545")
	t.Setenv("CHAINRECON_VERIFIER_RETRY_DELAY", "250ms")
	t.Setenv("CHAINRECON_PIPELINE_WORKERS", "8")
	t.Setenv("CHAINRECON_SERVER_CORS_ORIGINS", "https://shop.example, https://admin.example")

	cfg, err := Load(path)
	require.NoError(t, err)

	net, _ := cfg.ActiveNetwork()
	require.Equal(t, "ws://ganache:8545", net.RPCURL)
	require.Equal(t, 250*time.Millisecond, cfg.Verifier.RetryDelay.Duration)
	require.Equal(t, 8, cfg.Pipeline.Workers)
	require.Equal(t, []string{"https://shop.example", "https://admin.example"}, cfg.Server.CORSOrigins)
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Store.Driver = "memory"
	cfg.Verifier.MaxAttempts = 0
	cfg.Pipeline.Workers = 0

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	require.True(t, strings.HasPrefix(msg, "config validation failed:"))
	require.Contains(t, msg, `unknown mode "trade"`)
	require.Contains(t, msg, "payment_contract")
	require.Contains(t, msg, "verifier: max_attempts must be >= 1")
	require.Contains(t, msg, "pipeline: workers must be >= 1")
}

func TestValidateRejectsVerifyTimeoutBelowRetryBudget(t *testing.T) {
	cfg := Defaults()
	cfg.Store.Driver = "memory"
	net := cfg.Networks["local"]
	net.PaymentContract = testContract
	cfg.Networks["local"] = net
	cfg.Server.VerifyTimeout.Duration = 2 * time.Second

	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "shorter than the verifier retry budget")

	cfg.Server.VerifyTimeout.Duration = 5 * time.Second
	require.NoError(t, cfg.Validate())
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "hunter2"
	cfg.Server.APIKey = "key"
	net := cfg.Networks["local"]
	net.RPCURL = "wss://mainnet.infura.io/ws/v3/secret"
	cfg.Networks["local"] = net

	out := RedactedConfig(&cfg)
	require.Equal(t, "***", out.Postgres.Password)
	require.Equal(t, "***", out.Server.APIKey)
	require.Equal(t, "***", out.Networks["local"].RPCURL)
	require.Empty(t, out.Redis.Password)

	require.Equal(t, "hunter2", cfg.Postgres.Password)
	require.Equal(t, "wss://mainnet.infura.io/ws/v3/secret", cfg.Networks["local"].RPCURL)
}

func TestWriteRedactedConfigHidesSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Notify.WebhookSecret = "whsec-123"
	cfg.Pipeline.RequeueDelay = duration{20 * time.Second}

	var sb strings.Builder
	require.NoError(t, Write(&sb, RedactedConfig(&cfg)))
	out := sb.String()
	require.NotContains(t, out, "whsec-123")
	require.Contains(t, out, `requeue_delay = "20s"`)

	loaded, err := Load(writeConfig(t, out))
	require.NoError(t, err)
	require.Equal(t, 20*time.Second, loaded.Pipeline.RequeueDelay.Duration)
}
