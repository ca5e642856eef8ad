package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
[host]
interface = "eth0"
ip = "192.168.178.40"

[cluster]
profile = "soc"
region = "eu-central-1"
domain = "ids2-soc"

[paths]
compose_file = "docker/docker-compose.yml"
shipper_config = "vector/vector.toml"
sniffer_config = "suricata/suricata.yaml"
ram_log = "/mnt/ram_logs/eve.json"
buffer_dir = "/var/lib/vector/buffer"

[templates]
shipper = "templates/vector.toml.tmpl"
sniffer = "templates/suricata.yaml.tmpl"

[git]
dir = "."
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "eth0", cfg.Interface)
	assert.Equal(t, 70.0, cfg.MaxCPUPercent)
	assert.Equal(t, 70.0, cfg.MaxRAMPercent)
	assert.Equal(t, 50.0, cfg.ThrottleT1)
	assert.Equal(t, 60.0, cfg.ThrottleT2)
	assert.Equal(t, 70.0, cfg.ThrottleT3)
	assert.Equal(t, 2*time.Second, cfg.SampleInterval)
	assert.Equal(t, 30*time.Second, cfg.CheckInterval)
	assert.Equal(t, "0.0.0.0:9100", cfg.MetricsListenAddr())
	assert.Equal(t, 30*time.Second, cfg.ShutdownGrace)
	assert.Equal(t, 120*time.Second, cfg.PhaseDTimeout)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 2*time.Second, cfg.RetryBase)
	assert.Equal(t, 10*time.Second, cfg.RetryCap)
	assert.Equal(t, "ids2-logs", cfg.IndexPrefix)
	assert.Equal(t, 100, cfg.BulkSize)
	assert.Equal(t, int64(256*1024*1024), cfg.BufferMaxBytes)
	assert.Equal(t, "dev", cfg.GitBranch)
	assert.False(t, cfg.DryRun)
	assert.False(t, cfg.StopStackOnExit)
}

func TestLoadPlaceholderExpansion(t *testing.T) {
	t.Setenv("ES_URL", "https://search-ids2.eu-central-1.es.amazonaws.com")
	content := strings.Replace(minimalConfig,
		`domain = "ids2-soc"`,
		"domain = \"ids2-soc\"\nendpoint = \"${ES_URL}\"", 1)
	cfg, err := Load(writeConfig(t, content))
	require.NoError(t, err)
	assert.Equal(t, "https://search-ids2.eu-central-1.es.amazonaws.com", cfg.Endpoint)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("ES_URL", "https://example.test")

	out, err := ExpandEnv([]byte(`endpoint = "${ES_URL}"`))
	require.NoError(t, err)
	assert.Equal(t, `endpoint = "https://example.test"`, string(out))

	// Escaped placeholders pass through literally.
	out, err = ExpandEnv([]byte(`pattern = "$${HOME_NET}"`))
	require.NoError(t, err)
	assert.Equal(t, `pattern = "${HOME_NET}"`, string(out))
}

func TestExpandEnvMissingBinding(t *testing.T) {
	os.Unsetenv("IDS2_DEFINITELY_UNSET")
	_, err := ExpandEnv([]byte(`endpoint = "${IDS2_DEFINITELY_UNSET}"`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IDS2_DEFINITELY_UNSET")
}

func TestLoadMissingPlaceholderFails(t *testing.T) {
	os.Unsetenv("IDS2_ES_URL_TEST")
	content := minimalConfig + "\n[cluster.extra]\nx = \"${IDS2_ES_URL_TEST}\"\n"
	_, err := Load(writeConfig(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IDS2_ES_URL_TEST")
}

func TestValidateThresholdOrdering(t *testing.T) {
	content := minimalConfig + `
[resources]
throttle_t1 = 60
throttle_t2 = 50
throttle_t3 = 70
`
	_, err := Load(writeConfig(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strictly increasing")
}

func TestValidateCeilingBelowT3(t *testing.T) {
	content := minimalConfig + `
[resources]
max_cpu_percent = 65
throttle_t3 = 70
`
	_, err := Load(writeConfig(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ceilings")
}

func TestValidatePortRange(t *testing.T) {
	content := minimalConfig + `
[workers]
metrics_port = 70000
`
	_, err := Load(writeConfig(t, content))
	require.Error(t, err)
}

func TestValidateBadDuration(t *testing.T) {
	content := minimalConfig + `
[workers]
sample_interval = "soon"
`
	_, err := Load(writeConfig(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sample_interval")
}

func TestValidateMissingSection(t *testing.T) {
	_, err := Load(writeConfig(t, "[host]\ninterface = \"eth0\"\n"))
	require.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	env := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(env, []byte("# comment\nexport IDS2_TEST_KEY=\"from dotenv\"\n"), 0o644))

	os.Unsetenv("IDS2_TEST_KEY")
	t.Cleanup(func() { os.Unsetenv("IDS2_TEST_KEY") })

	require.NoError(t, LoadDotEnv(env, false))
	assert.Equal(t, "from dotenv", os.Getenv("IDS2_TEST_KEY"))

	// No override by default.
	require.NoError(t, os.WriteFile(env, []byte("IDS2_TEST_KEY=changed\n"), 0o644))
	require.NoError(t, LoadDotEnv(env, false))
	assert.Equal(t, "from dotenv", os.Getenv("IDS2_TEST_KEY"))
}
