//go:build e2e_vm

package e2e

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// The VM carries volume group vg0 with logical volume mysql mounted on
// /srv/mysql, and two mysqld instances (a, b) with binary logging whose data
// and log directories live on it. Instance b replicates from a.
const (
	vmName     = "dbsnap-test-vm"
	remoteBin  = "/tmp/dbsnap"
	configPath = "/tmp/dbsnap_test_config.yaml"

	minioEndpoint  = "http://127.0.0.1:9000"
	minioAccessKey = "admin"
	minioSecretKey = "password"
	minioBucket    = "dbsnap-test"
)

type vm struct {
	name string
}

func newVM() *vm {
	return &vm{name: vmName}
}

func (v *vm) execWithTimeout(command string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "multipass", "exec", v.name, "--", "bash", "-lc", command)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func (v *vm) exec(command string) (string, error) {
	return v.execWithTimeout(command, 2*time.Minute)
}

func (v *vm) mustExec(t *testing.T, command string) string {
	t.Helper()
	out, err := v.exec(command)
	require.NoError(t, err, "command failed: %s\noutput: %s", command, out)
	return out
}

func (v *vm) isReachable() bool {
	out, err := v.exec("echo ok")
	return err == nil && out == "ok"
}

func (v *vm) fileExists(remotePath string) bool {
	_, err := v.exec("sudo test -e " + remotePath)
	return err == nil
}

func (v *vm) dbsnap(args string) (string, error) {
	command := fmt.Sprintf("AWS_ACCESS_KEY_ID=%s AWS_SECRET_ACCESS_KEY=%s sudo -E %s --config %s %s",
		minioAccessKey, minioSecretKey, remoteBin, configPath, args)
	return v.execWithTimeout(command, 10*time.Minute)
}

func (v *vm) mustDbsnap(t *testing.T, args string) string {
	t.Helper()
	out, err := v.dbsnap(args)
	require.NoError(t, err, "dbsnap %s failed\noutput: %s", args, out)
	return out
}

func (v *vm) mysql(t *testing.T, instance, sql string) string {
	t.Helper()
	return v.mustExec(t, fmt.Sprintf("sudo mysql -S /run/mysqld/%s.sock -N -e %q", instance, sql))
}

func (v *vm) transfer(localPath, remotePath string) error {
	cmd := exec.Command("multipass", "transfer", localPath, fmt.Sprintf("%s:%s", v.name, remotePath))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("transfer failed: %w\noutput: %s", err, string(out))
	}
	return nil
}

func (v *vm) writeFile(t *testing.T, remotePath, content string) {
	t.Helper()
	tmp, err := os.CreateTemp("", "dbsnap-e2e-*")
	require.NoError(t, err)
	defer os.Remove(tmp.Name())

	_, err = tmp.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, tmp.Close())

	require.NoError(t, v.transfer(tmp.Name(), remotePath))
}

func buildAndTransfer(t *testing.T, v *vm) {
	t.Helper()
	binary := "../../build/dbsnap_linux_arm64"

	cmd := exec.Command("go", "build", "-ldflags=-s -w", "-o", binary, "./../../cmd/dbsnap")
	cmd.Env = append(os.Environ(), "GOOS=linux", "GOARCH=arm64")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "build failed: %s", string(out))

	require.NoError(t, v.transfer(binary, remoteBin))
	v.mustExec(t, "sudo chmod +x "+remoteBin)
}

// extractJSON extracts a JSON object from mixed output (slog lines + JSON).
func extractJSON(output string) string {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start >= 0 && end > start {
		return output[start : end+1]
	}
	return output
}

func testConfig(baseDir string, s3 bool) string {
	cfg := fmt.Sprintf(`base_dir: %s
log:
  level: debug
mysql:
  user: root
instances:
  - name: a
    socket: /run/mysqld/a.sock
    data_dir: /srv/mysql/a/data
    log_dir: /srv/mysql/a/binlog
    start_command: ["systemctl", "start", "mysqld@a"]
    stop_command: ["systemctl", "stop", "mysqld@a"]
  - name: b
    socket: /run/mysqld/b.sock
    data_dir: /srv/mysql/b/data
    log_dir: /srv/mysql/b/binlog
    replica: true
    start_command: ["systemctl", "start", "mysqld@b"]
    stop_command: ["systemctl", "stop", "mysqld@b"]
snapshot:
  volume_group: vg0
  logical_volume: mysql
  size: 512M
  mount_point: /mnt/dbsnap
  origin_mount: /srv/mysql
copy:
  parallelism: 2
archive:
  min_size: 1KB
  compression: zstd
  retention_days: 30
`, baseDir)
	if s3 {
		cfg += fmt.Sprintf(`s3:
  enabled: true
  bucket: %s
  region: us-east-1
  prefix: dbsnap/
  endpoint: %s
  storage_class: STANDARD
  retry:
    max_attempts: 3
`, minioBucket, minioEndpoint)
	}
	return cfg
}
