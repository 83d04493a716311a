// Copyright 2025 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// service.go implements the launchd-backed daemon lifecycle: oored runs
// as a LaunchDaemon on macOS, since the iOS signing keychain steps
// require the darwin keychain APIs and so this server only ever runs on
// macOS in practice. launchctl is driven via os/exec.
package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// serviceName is launchd's reverse-DNS label for the daemon.
const serviceName = "build.oore.oored"

// servicePaths bundles every filesystem location the daemon lifecycle
// commands read or write.
type servicePaths struct {
	ServiceFile string
	Binary      string
	DataDir     string
	LogDir      string
	LogFile     string
	ConfigDir   string
	EnvFile     string
}

func newServicePaths() servicePaths {
	return servicePaths{
		ServiceFile: "/Library/LaunchDaemons/" + serviceName + ".plist",
		Binary:      "/usr/local/bin/oored",
		DataDir:     "/var/lib/oore",
		LogDir:      "/var/log/oore",
		LogFile:     "/var/log/oore/oored.log",
		ConfigDir:   "/etc/oore",
		EnvFile:     "/etc/oore/oore.env",
	}
}

// ErrRequiresRoot signals the CLI's exit code 2 ("requires root").
// cmd/oored checks for it with errors.Is to pick the process exit code.
var ErrRequiresRoot = fmt.Errorf("this command requires root privileges; run with sudo")

func requireRoot() error {
	if os.Geteuid() != 0 {
		return ErrRequiresRoot
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func runLaunchctl(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "launchctl", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("launchctl %s: %w: %s", strings.Join(args, " "), err, bytes.TrimSpace(out))
	}
	return out, nil
}

var plistTemplate = template.Must(template.New("oored-plist").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{.Label}}</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{.Binary}}</string>
		<string>server</string>
	</array>
	<key>EnvironmentVariables</key>
	<dict>
		<key>ENV_FILE</key>
		<string>{{.EnvFile}}</string>
	</dict>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<true/>
	<key>StandardOutPath</key>
	<string>{{.LogFile}}</string>
	<key>StandardErrorPath</key>
	<string>{{.LogFile}}</string>
	<key>WorkingDirectory</key>
	<string>{{.DataDir}}</string>
</dict>
</plist>
`))

func writePlist(paths servicePaths) error {
	var buf bytes.Buffer
	if err := plistTemplate.Execute(&buf, struct {
		Label, Binary, EnvFile, LogFile, DataDir string
	}{
		Label:   serviceName,
		Binary:  paths.Binary,
		EnvFile: paths.EnvFile,
		LogFile: paths.LogFile,
		DataDir: paths.DataDir,
	}); err != nil {
		return fmt.Errorf("rendering launchd plist: %w", err)
	}
	if err := os.WriteFile(paths.ServiceFile, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", paths.ServiceFile, err)
	}
	return nil
}

func createDirectories(paths servicePaths) error {
	for _, dir := range []string{paths.DataDir, paths.LogDir, paths.ConfigDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

func copyBinary(paths servicePaths) error {
	current, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving current executable: %w", err)
	}
	data, err := os.ReadFile(current)
	if err != nil {
		return fmt.Errorf("reading current executable: %w", err)
	}
	if err := os.WriteFile(paths.Binary, data, 0o755); err != nil {
		return fmt.Errorf("installing binary to %s: %w", paths.Binary, err)
	}
	return nil
}

func setupEnvFile(paths servicePaths, source string) error {
	if fileExists(paths.EnvFile) && source == "" {
		return nil
	}
	if source != "" {
		data, err := os.ReadFile(source)
		if err != nil {
			return fmt.Errorf("reading %s: %w", source, err)
		}
		return os.WriteFile(paths.EnvFile, data, 0o600)
	}
	content := fmt.Sprintf(`# oored environment, generated by "oored install".
DATABASE_PATH=%s/oored.db
OORE_WORKSPACES_DIR=%s/workspaces
OORE_LOGS_DIR=%s/logs
OORE_ARTIFACTS_DIR=%s/artifacts

# OORE_ADMIN_TOKEN=
# ENCRYPTION_KEY=
# OORE_BASE_URL=https://your-domain.example
`, paths.DataDir, paths.DataDir, paths.DataDir, paths.DataDir)
	return os.WriteFile(paths.EnvFile, []byte(content), 0o600)
}

func loadService(ctx context.Context, paths servicePaths) error {
	if _, err := runLaunchctl(ctx, "bootstrap", "system", paths.ServiceFile); err == nil {
		return nil
	}
	if _, err := runLaunchctl(ctx, "load", "-w", paths.ServiceFile); err != nil {
		return fmt.Errorf("failed to load service: %w", err)
	}
	return nil
}

func unloadService(ctx context.Context, paths servicePaths) error {
	target := "system/" + serviceName
	if _, err := runLaunchctl(ctx, "bootout", target); err == nil {
		return nil
	}
	_, _ = runLaunchctl(ctx, "unload", "-w", paths.ServiceFile)
	return nil
}

func startService(ctx context.Context) error {
	target := "system/" + serviceName
	if _, err := runLaunchctl(ctx, "kickstart", "-kp", target); err == nil {
		return nil
	}
	if _, err := runLaunchctl(ctx, "start", serviceName); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	return nil
}

func stopService(ctx context.Context) error {
	target := "system/" + serviceName
	if _, err := runLaunchctl(ctx, "kill", "SIGTERM", target); err == nil {
		return nil
	}
	if _, err := runLaunchctl(ctx, "stop", serviceName); err != nil {
		return fmt.Errorf("failed to stop service: %w", err)
	}
	return nil
}

type serviceStatus struct {
	Installed bool
	Running   bool
	PID       int
}

func getServiceStatus(ctx context.Context, paths servicePaths) serviceStatus {
	st := serviceStatus{Installed: fileExists(paths.ServiceFile)}
	if !st.Installed {
		return st
	}
	out, err := runLaunchctl(ctx, "print", "system/"+serviceName)
	if err != nil {
		return st
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "pid = ") {
			if pid, err := strconv.Atoi(strings.TrimPrefix(line, "pid = ")); err == nil {
				st.PID = pid
				st.Running = true
			}
		}
	}
	return st
}

func (s serviceStatus) String() string {
	if !s.Installed {
		return "Status: Not installed\n\nTo install: sudo oored install\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Status: Installed\n")
	if s.Running {
		fmt.Fprintf(&b, "Running: Yes\nPID: %d\n", s.PID)
	} else {
		fmt.Fprintf(&b, "Running: No\n\nTo start: sudo oored start\n")
	}
	return b.String()
}

func tailFile(ctx context.Context, path string, lines int, follow bool) error {
	args := []string{"-n", strconv.Itoa(lines)}
	if follow {
		args = append(args, "-f")
	}
	args = append(args, path)
	cmd := exec.CommandContext(ctx, "tail", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run() //nolint:wrapcheck
}

// sleepBriefly gives launchd a moment between stop and start during a
// restart.
func sleepBriefly() { time.Sleep(time.Second) }
