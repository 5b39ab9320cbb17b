package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"text/template"

	"sc3bridge/internal/config"

	"github.com/spf13/cobra"
)

const (
	launchdLabel = "com.sc3bridge.gateway"
	systemdUnit  = "sc3bridge.service"
)

// serviceSpec is the data rendered into the launchd plist or systemd unit.
type serviceSpec struct {
	Label  string
	Exec   string
	Config string
	Log    string
	ErrLog string
}

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install the gateway as a user service (launchd/systemd)",
		Long:  "Writes a service file that runs 'sc3bridge gateway' with the current config at login and restarts it on failure.",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			logDir := filepath.Join(config.DefaultConfigDir(), "logs")
			svc := serviceSpec{
				Label:  launchdLabel,
				Exec:   execPath,
				Config: resolveConfigPath(),
				Log:    filepath.Join(logDir, "gateway.log"),
				ErrLog: filepath.Join(logDir, "gateway-error.log"),
			}

			var path, tmpl string
			switch runtime.GOOS {
			case "darwin":
				path, tmpl = filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"), launchdTemplate
			case "linux":
				path, tmpl = filepath.Join(home, ".config", "systemd", "user", systemdUnit), systemdTemplate
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
			if err := os.MkdirAll(logDir, 0o755); err != nil {
				return err
			}
			if err := writeServiceFile(path, tmpl, svc); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Service installed: %s\n", path)
			if runtime.GOOS == "darwin" {
				fmt.Fprintf(cmd.OutOrStdout(), "To start: launchctl load %s\n", path)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "To start: systemctl --user enable --now %s\n", systemdUnit)
			}
			return nil
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the gateway user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			var path string
			switch runtime.GOOS {
			case "darwin":
				path = filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
			case "linux":
				path = filepath.Join(home, ".config", "systemd", "user", systemdUnit)
			default:
				return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service removed: %s\n", path)
			return nil
		},
	}
}

func renderService(tmpl string, svc serviceSpec) ([]byte, error) {
	t, err := template.New("service").Parse(tmpl)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, svc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeServiceFile(path, tmpl string, svc serviceSpec) error {
	data, err := renderService(tmpl, svc)
	if err != nil {
		return fmt.Errorf("render service file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Exec}}</string>
        <string>gateway</string>
        <string>--config</string>
        <string>{{.Config}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.Log}}</string>
    <key>StandardErrorPath</key>
    <string>{{.ErrLog}}</string>
</dict>
</plist>
`

const systemdTemplate = `[Unit]
Description=sc3bridge gateway
After=network-online.target

[Service]
Type=simple
ExecStart={{.Exec}} gateway --config {{.Config}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`
