package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"sc3bridge/internal/config"

	"github.com/spf13/cobra"
)

// Archive entry names. Restore maps each back to the paths of the current config.
const (
	entryDB     = "pairing.db"
	entryConfig = "config"
)

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the config file and the pairing database",
		Long:  "Creates a .tar.gz archive with the config file and the pairing database (including its WAL files). The archive is timestamped by default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			dbPath := pairingDBPath(cfgPath)

			if outputPath == "" {
				dir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				outputPath = filepath.Join(dir, "sc3bridge-"+time.Now().Format("20060102-150405")+".tar.gz")
			}

			entries := backupEntries(cfgPath, dbPath)
			if len(entries) == 0 {
				return fmt.Errorf("nothing to back up (config: %s, pairing db: %s)", cfgPath, dbPath)
			}
			if err := writeArchive(outputPath, entries); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Backup created: %s\n", outputPath)
			for name, src := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "  - %s (from %s)\n", name, src)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "archive path (default: ~/.sc3bridge/backups/sc3bridge-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [archive]",
		Short: "Restore the config file and pairing database from a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			dbPath := pairingDBPath(cfgPath)

			if !force {
				for _, p := range []string{cfgPath, dbPath} {
					if _, err := os.Stat(p); err == nil {
						return fmt.Errorf("%s exists, restore aborted (use --force to overwrite)", p)
					}
				}
			}

			restored, err := readArchive(args[0], cfgPath, dbPath)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored from %s:\n", args[0])
			for _, p := range restored {
				fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", p)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

// pairingDBPath reads the database location from the config at cfgPath,
// falling back to the default when the config cannot be loaded.
func pairingDBPath(cfgPath string) string {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}
	return config.ExpandPath(cfg.Pairing.DBPath)
}

// backupEntries maps archive entry names to the existing files they come from.
func backupEntries(cfgPath, dbPath string) map[string]string {
	entries := make(map[string]string)
	if _, err := os.Stat(cfgPath); err == nil {
		entries[entryConfig+filepath.Ext(cfgPath)] = cfgPath
	}
	if _, err := os.Stat(dbPath); err == nil {
		entries[entryDB] = dbPath
		for _, suffix := range []string{"-wal", "-shm"} {
			if _, err := os.Stat(dbPath + suffix); err == nil {
				entries[entryDB+suffix] = dbPath + suffix
			}
		}
	}
	return entries
}

func writeArchive(outputPath string, entries map[string]string) (err error) {
	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for name, src := range entries {
		if err := addArchiveEntry(tw, name, src); err != nil {
			return fmt.Errorf("add %s: %w", src, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func addArchiveEntry(tw *tar.Writer, name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// readArchive extracts known entries to their destinations and skips the rest.
func readArchive(archivePath, cfgPath, dbPath string) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a gzip archive: %w", err)
	}
	defer gz.Close()

	var restored []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return restored, err
		}

		var dst string
		switch name := filepath.Base(hdr.Name); name {
		case entryDB:
			dst = dbPath
		case entryDB + "-wal", entryDB + "-shm":
			dst = dbPath + name[len(entryDB):]
		case entryConfig + ".json", entryConfig + ".yaml", entryConfig + ".yml":
			dst = cfgPath
		default:
			continue
		}

		if err := extractEntry(tr, dst, hdr.FileInfo().Mode().Perm()); err != nil {
			return restored, fmt.Errorf("extract %s: %w", dst, err)
		}
		restored = append(restored, dst)
	}
	return restored, nil
}

func extractEntry(r io.Reader, dst string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
