package services

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// PersistService bundles the config directory for backup and restores saved
// rules at startup.
type PersistService struct {
	configDir string
}

func NewPersistService(configDir string) *PersistService {
	return &PersistService{configDir: configDir}
}

// ExportConfig returns configDir as a tar.gz archive.
func (s *PersistService) ExportConfig() ([]byte, error) {
	var buf bytes.Buffer
	gzWriter := gzip.NewWriter(&buf)
	tarWriter := tar.NewWriter(gzWriter)

	err := filepath.Walk(s.configDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(s.configDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}

		if info.Mode().IsRegular() {
			file, err := os.Open(path)
			if err != nil {
				return err
			}
			defer file.Close()

			if _, err := io.Copy(tarWriter, file); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}

	if err := tarWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := gzWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}

	return buf.Bytes(), nil
}

// ImportConfig extracts a tar.gz archive produced by ExportConfig into
// configDir. Entries escaping configDir are rejected.
func (s *PersistService) ImportConfig(reader io.Reader) error {
	gzReader, err := gzip.NewReader(reader)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzReader.Close()

	root := filepath.Clean(s.configDir)
	tarReader := tar.NewReader(gzReader)

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar: %w", err)
		}

		targetPath := filepath.Join(root, filepath.FromSlash(header.Name))
		if targetPath != root && !strings.HasPrefix(targetPath, root+string(os.PathSeparator)) {
			return fmt.Errorf("invalid path in archive: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
				return fmt.Errorf("failed to create parent directory: %w", err)
			}

			file, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode).Perm())
			if err != nil {
				return fmt.Errorf("failed to create file: %w", err)
			}

			if _, err := io.Copy(file, tarReader); err != nil {
				file.Close()
				return fmt.Errorf("failed to write file: %w", err)
			}
			if err := file.Close(); err != nil {
				return fmt.Errorf("failed to write file: %w", err)
			}
		default:
			// Links and devices are never produced by ExportConfig.
			return fmt.Errorf("unsupported entry in archive: %s", header.Name)
		}
	}

	return nil
}

// RestoreAll restores the saved rules of every enabled family.
func (s *PersistService) RestoreAll(ctx context.Context, firewall *FirewallService) error {
	if err := firewall.RestoreRules(ctx); err != nil {
		return fmt.Errorf("some configurations failed to restore: %w", err)
	}
	return nil
}

// GenerateSystemdService returns a unit file running binaryPath serve.
func (s *PersistService) GenerateSystemdService(binaryPath, configPath string) string {
	execStart := binaryPath + " serve"
	if configPath != "" {
		execStart += " --config " + configPath
	}
	return fmt.Sprintf(`[Unit]
Description=iptables management daemon
After=network-pre.target
Wants=network-pre.target

[Service]
Type=simple
ExecStart=%s
Restart=always
RestartSec=5
User=root
WorkingDirectory=%s

[Install]
WantedBy=multi-user.target
`, execStart, filepath.Dir(binaryPath))
}
