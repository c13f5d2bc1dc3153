package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const QuarantineDirName = "quarantine"

// Quarantine moves a corrupt file into baseDir/quarantine with a timestamped
// .corrupt suffix and returns the new path. The original path is left empty
// so the next save starts fresh.
func Quarantine(baseDir, filePath string) (string, error) {
	return quarantineAt(baseDir, filePath, time.Now())
}

func quarantineAt(baseDir, filePath string, now time.Time) (string, error) {
	quarantineDir := filepath.Join(baseDir, QuarantineDirName)
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), now.UTC().Format("20060102T150405.000000000"))
	dst := filepath.Join(quarantineDir, name)

	if err := os.Rename(filePath, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}

// RestoreFromBackup replaces filePath with filePath.bak when the backup is
// valid YAML.
func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no backup file: %s", bakPath)
		}
		return fmt.Errorf("read backup: %w", err)
	}
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}
	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

// Recovery describes what RecoverCorruptedFile did.
type Recovery struct {
	QuarantinedTo string
	Restored      bool
}

// RecoverCorruptedFile quarantines filePath and then tries the .bak copy.
// When no usable backup exists the file is simply gone and Restored is false.
func RecoverCorruptedFile(baseDir, filePath string) (Recovery, error) {
	var rec Recovery
	dst, err := Quarantine(baseDir, filePath)
	if err != nil {
		return rec, fmt.Errorf("quarantine failed: %w", err)
	}
	rec.QuarantinedTo = dst
	if err := RestoreFromBackup(filePath); err == nil {
		rec.Restored = true
	}
	return rec, nil
}
