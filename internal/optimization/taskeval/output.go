package taskeval

import (
	"os"
	"path/filepath"
	"strings"
)

func readOutputFile(outputDir, taskName, fileName string) (string, error) {
	data, err := os.ReadFile(filepath.Join(outputDir, taskName, fileName))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
