package conf

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"

	"github.com/fetalscan/fetalscan/internal/errors"
)

const (
	appDirName     = "fetalscan"
	configFileName = "config.yaml"
)

// GetDefaultConfigPaths lists the directories searched for config.yaml, user
// config dir first. If one of them already has the file, only it is returned.
func GetDefaultConfigPaths() ([]string, error) {
	userDir, err := os.UserConfigDir()
	if err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategorySystem).
			Context("operation", "resolve_config_dir").
			Build()
	}

	paths := []string{filepath.Join(userDir, appDirName)}
	if runtime.GOOS != "windows" {
		paths = append(paths, filepath.Join("/etc", appDirName))
	}
	paths = append(paths, ".")

	for _, dir := range paths {
		if info, err := os.Stat(filepath.Join(dir, configFileName)); err == nil && !info.IsDir() {
			return []string{dir}, nil
		}
	}
	return paths, nil
}

// ConfigFileUsed returns the file the last Load read, or "" when settings
// came from defaults and the environment only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
