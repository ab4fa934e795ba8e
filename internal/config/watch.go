package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch 监听配置文件变更，每次写入后重新读取、解析并校验，再交给 onChange。
// 文件无法解析或校验失败时 cfg 为 nil、err 非空，调用方应继续使用旧配置。
func Watch(path string, onChange func(cfg *Config, err error)) error {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取配置失败: %w", err)
	}

	v.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}
		// 监听用的实例在读取失败时会保留旧值，这里用新实例重新读取。
		onChange(reload(path))
	})
	v.WatchConfig()
	return nil
}

func reload(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	return decode(v)
}
