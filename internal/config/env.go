package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv 将 ORACLE_* 环境变量覆盖到 target 上，未设置的变量保持原值。
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
