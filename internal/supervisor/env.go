package supervisor

import (
	"fmt"
	"math/rand"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgeproxy/internal/config"
	"github.com/wudi/edgeproxy/internal/errors"
	"github.com/wudi/edgeproxy/internal/logging"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// internalEnvNames are stripped from the inherited parent environment so
// children never see a stale identity.
var internalEnvNames = map[string]bool{
	"PROXY_PROCESS_ID":   true,
	"PROXY_PROCESS_NAME": true,
}

// buildEnv merges the parent environment with the process env after
// ${VAR} substitution and validates required variables per policy.
func buildEnv(cfg config.ProcessConfig) ([]string, error) {
	parent := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && !internalEnvNames[k] {
			parent[k] = v
		}
	}

	builtin := map[string]string{
		"PROCESS_ID":   cfg.ID,
		"PROCESS_NAME": cfg.Name,
		"PID":          strconv.Itoa(os.Getpid()),
		"TIMESTAMP":    strconv.FormatInt(time.Now().Unix(), 10),
		"RANDOM":       strconv.Itoa(rand.Intn(1 << 30)),
	}

	expand := func(value string) string {
		return envVarPattern.ReplaceAllStringFunc(value, func(m string) string {
			name := envVarPattern.FindStringSubmatch(m)[1]
			if v, ok := builtin[name]; ok {
				return v
			}
			if v, ok := parent[name]; ok {
				return v
			}
			return ""
		})
	}

	merged := make(map[string]string, len(parent)+len(cfg.Env)+2)
	for k, v := range parent {
		merged[k] = v
	}
	for k, v := range cfg.Env {
		merged[k] = expand(v)
	}
	merged["PROXY_PROCESS_ID"] = cfg.ID
	merged["PROXY_PROCESS_NAME"] = cfg.Name

	for _, required := range cfg.RequiredEnv {
		if merged[required] != "" {
			continue
		}
		if cfg.EnvPolicy == "warn" {
			logging.Warn("required env var is empty",
				zap.String("process", cfg.ID), zap.String("var", required))
			continue
		}
		return nil, errors.New(0, errors.KindProcessSpawnFail,
			fmt.Sprintf("process %s: required env var %s is empty", cfg.ID, required))
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	return env, nil
}
