package processtool

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/shlex"
)

// JoinArgv quotes each element so the shell sees exactly these words
func JoinArgv(argv []string) string {
	var b strings.Builder
	for i, arg := range argv {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(shellEscape(arg))
	}
	return b.String()
}

func shellEscape(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}

// parseShell splits an interpreter line like "/bin/bash -lc"
func parseShell(line string) ([]string, error) {
	parts, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("failed to parse shell %q: %w", line, err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("shell is empty")
	}
	return parts, nil
}

// firstWord returns the program name of a command line, without any path
func firstWord(cmd Command) string {
	if len(cmd.Argv) > 0 {
		return filepath.Base(cmd.Argv[0])
	}
	parts, err := shlex.Split(cmd.Line)
	if err != nil || len(parts) == 0 {
		return ""
	}
	return filepath.Base(parts[0])
}

func checkAllowlist(cmd Command, allowlist []string) error {
	if len(allowlist) == 0 {
		return nil
	}
	name := firstWord(cmd)
	for _, allowed := range allowlist {
		if name == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrCommandNotAllowed, name)
}

// filterEnv drops secret variables from env
func filterEnv(env []string, secrets []string) []string {
	if len(secrets) == 0 {
		return env
	}
	drop := make(map[string]struct{}, len(secrets))
	for _, s := range secrets {
		drop[s] = struct{}{}
	}
	out := make([]string, 0, len(env))
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := drop[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	return out
}
