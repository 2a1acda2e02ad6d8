package main

import (
	"os"
	"strings"

	"plansync/internal/cli"
	"plansync/internal/notify"
)

// listShortcut returns the list name for an "@Name" token.
func listShortcut(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "@") || len(s) == 1 {
		return "", false
	}
	return s[1:], true
}

// rewriteListShortcutArgs turns `plansync @Work` into
// `plansync tasks list --list Work`. Cobra treats the first non-flag token as
// a subcommand, so the rewrite happens before parsing.
func rewriteListShortcutArgs(argv []string) []string {
	if len(argv) < 2 {
		return argv
	}

	valueFlags := map[string]bool{
		"--dir":    true,
		"--format": true,
	}

	expand := func(i int, name string) []string {
		out := make([]string, 0, len(argv)+3)
		out = append(out, argv[:i]...)
		out = append(out, "tasks", "list", "--list", name)
		out = append(out, argv[i+1:]...)
		return out
	}

	for i := 1; i < len(argv); i++ {
		a := strings.TrimSpace(argv[i])
		if a == "" {
			continue
		}
		if a == "--" {
			// Tokens after "--" are positionals, so the subcommand goes in
			// front of it.
			if i+1 < len(argv) {
				if name, ok := listShortcut(argv[i+1]); ok {
					out := make([]string, 0, len(argv)+3)
					out = append(out, argv[:i]...)
					out = append(out, "tasks", "list", "--list", name, "--")
					out = append(out, argv[i+2:]...)
					return out
				}
			}
			return argv
		}
		if strings.HasPrefix(a, "-") {
			if !strings.Contains(a, "=") && valueFlags[a] {
				i++
			}
			continue
		}
		if name, ok := listShortcut(a); ok {
			return expand(i, name)
		}
		return argv
	}
	return argv
}

func main() {
	os.Args = rewriteListShortcutArgs(os.Args)

	cmd := cli.NewRootCmd()
	if err := cmd.Execute(); err != nil {
		if !cli.Reported(err) {
			_ = notify.Error(os.Stderr, err)
		}
		os.Exit(1)
	}
}
