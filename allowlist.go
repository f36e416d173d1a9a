package relay

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// DefaultAllowedCommands is the starting allow-list for the shell skill.
// Only the first argv token is matched; everything else is data.
var DefaultAllowedCommands = []string{
	"ls", "cat", "head", "tail", "wc", "grep", "find", "sort", "uniq",
	"echo", "pwd", "date", "uname", "df", "du", "ps", "env",
	"git", "python3", "go", "jq", "sed", "awk", "tar", "gzip", "gunzip",
}

// denyPatterns reject a command string outright regardless of the
// allow-list. Matched case-insensitively against the raw command.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+(-[a-z]*\s+)*/`),
	regexp.MustCompile(`(?i)\bsudo\b`),
	regexp.MustCompile(`(?i)\bmkfs\b`),
	regexp.MustCompile(`(?i)\bdd\s+if=`),
	regexp.MustCompile(`(?i)>\s*/dev/`),
	regexp.MustCompile(`(?i)\b(shutdown|reboot|halt|poweroff)\b`),
	regexp.MustCompile(`(?i)\bchmod\s+777\b`),
	regexp.MustCompile(`:\(\)\s*\{`),
}

// shellMeta are characters that would require shell interpretation.
// Commands run as a plain argv with no shell, so their presence means
// the request cannot be honored as written.
const shellMeta = "|&;<>`$(){}\n"

// CommandPolicy gates shell-skill commands: deny patterns first, then
// metacharacter rejection, then a first-token allow-list over the parsed
// argv. There is no shell delegation anywhere on the accept path.
type CommandPolicy struct {
	allowed map[string]struct{}
}

// NewCommandPolicy builds a policy from an allow-list of command names.
// Empty input falls back to DefaultAllowedCommands.
func NewCommandPolicy(allowed []string) *CommandPolicy {
	if len(allowed) == 0 {
		allowed = DefaultAllowedCommands
	}
	m := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		m[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
	}
	return &CommandPolicy{allowed: m}
}

// Check validates command and returns the argv to execute. Any error
// means the command must not run.
func (p *CommandPolicy) Check(command string) ([]string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}
	for _, re := range denyPatterns {
		if re.MatchString(command) {
			return nil, fmt.Errorf("command matches denied pattern")
		}
	}
	if strings.ContainsAny(command, shellMeta) {
		return nil, fmt.Errorf("shell metacharacters are not supported")
	}
	argv, err := splitArgv(command)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	name := strings.ToLower(path.Base(argv[0]))
	if _, ok := p.allowed[name]; !ok {
		return nil, fmt.Errorf("command not allowed: %s", name)
	}
	return argv, nil
}

// splitArgv splits a command line on whitespace, honoring single and
// double quotes. Unterminated quotes are an error.
func splitArgv(s string) ([]string, error) {
	var argv []string
	var cur strings.Builder
	var quote rune
	inToken := false
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == ' ' || r == '\t':
			if inToken {
				argv = append(argv, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote")
	}
	if inToken {
		argv = append(argv, cur.String())
	}
	return argv, nil
}
