// Package security vets externally-effecting tool invocations before they
// are dispatched: shell commands by static inspection and outbound URLs by
// host and address classification.
package security

import (
	"log/slog"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// Level is a command's security classification.
type Level string

const (
	LevelSafe    Level = "SAFE"
	LevelBlocked Level = "BLOCKED"
)

// blockedCommands are executables never run on behalf of a model: privilege
// escalation, remote shells and network relays, raw disk tools and host
// power or service control.
var blockedCommands = map[string]struct{}{
	"sudo": {}, "su": {}, "doas": {}, "pkexec": {},
	"ssh": {}, "scp": {}, "sftp": {}, "telnet": {}, "rsh": {}, "rlogin": {},
	"nc": {}, "ncat": {}, "netcat": {}, "socat": {},
	"dd": {}, "mkfs": {}, "fdisk": {}, "sfdisk": {}, "parted": {}, "wipefs": {}, "shred": {},
	"mount": {}, "umount": {}, "losetup": {},
	"shutdown": {}, "reboot": {}, "halt": {}, "poweroff": {}, "init": {}, "systemctl": {},
	"iptables": {}, "ip6tables": {}, "nft": {},
	"useradd": {}, "userdel": {}, "usermod": {}, "passwd": {}, "chpasswd": {}, "visudo": {},
	"crontab": {}, "insmod": {}, "rmmod": {}, "modprobe": {},
}

type dangerousPattern struct {
	re   *regexp.Regexp
	desc string
}

var dangerousPatterns = []dangerousPattern{
	{regexp.MustCompile(`\brm\s+(?:\S+\s+)*-[A-Za-z]*[rR][A-Za-z]*\s+(?:\S+\s+)*(?:/\*?|~/?|\$HOME/?)(?:\s|$)`), "recursive delete of root or home directory"},
	{regexp.MustCompile(`--no-preserve-root`), "delete without root protection"},
	{regexp.MustCompile(`\bof=/dev/(?:sd|hd|nvme|xvd|vd|mmcblk|disk)`), "write to raw block device"},
	{regexp.MustCompile(`>\s*/dev/(?:sd|hd|nvme|xvd|vd|mmcblk|disk)`), "redirect to raw block device"},
	{regexp.MustCompile(`\bmkfs(?:\.\w+)?\b`), "filesystem format"},
	{regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`), "fork bomb"},
	{regexp.MustCompile(`\bchmod\s+(?:-R|--recursive)\s+0?777\s+/(?:\s|$)`), "recursive world-writable root"},
	{regexp.MustCompile(`\b(?:curl|wget)\b[^|]*\|\s*(?:sudo\s+)?(?:ba|z|da|k)?sh\b`), "download piped to shell"},
	{regexp.MustCompile(`>\s*/etc/(?:passwd|shadow|sudoers|group)\b`), "overwrite of system account file"},
}

// CommandResult is the verdict for one command.
type CommandResult struct {
	Valid   bool   `json:"valid"`
	Command string `json:"command"`
	Level   Level  `json:"level"`
	Error   string `json:"error,omitempty"`
}

// CommandValidator classifies shell commands. It is stateless apart from
// its logger and safe for concurrent use.
type CommandValidator struct {
	logger *slog.Logger
}

// NewCommandValidator creates a validator. logger may be nil.
func NewCommandValidator(logger *slog.Logger) *CommandValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandValidator{logger: logger}
}

// ParseCommand splits a command line on whitespace into the executable and
// its arguments. Quotes are not interpreted.
func ParseCommand(raw string) (name string, args []string) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

// CommandLevel classifies an executable name on its own.
func CommandLevel(name string) Level {
	if isBlocked(executableName(name)) {
		return LevelBlocked
	}
	return LevelSafe
}

func executableName(name string) string {
	return path.Base(filepath.ToSlash(strings.TrimSpace(name)))
}

func isBlocked(base string) bool {
	base = strings.ToLower(base)
	if _, ok := blockedCommands[base]; ok {
		return true
	}
	return strings.HasPrefix(base, "mkfs.")
}

// Validate classifies a command line. raw may carry arguments inline; args
// are appended to them. cwd is optional.
func (v *CommandValidator) Validate(raw string, args []string, cwd string) CommandResult {
	line := strings.TrimSpace(strings.Join(append([]string{raw}, args...), " "))
	name, _ := ParseCommand(line)
	if name == "" {
		return CommandResult{Valid: false, Level: LevelBlocked, Error: "command is required"}
	}

	base := executableName(name)
	if isBlocked(base) {
		v.logger.Warn("security: blocked dangerous command", "command", base, "cwd", cwd)
		return CommandResult{
			Command: base,
			Level:   LevelBlocked,
			Error:   "Command '" + base + "' is blocked for security reasons",
		}
	}

	for _, p := range dangerousPatterns {
		if p.re.MatchString(line) {
			v.logger.Warn("security: blocked dangerous command pattern",
				"command", base, "pattern", p.desc, "cwd", cwd)
			return CommandResult{
				Command: base,
				Level:   LevelBlocked,
				Error:   "Command matches dangerous pattern: " + p.desc,
			}
		}
	}

	if cwd != "" {
		if strings.ContainsRune(cwd, 0) || strings.HasPrefix(path.Clean(filepath.ToSlash(cwd)), "../") || path.Clean(filepath.ToSlash(cwd)) == ".." {
			v.logger.Warn("security: blocked working directory", "command", base, "cwd", cwd)
			return CommandResult{
				Command: base,
				Level:   LevelBlocked,
				Error:   "Working directory must stay inside the workspace",
			}
		}
	}

	v.logger.Info("security: command validated", "command", base, "args", len(strings.Fields(line))-1, "cwd", cwd)
	return CommandResult{Valid: true, Command: base, Level: LevelSafe}
}
