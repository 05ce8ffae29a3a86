package bootstrap

import (
	"os"
	"strconv"
	"strings"
)

// Options is what the kernel command line tells bootstrap to do
// differently from the declaration file's defaults.
type Options struct {
	Debug            bool
	Rescue           bool
	Single           bool
	Console          string
	RunlevelOverride int // -1 means "not specified"
}

// ParseCmdline scans kernel command-line text for the tokens the
// supervisor recognizes: debug, rescue, single, finit.debug,
// console=<tty>, and a trailing bare digit selecting a runlevel.
func ParseCmdline(raw string) Options {
	opt := Options{RunlevelOverride: -1}
	for _, tok := range strings.Fields(raw) {
		switch {
		case tok == "debug" || tok == "finit.debug":
			opt.Debug = true
		case tok == "rescue":
			opt.Rescue = true
		case tok == "single":
			opt.Single = true
		case strings.HasPrefix(tok, "console="):
			opt.Console = strings.TrimPrefix(tok, "console=")
		case len(tok) == 1 && tok[0] >= '0' && tok[0] <= '9':
			n, err := strconv.Atoi(tok)
			if err == nil {
				opt.RunlevelOverride = n
			}
		}
	}
	return opt
}

// ReadCmdline loads and parses /proc/cmdline.
func ReadCmdline() (Options, error) {
	raw, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		return Options{}, err
	}
	return ParseCmdline(string(raw)), nil
}
