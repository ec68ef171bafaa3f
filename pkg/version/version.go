package version

import "strings"

var (
	Program      = "kiwi"
	ProgramUpper = strings.ToUpper(Program)
	Version      = "dev"
	GitCommit    = "HEAD"
)
