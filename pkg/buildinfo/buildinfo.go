package buildinfo

// Version and Revision variables are overridden at build time with Git repository information
var (
	Version  = "unset"
	Revision = "unset"
)
