package util

// Set at build time with -ldflags "-X github.com/blockfort/blockfort/internal/util.AppVersion=...".
var (
	AppName    = "blockfort"
	AppVersion = "dev"
)
