package appinfo

// Name is the user-facing application name.
const Name = "forkchat"

// Version is overridden at build time via:
//
//	-ldflags "-X forkchat/internal/appinfo.Version=0.1.0"
var Version = "0.1.0-dev"

func Display() string {
	v := Version
	if v == "" {
		v = "dev"
	}
	return Name + " v" + v
}

// UserAgent identifies forkchat to MCP servers and HTTP backends.
func UserAgent() string {
	return Name + "/" + Version
}
