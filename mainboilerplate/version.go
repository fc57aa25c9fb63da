package mainboilerplate

// Version and BuildDate are stamped by the release build via -ldflags and
// reported in CLI help and error output.
var (
	Version   = "dev"
	BuildDate = "unknown"
)
