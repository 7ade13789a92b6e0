package main

import gateway "github.com/whisper-darkly/sticky-gateway"

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	gateway.RunCLI(version, commit)
}
