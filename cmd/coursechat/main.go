// Command coursechat runs the course chat API and its maintenance commands.
package main

import "github.com/tbourn/course-rag-backend/internal/cli"

// version is set at build time with -ldflags "-X main.version=...".
var version string

func main() {
	cli.Execute(version)
}
