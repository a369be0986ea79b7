// Termissh-relay owns one SSH connection and one interactive PTY shell on
// behalf of termissh. Each terminal tab runs its own relay process.
//
// This binary is not invoked directly by users. termissh spawns it with no
// positional arguments and writes a Hello frame carrying the target host,
// auth reference and initial terminal size as the first frame on stdin.
// From then on stdin and stdout carry the framed protocol defined in
// termissh/pkg/relayproto; stderr carries structured logs, which termissh
// forwards into its own log.
//
// Exit status is 0 after a clean close and 1 after a connection or protocol
// error, in which case the last frame written was Control(Error).
//
// Environment variables:
//
//	TERMISSH_RELAY_LOG_LEVEL  default for --log-level
//	SSH_AUTH_SOCK             ssh-agent socket used for "agent" auth
package main

import (
	"os"

	"termissh/pkg/relay"
)

func main() {
	os.Exit(relay.Main(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
