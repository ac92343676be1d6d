package main

import (
	"github.com/rvfw/miralis/cmd"
)

// version and gitCommit are set from build metadata by go build's
// -ldflags "-X main.version=... -X main.gitCommit=..." options.
var version = "unknown"
var gitCommit = ""

const usage = `miralis is a software RISC-V virtual firmware monitor

miralis runs a firmware image deprivileged into U-mode under a virtual
M-mode it emulates, with an S-mode payload running above it, the two
isolated from each other and from miralis itself by PMP.

To start a new instance:

    # miralis run --firmware fw.bin --payload payload.bin --platform qemu-virt <instance-id>

Where "<instance-id>" is your name for the instance you are starting. The
name you provide must be unique under the chosen root directory.`

func main() {
	cmd.Execute("miralis", usage, version, gitCommit)
}
