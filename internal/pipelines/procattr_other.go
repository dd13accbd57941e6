//go:build !unix

package pipelines

import "os/exec"

func configureProcess(*exec.Cmd) {}
