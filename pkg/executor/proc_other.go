//go:build !unix

package executor

import "os/exec"

// Without process groups only the direct child is killed on cancel.
func isolate(*exec.Cmd) {}

func killGroup(*exec.Cmd) error { return nil }
