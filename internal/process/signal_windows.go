//go:build windows

package process

import (
	"errors"
	"os"
)

// Windows has no polite termination signal for console-less children, so
// both steps end the process.
func terminate(p *os.Process) error { return kill(p) }

func kill(p *os.Process) error {
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
