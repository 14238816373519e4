package process

import "time"

// watch is started once per spawned process and owns the call to Wait.
func (p *Process) watch() {
	err := p.cmd.Wait()
	st := exitStatusFrom(p.cmd.ProcessState, time.Now())

	p.mu.Lock()
	p.exit = st
	p.mu.Unlock()
	close(p.done)

	p.release()
	if err != nil && st.Code == -1 && st.State == Exited {
		p.log.Warn("wait failed", "error", err)
	}
	p.log.Info("process exited", "state", st.State.String(), "code", st.Code)

	if p.onExit != nil {
		p.onExit(p)
	}
}
