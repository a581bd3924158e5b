package machine

import (
	"context"
	"fmt"

	"github.com/tinyrange/ucrv32/internal/rv32"
)

// Run steps the core until the guest powers off (nil) or ctx is done
// (ctx.Err()). Restart requests and core faults reboot the machine; a
// failed reboot ends the run with that error. Boot must have been called.
func (m *Machine) Run(ctx context.Context) error {
	ips := m.cfg.Run.InstructionsPerStep

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res := m.core.Step(m.elapsed(), ips)
		switch res {
		case rv32.ResultContinue:
		case rv32.ResultIdle:
			m.idle(ctx)
			m.core.AddCycles(uint64(ips))
		case rv32.ResultTrap:
			m.logger.Info("trap", "state", m.core.DumpState())
		case rv32.ResultRestart:
			m.logger.Info("guest requested restart")
			if err := m.Boot(); err != nil {
				return err
			}
		case rv32.ResultPowerOff:
			m.logPowerOff()
			return nil
		case rv32.ResultFault:
			m.logger.Warn("core fault, restarting", "error", m.core.Err())
			if err := m.Boot(); err != nil {
				return err
			}
		default:
			m.logger.Warn("unknown step result, restarting", "result", fmt.Sprintf("0x%x", uint32(res)))
			if err := m.Boot(); err != nil {
				return err
			}
		}
	}
}

// elapsed converts the cycle counter to guest microseconds and returns
// how many passed since the previous call.
func (m *Machine) elapsed() uint32 {
	now := m.core.Cycles() / m.cfg.Run.TimeDivisor
	delta := now - m.lastTime
	m.lastTime += delta
	return uint32(delta)
}

func (m *Machine) idle(ctx context.Context) {
	d := m.cfg.Run.IdleSleep.Duration()
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-m.sleep(d):
	}
}

func (m *Machine) logPowerOff() {
	st := m.cache.Stats()
	m.logger.Info("power off",
		"cycles", m.core.Cycles(),
		"hits", st.Hits,
		"accesses", st.Accesses,
		"hit_rate", fmt.Sprintf("%.2f%%", 100*st.HitRate()))
	m.logger.Info("core state", "dump", m.core.DumpState())
}
