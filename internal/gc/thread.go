package gc

import "time"

// increaseSleep doubles the wait, clamped to MaxSleep.
func increaseSleep(o Options, d time.Duration) time.Duration {
	d *= 2
	if d > o.MaxSleep {
		d = o.MaxSleep
	}
	return d
}

// decreaseSleep halves the wait, clamped to MinSleep.
func decreaseSleep(o Options, d time.Duration) time.Duration {
	d /= 2
	if d < o.MinSleep {
		d = o.MinSleep
	}
	return d
}

// StartBackground launches the background GC worker. Calling it on a
// running manager is a no-op.
func (m *Manager) StartBackground() {
	m.wmu.Lock()
	if m.running {
		m.wmu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.wmu.Unlock()

	go m.bgLoop()
}

// StopBackground stops the worker and waits for it to exit. In-flight
// I/O is left to complete.
func (m *Manager) StopBackground() {
	m.wmu.Lock()
	if !m.running {
		m.wmu.Unlock()
		return
	}
	close(m.stopCh)
	m.wmu.Unlock()

	<-m.doneCh

	m.wmu.Lock()
	m.running = false
	m.wmu.Unlock()
}

// WaitTime returns the worker's current sleep interval.
func (m *Manager) WaitTime() time.Duration {
	return time.Duration(m.waitNs.Load())
}

// bgLoop is the background driver. Each iteration it waits, then runs
// one cycle. The wait adapts: busy I/O backs off, plentiful invalid
// blocks speed up, and a victimless cycle parks at NoGCSleep until
// collection succeeds again.
func (m *Manager) bgLoop() {
	defer close(m.doneCh)

	wait := m.opts.MinSleep
	m.waitNs.Store(int64(wait))

	for {
		if m.host.TryToFreeze() {
			continue
		}
		select {
		case <-m.stopCh:
			return
		case <-time.After(wait):
		}
		select {
		case <-m.stopCh:
			return
		default:
		}

		wait = m.bgCycle(wait)
		m.waitNs.Store(int64(wait))
	}
}

// bgCycle runs one background cycle and returns the next wait. A cycle
// balances the filesystem, then collects once if background GC is
// enabled, the GC lock is free and the I/O subsystem is idle.
func (m *Manager) bgCycle(wait time.Duration) time.Duration {
	m.cp.BalanceFS()

	if !m.opts.BackgroundGC {
		return wait
	}

	// GC hurts concurrent I/O, and freshly dirtied segments may be
	// invalidated again soon; only collect when the system is quiet.
	if !m.gcMu.TryLock() {
		return wait
	}
	if !m.host.Idle() {
		m.gcMu.Unlock()
		if wait != m.opts.NoGCSleep {
			wait = increaseSleep(m.opts, wait)
		}
		return wait
	}

	// The NoGCSleep sentinel is sticky: only a collection outcome moves
	// the wait off it.
	if wait != m.opts.NoGCSleep {
		if m.seg.HasEnoughInvalidBlocks() {
			wait = decreaseSleep(m.opts, wait)
		} else {
			wait = increaseSleep(m.opts, wait)
		}
	}

	m.bgGCRuns.Add(1)
	if m.met != nil {
		m.met.IncBackgroundRuns()
	}

	if st := m.Run(1); st == StatusNone {
		wait = m.opts.NoGCSleep
	} else if wait == m.opts.NoGCSleep {
		wait = m.opts.MaxSleep
	}

	m.log.Debug("background gc cycle",
		"status", m.LastStatus().String(),
		"wait", wait,
		"free_sections", m.seg.FreeSections(),
	)
	return wait
}
