package embedkv

import "time"

// StartSweeper launches a background goroutine that calls Sweep every
// interval until the returned stop function is called (spec section 5:
// "a background sweeper may close snapshots whose creation time is
// older than now − timeout"). Running it is optional — RecordManager
// itself never schedules one, so an embedder that does not call
// StartSweeper simply keeps every open snapshot alive until it is
// closed explicitly.
func (rm *RecordManager) StartSweeper(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				rm.Sweep(now)
			}
		}
	}()
	return func() { close(done) }
}
