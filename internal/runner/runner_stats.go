package runner

import (
	"time"

	"squill/internal/oracle"
	"squill/internal/util"
)

func (r *Runner) bumpOutcome(outcome oracle.Outcome) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	r.samplesDone++
	switch outcome {
	case oracle.Pass:
		r.passCount++
	case oracle.Fail:
		r.failCount++
	case oracle.Inconclusive:
		r.inconclusive++
	}
}

func (r *Runner) bumpBackendFailure() {
	r.statsMu.Lock()
	r.backendFails++
	r.statsMu.Unlock()
}

// startStatsLogger emits a progress line every report interval. The returned
// stop function must be called before the run's final log lines.
func (r *Runner) startStatsLogger() func() {
	interval := time.Duration(r.cfg.Logging.ReportIntervalSeconds) * time.Second
	if interval <= 0 {
		return func() {}
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		var lastSamples int
		for {
			select {
			case <-ticker.C:
				r.statsMu.Lock()
				casesDone := r.casesDone
				casesTotal := r.casesTotal
				samplesDone := r.samplesDone
				samplesTotal := r.samplesTotal
				pass := r.passCount
				fail := r.failCount
				inconclusive := r.inconclusive
				backendFails := r.backendFails
				r.statsMu.Unlock()
				delta := samplesDone - lastSamples
				lastSamples = samplesDone
				if delta > 0 {
					util.Infof("progress cases=%d/%d samples=%d/%d (+%d) pass=%d fail=%d inconclusive=%d backend_failures=%d",
						casesDone, casesTotal, samplesDone, samplesTotal, delta, pass, fail, inconclusive, backendFails)
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}
