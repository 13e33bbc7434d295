package supervisor

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/wudi/edgeproxy/internal/config"
	"github.com/wudi/edgeproxy/internal/logging"
)

// scheduler runs cron-triggered process starts.
type scheduler struct {
	sup  *Supervisor
	cron *cron.Cron
}

func newScheduler(sup *Supervisor) *scheduler {
	return &scheduler{sup: sup, cron: cron.New()}
}

// start registers every scheduled process and launches the cron runner.
// Timezones apply per entry via the CRON_TZ prefix.
func (sc *scheduler) start(processes []config.ProcessConfig) {
	scheduled := 0
	for _, pc := range processes {
		sched := pc.Schedule
		if sched == nil || sched.Cron == "" {
			continue
		}
		spec := sched.Cron
		if sched.Timezone != "" {
			spec = "CRON_TZ=" + sched.Timezone + " " + spec
		}
		pc := pc
		if _, err := sc.cron.AddFunc(spec, func() { sc.fire(pc) }); err != nil {
			logging.Error("invalid schedule",
				zap.String("process", pc.ID), zap.String("cron", pc.Schedule.Cron), zap.Error(err))
			continue
		}
		scheduled++
	}
	if scheduled > 0 {
		sc.cron.Start()
	}
}

func (sc *scheduler) stop() {
	sc.cron.Stop()
}

// fire starts one scheduled process, honoring skipIfRunning, and arms
// the auto-stop timer when configured.
func (sc *scheduler) fire(pc config.ProcessConfig) {
	if pc.Schedule.SkipIfRunning && sc.sup.running(pc.ID) {
		logging.Info("schedule skipped, process already running", zap.String("process", pc.ID))
		return
	}
	if sc.sup.stopped.contains(pc.ID) {
		logging.Info("schedule skipped, process is user-stopped", zap.String("process", pc.ID))
		return
	}
	if err := sc.sup.scheduledStart(pc.ID); err != nil {
		logging.Error("scheduled start failed", zap.String("process", pc.ID), zap.Error(err))
		return
	}
	if pc.Schedule.AutoStop && pc.Schedule.MaxDuration > 0 {
		time.AfterFunc(pc.Schedule.MaxDuration, func() {
			if err := sc.sup.stopInternal(pc.ID); err != nil {
				logging.Error("scheduled stop failed", zap.String("process", pc.ID), zap.Error(err))
			}
		})
	}
}
