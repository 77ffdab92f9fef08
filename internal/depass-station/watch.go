package station

import (
	"context"
	"path/filepath"

	"github.com/depassivation-station/depassivation-controller/internal/config"
	"github.com/google/go-cmp/cmp"
	"github.com/rjeczalik/notify"
)

// watchConfig reloads the config file whenever it is written and hands
// changed configs to the control loop. The loop decides when to apply them.
func (s *Station) watchConfig(ctx context.Context) error {
	fsEvents := make(chan notify.EventInfo, 1)
	if err := notify.Watch(s.configDir, fsEvents, notify.InCloseWrite, notify.InMovedTo); err != nil {
		return err
	}
	configFile := filepath.Base(config.Path(s.configDir))
	last := *s.cfg

	go func() {
		defer notify.Stop(fsEvents)
		for {
			var ei notify.EventInfo
			select {
			case <-ctx.Done():
				return
			case ei = <-fsEvents:
			}
			if filepath.Base(ei.Path()) != configFile {
				continue
			}

			newConfig, err := config.Load(s.configDir)
			if err != nil {
				log.Error("error reloading config:", err)
				continue
			}
			diff := cmp.Diff(last, *newConfig)
			if diff == "" {
				log.Info("No relevant changes detected in config file.")
				continue
			}
			log.Debug("Config diff:", diff)
			last = *newConfig

			select {
			case s.configs <- newConfig:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
