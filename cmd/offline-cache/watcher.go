package main

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// watchManifest redeploys when the manifest file changes. Editors and
// deploy tooling replace files with rename/remove dances, so events are
// debounced and the path re-added before deploying.
func watchManifest(path string, logger zerolog.Logger, redeploy func()) {
	log := logger.With().Str("component", "watch").Str("file", path).Logger()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Error().Err(err).Msg("Could not create manifest watcher")
		return
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		log.Error().Err(err).Msg("Could not watch manifest file")
		return
	}
	log.Info().Msg("Watching manifest for changes")

	timer := time.NewTimer(0)
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	resetTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(2 * time.Second)
	}

	needReWatch := false
	for {
		select {
		case e, ok := <-watcher.Events:
			if !ok {
				timer.Stop()
				return
			}
			if e.Has(fsnotify.Chmod) {
				continue
			}
			log.Debug().Str("op", e.Op.String()).Msg("Manifest event")
			if e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename) {
				needReWatch = true
			}
			resetTimer()

		case <-timer.C:
			if needReWatch {
				needReWatch = false
				_ = watcher.Remove(path)
				if err := watcher.Add(path); err != nil {
					log.Warn().Err(err).Msg("Could not re-watch manifest file")
				}
			}
			log.Info().Msg("Manifest changed, redeploying")
			redeploy()

		case err, ok := <-watcher.Errors:
			if !ok {
				timer.Stop()
				return
			}
			log.Error().Err(err).Msg("Manifest watcher error")
		}
	}
}
