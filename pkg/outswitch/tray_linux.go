package outswitch

// the tray needs cgo and gtk on linux, so we run headless there
func (o *Outswitch) initializeTray(onDone func()) {
	o.logger.Named("tray").Info("Tray icon isn't supported on this platform, running headless")
	onDone()
}

func (o *Outswitch) stopTray() {}
