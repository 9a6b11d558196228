package outswitch

import (
	"context"
	"sync"

	"github.com/getlantern/systray"

	"github.com/stalexteam/outswitch/pkg/outswitch/util"
)

const (
	// systray can't remove items, so device and favorite entries come from fixed pools that get shown/hidden
	trayDeviceSlots   = 16
	trayFavoriteSlots = 8
)

type traySlot struct {
	item *systray.MenuItem

	deviceID string
	lock     sync.Mutex
}

func (slot *traySlot) bind(id string) {
	slot.lock.Lock()
	slot.deviceID = id
	slot.lock.Unlock()
}

func (slot *traySlot) boundID() string {
	slot.lock.Lock()
	defer slot.lock.Unlock()

	return slot.deviceID
}

func (o *Outswitch) initializeTray(onDone func()) {
	logger := o.logger.Named("tray")

	onReady := func() {
		logger.Debug("Tray instance ready")

		systray.SetTitle("outswitch")
		systray.SetTooltip("outswitch")

		favorites := make([]*traySlot, trayFavoriteSlots)
		for idx := range favorites {
			favorites[idx] = &traySlot{item: systray.AddMenuItem("", "Make this favorite the default output")}
			favorites[idx].item.Hide()
		}

		systray.AddSeparator()

		devices := make([]*traySlot, trayDeviceSlots)
		for idx := range devices {
			devices[idx] = &traySlot{item: systray.AddMenuItem("", "Make this device the default output")}
			devices[idx].item.Hide()
		}

		systray.AddSeparator()

		refreshDevices := systray.AddMenuItem("Refresh devices", "Re-scan active audio outputs")
		editConfig := systray.AddMenuItem("Edit configuration", "Open config file with notepad")

		var dumpStack *systray.MenuItem
		if o.verbose {
			dumpStack = systray.AddMenuItem("Dump stack trace", "Output all goroutines stack trace to log (for debugging deadlocks)")
		}

		if o.version != "" {
			systray.AddSeparator()
			versionInfo := systray.AddMenuItem(o.version, "")
			versionInfo.Disable()
		}

		systray.AddSeparator()
		quit := systray.AddMenuItem("Quit", "Stop outswitch and quit")

		refresh := func() {
			o.refreshTrayFavorites(favorites)
			o.refreshTrayDevices(devices)
		}

		for _, slot := range append(favorites, devices...) {
			go o.watchTraySlot(slot)
		}

		// wait on things to happen
		go func() {
			defaultChanges := o.selector.SubscribeToChanges()
			configReloads := o.config.SubscribeToChanges()

			refresh()

			for {
				select {

				// quit
				case <-quit.ClickedCh:
					logger.Info("Quit menu item clicked, stopping")

					o.signalStop()

				// edit config
				case <-editConfig.ClickedCh:
					logger.Info("Edit config menu item clicked, opening config for editing")

					if _, err := o.config.WriteDefaultConfig(); err != nil {
						logger.Warnw("Failed to create default config file", "error", err)
					}

					if err := util.OpenInEditor(logger, o.config.ConfigFilepath()); err != nil {
						logger.Warnw("Failed to open config file for editing", "error", err)
					}

				// refresh devices
				case <-refreshDevices.ClickedCh:
					logger.Info("Refresh devices menu item clicked, re-enumerating")
					refresh()

				case _, ok := <-defaultChanges:
					if !ok {
						return
					}
					refresh()

				case _, ok := <-configReloads:
					if !ok {
						return
					}
					refresh()
				}
			}
		}()

		if dumpStack != nil {
			go func() {
				for {
					<-dumpStack.ClickedCh
					logger.Info("Dump stack trace menu item clicked, outputting all goroutines stack trace")
					util.DumpAllGoroutines(logger)
				}
			}()
		}

		// actually start the main runtime
		onDone()
	}

	onExit := func() {
		logger.Debug("Tray exited")
	}

	// start the tray icon
	logger.Debug("Running in tray")
	systray.Run(onReady, onExit)
}

func (o *Outswitch) stopTray() {
	o.logger.Debug("Quitting tray")
	systray.Quit()
}

func (o *Outswitch) watchTraySlot(slot *traySlot) {
	for range slot.item.ClickedCh {
		id := slot.boundID()
		if id == "" {
			continue
		}

		device, err := o.selector.SelectByID(context.Background(), id)
		if err != nil {
			o.logger.Warnw("Failed to switch output from tray", "id", id, "error", err)
			o.notifier.Notify("Can't switch audio output!", err.Error())
			continue
		}

		o.logger.Infow("Switched output from tray", "device", device)
	}
}

func (o *Outswitch) refreshTrayDevices(slots []*traySlot) {
	devices := o.selector.List()
	defaultID, _ := o.selector.Default()

	if len(devices) > len(slots) {
		o.logger.Warnw("More devices than tray slots, some won't be listed", "devices", len(devices), "slots", len(slots))
	}

	for idx, slot := range slots {
		if idx >= len(devices) {
			slot.bind("")
			slot.item.Hide()
			continue
		}

		device := devices[idx]
		title := device.Name
		if title == "" {
			title = device.ID
		}

		slot.bind(device.ID)
		slot.item.SetTitle(title)
		setTrayChecked(slot.item, device.ID == defaultID)
		slot.item.Show()
	}
}

func (o *Outswitch) refreshTrayFavorites(slots []*traySlot) {
	favorites := o.config.Favorites()
	defaultID, _ := o.selector.Default()

	for idx, slot := range slots {
		if idx >= len(favorites) {
			slot.bind("")
			slot.item.Hide()
			continue
		}

		favorite := favorites[idx]
		title := favorite.Name
		if title == "" {
			title = favorite.ID
		}

		slot.bind(favorite.ID)
		slot.item.SetTitle("★ " + title)
		setTrayChecked(slot.item, favorite.ID == defaultID)
		slot.item.Show()
	}
}

func setTrayChecked(item *systray.MenuItem, checked bool) {
	if checked {
		item.Check()
	} else {
		item.Uncheck()
	}
}
