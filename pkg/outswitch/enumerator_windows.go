package outswitch

import (
	"fmt"

	wca "github.com/moutend/go-wca"
	"go.uber.org/zap"
)

// wcaEnumerator lists render endpoints through the Core Audio device enumerator
type wcaEnumerator struct {
	logger    *zap.SugaredLogger
	apartment apartment
	policy    policySource
}

func newEnumerator(logger *zap.SugaredLogger, policy policySource) (Enumerator, error) {
	e := &wcaEnumerator{
		logger:    logger.Named("enumerator"),
		apartment: comApartment{},
		policy:    policy,
	}

	e.logger.Debug("Created WCA enumerator instance")

	return e, nil
}

func (e *wcaEnumerator) List() []AudioDevice {
	devices := []AudioDevice{}

	err := withSession(e.apartment, func() error {
		return e.withDeviceEnumerator(func(mmde *wca.IMMDeviceEnumerator) error {
			var collection *wca.IMMDeviceCollection
			if err := mmde.EnumAudioEndpoints(wca.ERender, wca.DEVICE_STATE_ACTIVE, &collection); err != nil {
				return fmt.Errorf("%w: enum audio endpoints: %w", ErrEnumeration, err)
			}
			defer collection.Release()

			var count uint32
			if err := collection.GetCount(&count); err != nil {
				return fmt.Errorf("%w: get endpoint count: %w", ErrEnumeration, err)
			}

			for idx := uint32(0); idx < count; idx++ {
				var mmd *wca.IMMDevice
				if err := collection.Item(idx, &mmd); err != nil {
					e.logger.Debugw("Failed to get endpoint from collection, skipping", "index", idx, "error", err)
					continue
				}

				if device, ok := e.describe(mmd); ok {
					devices = append(devices, device)
				}

				mmd.Release()
			}

			return nil
		})
	})

	if err != nil {
		e.logger.Warnw("Failed to enumerate audio endpoints", "error", err, "code", errorCode(err))
		return []AudioDevice{}
	}

	e.logger.Debugw("Enumerated audio endpoints", "count", len(devices))

	return devices
}

func (e *wcaEnumerator) DefaultID() (string, error) {
	var id string

	err := withSession(e.apartment, func() error {
		return e.withDeviceEnumerator(func(mmde *wca.IMMDeviceEnumerator) error {
			var mmd *wca.IMMDevice
			if err := mmde.GetDefaultAudioEndpoint(wca.ERender, uint32(e.policy.PolicySettings().Role), &mmd); err != nil {
				return fmt.Errorf("get default audio endpoint: %w", err)
			}
			defer mmd.Release()

			if err := mmd.GetId(&id); err != nil {
				return fmt.Errorf("get default endpoint id: %w", err)
			}

			return nil
		})
	})

	if err != nil {
		e.logger.Warnw("Failed to get default audio endpoint", "error", err, "code", errorCode(err))
		return "", err
	}

	return id, nil
}

func (e *wcaEnumerator) withDeviceEnumerator(fn func(mmde *wca.IMMDeviceEnumerator) error) error {
	var mmde *wca.IMMDeviceEnumerator

	if err := wca.CoCreateInstance(
		wca.CLSID_MMDeviceEnumerator,
		0,
		wca.CLSCTX_ALL,
		wca.IID_IMMDeviceEnumerator,
		&mmde,
	); err != nil {
		return fmt.Errorf("%w: create device enumerator: %w", ErrEnumeration, err)
	}
	defer mmde.Release()

	return fn(mmde)
}

// describe reads an endpoint's ID and friendly name. an unreadable name degrades the
// record, an unreadable ID drops it entirely
func (e *wcaEnumerator) describe(mmd *wca.IMMDevice) (AudioDevice, bool) {
	var id string
	if err := mmd.GetId(&id); err != nil || id == "" {
		e.logger.Debugw("Endpoint has no readable ID, skipping", "error", err)
		return AudioDevice{}, false
	}

	device := AudioDevice{ID: id}

	var propertyStore *wca.IPropertyStore
	if err := mmd.OpenPropertyStore(wca.STGM_READ, &propertyStore); err != nil {
		e.logger.Debugw("Failed to open endpoint property store", "id", id, "error", err)
		return device, true
	}
	defer propertyStore.Release()

	var value wca.PROPVARIANT
	if err := propertyStore.GetValue(&wca.PKEY_Device_FriendlyName, &value); err != nil {
		e.logger.Debugw("Failed to read endpoint friendly name", "id", id, "error", err)
		return device, true
	}

	device.Name = value.String()

	return device, true
}
