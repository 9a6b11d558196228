package outswitch

import (
	"errors"

	ole "github.com/go-ole/go-ole"
)

const (

	// the thread already had a compatible apartment; we still hold a reference and must release it
	hresultSFalse = 0x00000001

	// the thread already had an incompatible apartment established by someone else
	hresultRPCEChangedMode = 0x80010106
)

// comApartment brackets calls with CoInitializeEx/CoUninitialize in the single-threaded apartment model
type comApartment struct{}

func (comApartment) acquire() (bool, error) {
	err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED)
	if err == nil {
		return true, nil
	}

	var oleErr *ole.OleError
	if errors.As(err, &oleErr) {
		switch uint32(oleErr.Code()) {
		case hresultSFalse:
			return true, nil
		case hresultRPCEChangedMode:
			return false, nil
		}
	}

	return false, err
}

func (comApartment) release() {
	ole.CoUninitialize()
}
