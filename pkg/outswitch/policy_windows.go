package outswitch

import (
	"fmt"
	"runtime"
	"syscall"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	wca "github.com/moutend/go-wca"
	"go.uber.org/zap"
)

func newBridge(logger *zap.SugaredLogger, source policySource) (*policyBridge, error) {
	for _, candidate := range source.PolicySettings().Candidates {
		if err := candidate.Validate(); err != nil {
			return nil, fmt.Errorf("validate policy candidates: %w", err)
		}
	}

	return newPolicyBridge(logger, comPolicyRuntime{}, comApartment{}, source, DefaultPolicyCandidates()), nil
}

// comPolicyRuntime instantiates policy config candidates through CoCreateInstance
type comPolicyRuntime struct{}

func (comPolicyRuntime) instantiate(candidate PolicyCandidate) (policyInstance, error) {
	clsid := ole.NewGUID(candidate.CLSID)
	if clsid == nil {
		return nil, fmt.Errorf("parse clsid %s", candidate.CLSID)
	}

	iid := ole.NewGUID(candidate.IID)
	if iid == nil {
		return nil, fmt.Errorf("parse iid %s", candidate.IID)
	}

	var unknown *ole.IUnknown
	if err := wca.CoCreateInstance(clsid, 0, wca.CLSCTX_ALL, iid, &unknown); err != nil {
		return nil, fmt.Errorf("create policy config instance: %w", err)
	}

	if unknown == nil {
		return nil, errNilPolicyInstance
	}

	return &comPolicyInstance{
		unknown: unknown,
		slot:    candidate.SetDefaultEndpointSlot,
	}, nil
}

// comPolicyInstance calls SetDefaultEndpoint by raw vtable slot, since the interface has no published binding.
// signature: HRESULT SetDefaultEndpoint(this, LPCWSTR deviceId, ERole role)
type comPolicyInstance struct {
	unknown *ole.IUnknown
	slot    int
}

func (p *comPolicyInstance) setDefaultEndpoint(endpointID string, role Role) error {
	id, err := syscall.UTF16PtrFromString(endpointID)
	if err != nil {
		return fmt.Errorf("encode endpoint id: %w", err)
	}

	hr, _, _ := syscall.SyscallN(
		vtableEntry(p.unknown, p.slot),
		uintptr(unsafe.Pointer(p.unknown)),
		uintptr(unsafe.Pointer(id)),
		uintptr(role),
	)

	runtime.KeepAlive(id)

	if uint32(hr) != 0 {
		return ole.NewError(hr)
	}

	return nil
}

func (p *comPolicyInstance) release() {
	p.unknown.Release()
}

// vtableEntry reads the function pointer stored at the given slot of a COM object's vtable
func vtableEntry(unknown *ole.IUnknown, slot int) uintptr {
	vtable := unsafe.Pointer(unknown.RawVTable)
	return *(*uintptr)(unsafe.Add(vtable, slot*int(unsafe.Sizeof(uintptr(0)))))
}
