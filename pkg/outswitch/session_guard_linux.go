package outswitch

// noopApartment is used where the audio services carry no per-thread threading model
type noopApartment struct{}

func (noopApartment) acquire() (bool, error) { return false, nil }
func (noopApartment) release()               {}
