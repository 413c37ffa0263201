package hostmgmt

import (
	"errors"
	"testing"

	"github.com/oshpc/laasd/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeManager struct {
	name    string
	fail    bool
	calls   *[]string
}

func (f *fakeManager) record(op string) error {
	*f.calls = append(*f.calls, f.name+":"+op)
	if f.fail {
		return errors.New(f.name + " failed")
	}
	return nil
}

func (f *fakeManager) PowerOn(types.Host) error  { return f.record("PowerOn") }
func (f *fakeManager) PowerOff(types.Host) error { return f.record("PowerOff") }
func (f *fakeManager) PowerReset(types.Host) error { return f.record("PowerReset") }
func (f *fakeManager) PowerQuery(types.Host) (PowerState, error) {
	return PowerOn, f.record("PowerQuery")
}
func (f *fakeManager) SetPersistentBootOrder(types.Host, BootTarget) error {
	return f.record("SetPersistentBootOrder")
}
func (f *fakeManager) SetOneTimeBoot(types.Host, BootTarget) error { return f.record("SetOneTimeBoot") }
func (f *fakeManager) CreateLocalUser(types.Host, string, string) error {
	return f.record("CreateLocalUser")
}

func TestDispatcherRoutesAarch64StraightToIPMI(t *testing.T) {
	var calls []string
	ilo := &fakeManager{name: "ilo", calls: &calls}
	ipmi := &fakeManager{name: "ipmi", calls: &calls}
	d := newDispatcherWith(ilo, ipmi)

	host := types.Host{Arch: types.ArchAarch64}
	require.NoError(t, d.PowerOn(host))
	require.Equal(t, []string{"ipmi:PowerOn"}, calls)
}

func TestDispatcherTriesIloFirstForX86(t *testing.T) {
	var calls []string
	ilo := &fakeManager{name: "ilo", calls: &calls}
	ipmi := &fakeManager{name: "ipmi", calls: &calls}
	d := newDispatcherWith(ilo, ipmi)

	host := types.Host{Arch: types.ArchX86_64}
	require.NoError(t, d.SetPersistentBootOrder(host, BootNetwork))
	require.Equal(t, []string{"ilo:SetPersistentBootOrder"}, calls)
}

func TestDispatcherFallsBackToIPMIWhenIloFails(t *testing.T) {
	var calls []string
	ilo := &fakeManager{name: "ilo", fail: true, calls: &calls}
	ipmi := &fakeManager{name: "ipmi", calls: &calls}
	d := newDispatcherWith(ilo, ipmi)

	host := types.Host{Arch: types.ArchX86}
	require.NoError(t, d.PowerOn(host))
	require.Equal(t, []string{"ilo:PowerOn", "ipmi:PowerOn"}, calls)
}
