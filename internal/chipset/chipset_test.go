package chipset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type recordedIRQ struct {
	line  uint8
	level bool
}

type recordingSink struct {
	calls []recordedIRQ
}

func (s *recordingSink) SetIRQ(line uint8, level bool) {
	s.calls = append(s.calls, recordedIRQ{line: line, level: level})
}

type portRecorder struct {
	writes map[uint16][]byte
}

func (p *portRecorder) ReadIOPort(port uint16, data []byte) error {
	data[0] = byte(port)
	return nil
}

func (p *portRecorder) WriteIOPort(port uint16, data []byte) error {
	if p.writes == nil {
		p.writes = make(map[uint16][]byte)
	}
	p.writes[port] = append(p.writes[port], data...)
	return nil
}

type eoiRecorder struct {
	vectors []uint32
}

func (e *eoiRecorder) HandleEOI(vector uint32) {
	e.vectors = append(e.vectors, vector)
}

func TestBuilderRejectsDuplicatePorts(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.RegisterPorts("pic", []uint16{0x20, 0x21}, &portRecorder{}))
	require.Error(t, b.RegisterPorts("pic", []uint16{0x22}, &portRecorder{}))
	require.Error(t, b.RegisterPorts("other", []uint16{0x21}, &portRecorder{}))
	require.Error(t, b.RegisterPorts("nil", []uint16{0x30}, nil))
}

func TestChipsetDispatchesPortIO(t *testing.T) {
	dev := &portRecorder{}
	b := NewBuilder()
	require.NoError(t, b.RegisterPorts("dev", []uint16{0x40}, dev))
	cs, err := b.Build()
	require.NoError(t, err)

	require.NoError(t, cs.HandlePIO(0x40, []byte{0x34}, true))
	require.Equal(t, []byte{0x34}, dev.writes[0x40])

	buf := []byte{0}
	require.NoError(t, cs.HandlePIO(0x40, buf, false))
	require.Equal(t, byte(0x40), buf[0])

	require.Error(t, cs.HandlePIO(0x41, buf, false))
}

func TestChipsetFansOutGSI(t *testing.T) {
	pic := &recordingSink{}
	ioapic := &recordingSink{}
	b := NewBuilder()
	require.NoError(t, b.RouteGSI(4, pic))
	require.NoError(t, b.RouteGSI(4, ioapic))
	require.NoError(t, b.RouteGSI(20, ioapic))
	cs, err := b.Build()
	require.NoError(t, err)

	require.Equal(t, []uint32{4, 20}, cs.RoutedGSIs())
	require.NoError(t, cs.SetGSI(4, true))
	require.Equal(t, []recordedIRQ{{line: 4, level: true}}, pic.calls)
	require.Equal(t, []recordedIRQ{{line: 4, level: true}}, ioapic.calls)

	require.Error(t, cs.SetGSI(7, true))
}

func TestLineSetForwardsOnlyLevelChanges(t *testing.T) {
	sink := &recordingSink{}
	lines := NewLineSet(sink)
	line := lines.AllocateLine(3)

	line.SetLevel(true)
	line.SetLevel(true)
	line.SetLevel(false)
	require.Equal(t, []recordedIRQ{{3, true}, {3, false}}, sink.calls)

	line.PulseInterrupt()
	require.Len(t, sink.calls, 4)
	require.False(t, lines.Level(3))
}

func TestLineSetAckCallbacks(t *testing.T) {
	lines := NewLineSet(nil)
	var acked int
	unregister := lines.RegisterAckCallback(5, func() { acked++ })

	lines.NotifyAck(4)
	require.Equal(t, 0, acked)
	lines.NotifyAck(5)
	require.Equal(t, 1, acked)

	unregister()
	lines.NotifyAck(5)
	require.Equal(t, 1, acked)
}

func TestLineSetBroadcastEOI(t *testing.T) {
	lines := NewLineSet(nil)
	target := &eoiRecorder{}
	lines.BroadcastEOI(0x31)
	lines.AttachEOITarget(target)
	lines.BroadcastEOI(0x32)
	require.Equal(t, []uint32{0x32}, target.vectors)
}
