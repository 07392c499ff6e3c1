package chipset

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/irqcore/internal/hv"
)

type testReadySink struct {
	level   bool
	changes int
}

func (s *testReadySink) SetLevel(level bool) {
	s.level = level
	s.changes++
}

func (s *testReadySink) PulseInterrupt() {}

func TestDualPICInitialization(t *testing.T) {
	pic, sink := initializedPIC(t)

	require.Equal(t, initInitialized, pic.pics[0].initStage)
	require.Equal(t, initInitialized, pic.pics[1].initStage)
	require.False(t, sink.level, "ready line unexpectedly high after initialization")
	require.False(t, pic.OutputAsserted())
}

func TestDualPICEdgeInterruptPrimary(t *testing.T) {
	pic, sink := initializedPIC(t)
	const irqLine = 0

	pic.SetIRQ(irqLine, true)
	require.True(t, sink.level)
	require.True(t, pic.OutputAsserted())

	require.Equal(t, hv.Vector(0x30+irqLine), pic.ReadAndAck())
	require.False(t, pic.OutputAsserted(), "edge request is consumed by the acknowledge")

	pic.SetIRQ(irqLine, false)
	sendEOI(t, pic, irqLine)
	require.Zero(t, pic.State().Primary.ISR)
}

func TestDualPICEdgeInterruptSecondary(t *testing.T) {
	pic, sink := initializedPIC(t)
	const irqLine = 10

	pic.SetIRQ(irqLine, true)
	require.True(t, sink.level)

	requested, vec := pic.Acknowledge()
	require.True(t, requested)
	require.Equal(t, uint8(0x38+irqLine-8), vec)

	pic.SetIRQ(irqLine, false)
	sendEOI(t, pic, irqLine)
	require.Equal(t, uint64(1), pic.Stats().PerIRQ[irqLine])
}

func TestDualPICLatchesPulsedEdge(t *testing.T) {
	pic, _ := initializedPIC(t)

	pic.SetIRQ(0, true)
	pic.SetIRQ(0, false)
	require.True(t, pic.OutputAsserted(), "a pulse stays requested after the line drops")
	require.Equal(t, hv.Vector(0x30), pic.ReadAndAck())
	require.False(t, pic.OutputAsserted())

	sendEOI(t, pic, 0)
	pic.SetIRQ(0, true)
	pic.SetIRQ(0, true)
	require.Equal(t, hv.Vector(0x30), pic.ReadAndAck())
	sendEOI(t, pic, 0)
	require.False(t, pic.OutputAsserted(), "holding the line high is a single edge")
}

func TestDualPICSpuriousAcknowledge(t *testing.T) {
	pic, _ := initializedPIC(t)

	require.Equal(t, hv.Vector(0x30+picSpuriousIRQ), pic.ReadAndAck())
	require.Equal(t, uint64(1), pic.Stats().Spurious)
}

func TestDualPICMaskedLineDoesNotAssert(t *testing.T) {
	pic, sink := initializedPIC(t)
	require.NoError(t, pic.WriteIOPort(primaryPicDataPort, []byte{0x01}))

	pic.SetIRQ(0, true)
	require.False(t, sink.level)

	require.NoError(t, pic.WriteIOPort(primaryPicDataPort, []byte{0x00}))
	require.True(t, sink.level)
}

func TestDualPICLevelTriggeredReassertsUntilLineDrops(t *testing.T) {
	pic, _ := initializedPIC(t)
	require.NoError(t, pic.WriteIOPort(primaryPicELCRPort, []byte{1 << 5}))

	pic.SetIRQ(5, true)
	require.Equal(t, hv.Vector(0x35), pic.ReadAndAck())
	require.False(t, pic.OutputAsserted(), "in-service line blocks itself")

	sendEOI(t, pic, 5)
	require.True(t, pic.OutputAsserted(), "level line still high after EOI")

	pic.SetIRQ(5, false)
	require.False(t, pic.OutputAsserted())
}

func TestDualPICEOINotifiesAck(t *testing.T) {
	pic, _ := initializedPIC(t)
	acks := &ackRecorder{}
	acks.fn = func(gsi uint32) { pic.SetIRQ(uint8(gsi), false) }
	pic.SetAckNotifier(acks)
	require.NoError(t, pic.WriteIOPort(secondaryPicELCRPort, []byte{1 << 3}))

	pic.SetIRQ(11, true)
	require.Equal(t, hv.Vector(0x3b), pic.ReadAndAck())

	sendEOI(t, pic, 11)
	require.Equal(t, []uint32{11}, acks.gsis, "cascade EOI on the primary is not reported")
	require.False(t, pic.OutputAsserted())
}

func TestDualPICAutoEOINotifiesOnAcknowledge(t *testing.T) {
	pic := NewDualPIC(nil)
	acks := &ackRecorder{}
	pic.SetAckNotifier(acks)
	program(t, pic, 0x03)

	pic.SetIRQ(1, true)
	require.Equal(t, hv.Vector(0x31), pic.ReadAndAck())
	require.Equal(t, []uint32{1}, acks.gsis)
	require.Zero(t, pic.State().Primary.ISR)
}

func TestDualPICPollCommand(t *testing.T) {
	pic, _ := initializedPIC(t)
	pic.SetIRQ(3, true)

	require.NoError(t, pic.WriteIOPort(primaryPicCommandPort, []byte{0x0c}))
	buf := []byte{0}
	require.NoError(t, pic.ReadIOPort(primaryPicCommandPort, buf))
	require.Equal(t, byte(0x83), buf[0])
	require.Equal(t, byte(1<<3), pic.State().Primary.ISR)
}

func TestDualPICReadyLineSeesOnlyTransitions(t *testing.T) {
	pic, sink := initializedPIC(t)
	before := sink.changes

	pic.SetIRQ(0, true)
	pic.SetIRQ(1, true)
	require.Equal(t, before+1, sink.changes)
}

func initializedPIC(t *testing.T) (*DualPIC, *testReadySink) {
	t.Helper()
	sink := &testReadySink{}
	pic := NewDualPIC(nil)
	pic.SetReadyLine(sink)
	program(t, pic, 0x01)
	return pic, sink
}

func program(t *testing.T, pic *DualPIC, icw4 byte) {
	t.Helper()
	writes := []struct {
		port uint16
		data byte
	}{
		{primaryPicCommandPort, 0x11},
		{primaryPicDataPort, 0x30},
		{primaryPicDataPort, 0x04},
		{primaryPicDataPort, icw4},
		{secondaryPicCommandPort, 0x11},
		{secondaryPicDataPort, 0x38},
		{secondaryPicDataPort, 0x02},
		{secondaryPicDataPort, icw4},
		{primaryPicDataPort, 0x00},
		{secondaryPicDataPort, 0x00},
	}
	for _, w := range writes {
		require.NoError(t, pic.WriteIOPort(w.port, []byte{w.data}))
	}
}

func sendEOI(t *testing.T, pic *DualPIC, irq uint8) {
	t.Helper()
	if irq >= 8 {
		require.NoError(t, pic.WriteIOPort(secondaryPicCommandPort, []byte{0x60 | ((irq - 8) & picIRQMask)}))
		require.NoError(t, pic.WriteIOPort(primaryPicCommandPort, []byte{0x60 | picChainCommunicationIRQ}))
		return
	}
	require.NoError(t, pic.WriteIOPort(primaryPicCommandPort, []byte{0x60 | (irq & picIRQMask)}))
}
