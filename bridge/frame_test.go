package bridge

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relativecompanies/netbridge/buffer"
)

var (
	testDst = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	testSrc = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
)

func TestFramesIsPerStackSingleton(t *testing.T) {
	s := newFakeStack()
	f := Frames(s)
	require.NotNil(t, s.frameHook, "first use installs the hook")
	assert.Same(t, f, Frames(s))
	assert.NotSame(t, f, Frames(newFakeStack()))
	assert.Equal(t, 1518, f.MaxFrameLen())
}

func TestReleaseFramesDropsChannel(t *testing.T) {
	s := newFakeStack()
	f := Frames(s)
	s.frameHook(buffer.NewChain([]byte{0x01, 0x02}))

	ReleaseFrames(s)
	assert.Nil(t, s.frameHook)
	assert.Equal(t, 0, f.ParseFrame(), "unclaimed frame is discarded")
	frameChannelsMu.Lock()
	_, exists := frameChannels[s]
	frameChannelsMu.Unlock()
	assert.False(t, exists)

	assert.NotSame(t, f, Frames(s))
	ReleaseFrames(s)
	ReleaseFrames(s)
}

func TestFrameBuildScenario(t *testing.T) {
	s := newFakeStack()
	f := Frames(s)

	f.BeginEthernetFrame(testDst, testSrc, 0x0800)
	assert.Equal(t, 2, f.Write([]byte{0xAA, 0xBB}))
	require.True(t, f.EndFrame())

	want := append(append(append([]byte{}, testDst...), testSrc...), 0x08, 0x00, 0xAA, 0xBB)
	require.Len(t, s.frames, 1)
	assert.Equal(t, want, s.frames[0])
}

func TestFrameBuildVLAN(t *testing.T) {
	s := newFakeStack()
	f := Frames(s)

	f.BeginVLANFrame(testDst, testSrc, 0x0064, 0x0806)
	f.PutByte(0x01)
	require.True(t, f.EndFrame())

	got := s.frames[0]
	require.Len(t, got, 19)
	assert.Equal(t, []byte{0x81, 0x00, 0x00, 0x64, 0x08, 0x06, 0x01}, got[12:])
}

func TestFrameShortMACIsPadded(t *testing.T) {
	s := newFakeStack()
	f := Frames(s)

	f.BeginEthernetFrame(net.HardwareAddr{0x01, 0x02}, nil, 0x88b5)
	require.True(t, f.EndFrame())
	assert.Equal(t, []byte{1, 2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x88, 0xb5}, s.frames[0])
}

func TestFrameBuilderRequiresBegin(t *testing.T) {
	s := newFakeStack()
	f := Frames(s)

	assert.Equal(t, 0, f.Write([]byte{1}))
	assert.Equal(t, 0, f.PutByte(1))
	assert.False(t, f.EndFrame())

	f.BeginFrame()
	require.True(t, f.Send([]byte{1}))
	f.Write([]byte{2, 3})
	require.True(t, f.EndFrame())
	assert.False(t, f.EndFrame())
	assert.Equal(t, [][]byte{{1}, {2, 3}}, s.frames)
}

func TestFrameSend(t *testing.T) {
	s := newFakeStack()
	f := Frames(s)

	assert.False(t, f.Send(nil))
	assert.True(t, f.Send([]byte{0xde, 0xad}))
	s.frameErr = ErrNoMemory
	assert.False(t, f.Send([]byte{0xbe, 0xef}))
	assert.Equal(t, [][]byte{{0xde, 0xad}}, s.frames)
}

func TestFrameParse(t *testing.T) {
	s := newFakeStack()
	f := Frames(s)

	assert.Equal(t, 0, f.ParseFrame())
	assert.Equal(t, 1, s.polls, "every parse services the stack")
	assert.Equal(t, -1, f.NextByte())

	s.frameHook(buffer.NewChain([]byte{0x01, 0x02}, []byte{0x88, 0xb5}))
	require.Equal(t, 4, f.ParseFrame())
	assert.Equal(t, 2, s.polls)
	assert.Equal(t, 0x01, f.PeekByte())

	buf := make([]byte, 3)
	require.Equal(t, 3, f.Read(buf))
	assert.Equal(t, []byte{0x01, 0x02, 0x88}, buf)
	assert.Equal(t, 1, f.Available())

	f.Flush()
	assert.Equal(t, 0, f.Available())
	assert.Equal(t, 0, f.ParseFrame(), "a frame is claimed once")
}

func TestFrameLatestWins(t *testing.T) {
	s := newFakeStack()
	f := Frames(s)

	s.frameHook(buffer.NewChain([]byte{1}))
	s.frameHook(buffer.NewChain([]byte{2, 2}))
	s.frameHook(nil)

	require.Equal(t, 2, f.ParseFrame())
	assert.Equal(t, 2, f.NextByte())
	assert.Equal(t, uint64(1), f.Dropped())
}

func TestFrameParseSeesArrivalDuringPoll(t *testing.T) {
	s := newFakeStack()
	f := Frames(s)
	s.onPoll = func() { s.frameHook(buffer.NewChain([]byte{7})) }

	// The claim happens before the stack is serviced, so the frame delivered
	// by this poll is picked up by the next parse.
	assert.Equal(t, 0, f.ParseFrame())
	s.onPoll = nil
	assert.Equal(t, 1, f.ParseFrame())
	assert.Equal(t, 7, f.NextByte())
}
