package rtsp

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// pipeSender feeds frames straight into the peer controller.
type pipeSender struct {
	peer *Controller
}

func (s *pipeSender) Send(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	s.peer.OnData(buf)
	return nil
}

type recordingListener struct {
	mu       sync.Mutex
	setups   []SetupInfo
	plays    []int
	pauses   int
	tears    int
	params   []string
	reply    string
	triggers []msgTrigger
	gone     int
	errs     []msgError
}

func (l *recordingListener) OnSetup(info SetupInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setups = append(l.setups, info)
}

func (l *recordingListener) OnPlay(port int, deviceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.plays = append(l.plays, port)
}

func (l *recordingListener) OnPause(deviceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pauses++
}

func (l *recordingListener) OnTeardown(deviceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tears++
}

func (l *recordingListener) OnModuleCustomParams(params string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.params = append(l.params, params)
	return l.reply, l.reply != ""
}

func (l *recordingListener) OnTrigger(moduleID, event int, param string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.triggers = append(l.triggers, msgTrigger{ModuleID: moduleID, Event: event, Param: param})
}

func (l *recordingListener) OnPeerGone() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gone++
}

func (l *recordingListener) OnError(module string, code int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, msgError{Module: module, Code: code})
}

// pair builds two controllers wired back to back.
func pair() (*Controller, *recordingListener, *Controller, *recordingListener) {
	srcL := &recordingListener{}
	sinkL := &recordingListener{}
	src := NewController(EndSource, srcL)
	sink := NewController(EndSink, sinkL)
	src.SetSender(&pipeSender{peer: sink})
	sink.SetSender(&pipeSender{peer: src})
	return src, srcL, sink, sinkL
}

func TestSetupExchange(t *testing.T) {
	src, _, _, sinkL := pair()

	param := ParamInfo{Mode: "mirror", VideoWidth: 1920, VideoHeight: 1080, Framerate: 60}
	require.NoError(t, src.SendSetupRequest(param, "dev-src", "Phone"))

	require.Len(t, sinkL.setups, 1)
	got := sinkL.setups[0]
	require.True(t, got.Request)
	require.Equal(t, param, got.Param)
	require.Equal(t, "dev-src", got.DeviceID)
}

func TestSetupResponseReachesSource(t *testing.T) {
	src, srcL, sink, sinkL := pair()

	require.NoError(t, src.SendSetupRequest(ParamInfo{Mode: "stream"}, "dev-src", "Phone"))
	require.Len(t, sinkL.setups, 1)

	negotiated := sinkL.setups[0].Param
	require.NoError(t, sink.SendSetupResponse(ResultOK, negotiated, 5004, 5006, "dev-sink"))

	require.Len(t, srcL.setups, 1)
	got := srcL.setups[0]
	require.False(t, got.Request)
	require.Equal(t, ResultOK, got.Result)
	require.Equal(t, "stream", got.Param.Mode)
	require.Equal(t, 5004, got.MediaPort)
	require.Equal(t, 5006, got.RemoteControlPort)
}

func TestIntentsForwarded(t *testing.T) {
	src, srcL, sink, sinkL := pair()

	require.NoError(t, src.SendPlay(5004, "dev-src"))
	require.NoError(t, src.SendPause("dev-src"))
	require.NoError(t, src.SendTeardown("dev-src"))
	require.Equal(t, []int{5004}, sinkL.plays)
	require.Equal(t, 1, sinkL.pauses)
	require.Equal(t, 1, sinkL.tears)

	require.NoError(t, sink.SendTrigger(3, 17, "volume"))
	require.Len(t, srcL.triggers, 1)
	require.Equal(t, msgTrigger{ModuleID: 3, Event: 17, Param: "volume"}, srcL.triggers[0])
}

func TestCustomParamsAckedBySource(t *testing.T) {
	_, srcL, sink, sinkL := pair()
	srcL.reply = "caps:h264,aac"

	// Sink pushes module params; the source acks with its capabilities.
	require.NoError(t, sink.SendModuleCustomParams("want:h265"))

	require.Equal(t, []string{"want:h265"}, srcL.params)
	require.Equal(t, []string{"caps:h264,aac"}, sinkL.params)
}

func TestEncryptedExchange(t *testing.T) {
	src, _, sink, sinkL := pair()

	key := []byte("0123456789abcdef")
	require.NoError(t, src.StartSession(key))
	require.NoError(t, sink.StartSession(key))

	require.NoError(t, src.SendPlay(5004, "dev-src"))
	require.Equal(t, []int{5004}, sinkL.plays)
	require.Empty(t, sinkL.errs)
}

func TestEncryptedKeyMismatch(t *testing.T) {
	src, _, sink, sinkL := pair()

	require.NoError(t, src.StartSession([]byte("0123456789abcdef")))
	require.NoError(t, sink.StartSession([]byte("fedcba9876543210")))

	_ = src.SendPlay(5004, "dev-src")
	require.Empty(t, sinkL.plays)
	require.Len(t, sinkL.errs, 1)
	require.Equal(t, CodeBadFrame, sinkL.errs[0].Code)
}

func TestStartSessionKeyLength(t *testing.T) {
	c := NewController(EndSource, &recordingListener{})
	require.ErrorIs(t, c.StartSession([]byte("short")), ErrKeyLength)
	require.ErrorIs(t, c.StartSession(make([]byte, 32)), ErrKeyLength)
	require.NoError(t, c.StartSession(make([]byte, SessionKeyLen)))
}

func TestStopSessionIdempotent(t *testing.T) {
	l := &recordingListener{}
	c := NewController(EndSource, l)

	c.StopSession()
	require.Equal(t, 0, l.gone)

	require.NoError(t, c.StartSession(make([]byte, SessionKeyLen)))
	c.StopSession()
	c.StopSession()
	require.Equal(t, 1, l.gone)
}

func TestMalformedFrameReported(t *testing.T) {
	l := &recordingListener{}
	c := NewController(EndSink, l)
	c.OnData([]byte{0xff, 0xff, 0x01, 0x02})
	require.Len(t, l.errs, 1)
	require.Equal(t, ModuleName, l.errs[0].Module)
}

func TestKeepAliveIgnored(t *testing.T) {
	src, _, _, sinkL := pair()
	require.NoError(t, src.SendKeepAlive())
	require.Empty(t, sinkL.setups)
	require.Empty(t, sinkL.errs)
}

func TestPeerErrorForwarded(t *testing.T) {
	_, srcL, sink, _ := pair()
	require.NoError(t, sink.SendError("VIDEO", 42))
	require.Len(t, srcL.errs, 1)
	require.Equal(t, msgError{Module: "VIDEO", Code: 42}, srcL.errs[0])
}

func TestSendWithoutSender(t *testing.T) {
	l := &recordingListener{}
	c := NewController(EndSource, l)
	require.Error(t, c.SendPause("dev-x"))
	require.Len(t, l.errs, 1)
	require.Equal(t, CodeSendFailed, l.errs[0].Code)
}
