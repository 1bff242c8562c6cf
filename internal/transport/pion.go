// SPDX-FileCopyrightText: 2026 staff-monitoring contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
)

const (
	streamID      = "staff-monitoring"
	videoTrackID  = "video"
	h264ClockRate = 90000

	// Payload budget per RTP packet; keeps packets under typical path MTU
	// after SRTP overhead.
	rtpPayloadMTU = 1200

	defaultProfileLevelID = "42e01f"
	defaultStunServer     = "stun:stun.l.google.com:19302"
)

// ErrNotInitialized is returned by methods invoked before Initialize or
// after Close.
var ErrNotInitialized = errors.New("transport not initialized")

// WebRTCTransport is the pion-backed MediaTransport variant. One instance
// serves one connection attempt.
type WebRTCTransport struct {
	logger *slog.Logger
	events chan Event

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	track    *webrtc.TrackLocalStaticRTP
	channels map[string]*webrtc.DataChannel

	sequencer rtp.Sequencer
	payloader *codecs.H264Payloader

	streaming   atomic.Bool
	keyframeReq atomic.Bool
	bitrateKbps atomic.Int64
}

func NewWebRTCTransport() *WebRTCTransport {
	return &WebRTCTransport{
		logger:    slog.With("component", "transport"),
		events:    make(chan Event, 256),
		channels:  make(map[string]*webrtc.DataChannel),
		sequencer: rtp.NewRandomSequencer(),
		payloader: &codecs.H264Payloader{},
	}
}

func (t *WebRTCTransport) Events() <-chan Event {
	return t.events
}

func (t *WebRTCTransport) Initialize(codec CodecParameters, relay *RelayConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pc != nil {
		return fmt.Errorf("transport already initialized")
	}

	profile := codec.ProfileLevelID
	if profile == "" {
		profile = defaultProfileLevelID
	}
	fmtp := "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=" + profile
	if codec.SpropParameterSets != "" {
		fmtp += ";sprop-parameter-sets=" + codec.SpropParameterSets
	}

	caps := webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeH264,
		ClockRate:   h264ClockRate,
		SDPFmtpLine: fmtp,
	}

	mediaEngine := &webrtc.MediaEngine{}
	err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: caps,
		PayloadType:        102,
	}, webrtc.RTPCodecTypeVideo)
	if err != nil {
		return fmt.Errorf("registering H264 codec: %w", err)
	}

	iceServers := []webrtc.ICEServer{{URLs: []string{defaultStunServer}}}
	if relay != nil && relay.URL != "" {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       []string{relay.URL},
			Username:   relay.Username,
			Credential: relay.Password,
		})
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return fmt.Errorf("creating peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(caps, videoTrackID, streamID)
	if err != nil {
		pc.Close() //nolint:errcheck
		return fmt.Errorf("creating video track: %w", err)
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close() //nolint:errcheck
		return fmt.Errorf("adding video track: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		ev := Event{Kind: EventLocalCandidate, Candidate: ICECandidate{Candidate: init.Candidate}}
		if init.SDPMid != nil {
			ev.Candidate.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			ev.Candidate.SDPMLineIndex = *init.SDPMLineIndex
		}
		t.emit(ev)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		code := mapState(state)
		t.logger.Debug("peer connection state changed", "state", code.String())
		t.emit(Event{Kind: EventStateChange, State: code})
	})

	// Channels created by the remote side get the same wiring as ours.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		t.mu.Lock()
		t.channels[dc.Label()] = dc
		t.mu.Unlock()
		t.wireDataChannel(dc)
	})

	go t.readRTCP(sender)

	t.pc = pc
	t.track = track
	return nil
}

func (t *WebRTCTransport) LocalOffer(ctx context.Context) (string, error) {
	t.mu.Lock()
	pc := t.pc
	t.mu.Unlock()
	if pc == nil {
		return "", ErrNotInitialized
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	return offer.SDP, nil
}

func (t *WebRTCTransport) SetRemoteAnswer(ctx context.Context, sdp string) error {
	t.mu.Lock()
	pc := t.pc
	t.mu.Unlock()
	if pc == nil {
		return ErrNotInitialized
	}

	return pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (t *WebRTCTransport) AddRemoteIceCandidate(ctx context.Context, cand ICECandidate) error {
	t.mu.Lock()
	pc := t.pc
	t.mu.Unlock()
	if pc == nil {
		return ErrNotInitialized
	}

	mid := cand.SDPMid
	idx := cand.SDPMLineIndex
	return pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

func (t *WebRTCTransport) StartStreaming() {
	t.streaming.Store(true)
}

func (t *WebRTCTransport) SendEncodedFrame(nal []byte, timestamp90k uint32, isKeyFrame bool) error {
	if !t.streaming.Load() {
		return nil
	}

	t.mu.Lock()
	track := t.track
	t.mu.Unlock()
	if track == nil {
		return ErrNotInitialized
	}

	payloads := t.payloader.Payload(rtpPayloadMTU, nal)
	for i, payload := range payloads {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				SequenceNumber: t.sequencer.NextSequenceNumber(),
				Timestamp:      timestamp90k,
				Marker:         i == len(payloads)-1,
			},
			Payload: payload,
		}
		if err := track.WriteRTP(pkt); err != nil {
			return fmt.Errorf("writing RTP: %w", err)
		}
	}
	return nil
}

func (t *WebRTCTransport) SetTargetBitrate(kbps int) {
	t.bitrateKbps.Store(int64(kbps))
}

func (t *WebRTCTransport) TargetBitrate() int {
	return int(t.bitrateKbps.Load())
}

func (t *WebRTCTransport) ShouldGenerateKeyframe() bool {
	return t.keyframeReq.Swap(false)
}

func (t *WebRTCTransport) CreateDataChannel(label string) error {
	t.mu.Lock()
	pc := t.pc
	t.mu.Unlock()
	if pc == nil {
		return ErrNotInitialized
	}

	dc, err := pc.CreateDataChannel(label, nil)
	if err != nil {
		return fmt.Errorf("creating data channel %q: %w", label, err)
	}

	t.mu.Lock()
	t.channels[label] = dc
	t.mu.Unlock()
	t.wireDataChannel(dc)
	return nil
}

func (t *WebRTCTransport) SendDataChannelMessage(label, text string) error {
	dc := t.channel(label)
	if dc == nil {
		return fmt.Errorf("no data channel %q", label)
	}
	return dc.SendText(text)
}

func (t *WebRTCTransport) SendDataChannelBinary(label string, data []byte) error {
	dc := t.channel(label)
	if dc == nil {
		return fmt.Errorf("no data channel %q", label)
	}
	return dc.Send(data)
}

func (t *WebRTCTransport) CloseDataChannel(label string) error {
	t.mu.Lock()
	dc := t.channels[label]
	delete(t.channels, label)
	t.mu.Unlock()
	if dc == nil {
		return nil
	}
	return dc.Close()
}

func (t *WebRTCTransport) Close() error {
	t.streaming.Store(false)

	t.mu.Lock()
	pc := t.pc
	t.pc = nil
	t.track = nil
	channels := t.channels
	t.channels = map[string]*webrtc.DataChannel{}
	t.mu.Unlock()

	for _, dc := range channels {
		dc.Close() //nolint:errcheck
	}
	if pc != nil {
		return pc.Close()
	}
	return nil
}

func (t *WebRTCTransport) channel(label string) *webrtc.DataChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channels[label]
}

func (t *WebRTCTransport) wireDataChannel(dc *webrtc.DataChannel) {
	label := dc.Label()

	dc.OnOpen(func() {
		t.logger.Info("data channel open", "label", label)
		t.emit(Event{Kind: EventDataChannelState, ChannelLabel: label, Open: true})
	})
	dc.OnClose(func() {
		t.logger.Info("data channel closed", "label", label)
		t.emit(Event{Kind: EventDataChannelState, ChannelLabel: label, Open: false})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		ev := Event{Kind: EventDataChannelMessage, ChannelLabel: label, IsString: msg.IsString}
		if msg.IsString {
			ev.Text = string(msg.Data)
		} else {
			ev.Binary = msg.Data
		}
		t.emit(ev)
	})
}

// readRTCP drains sender reports from the viewer; PLI and FIR set the
// keyframe-request latch the encoder poller reads.
func (t *WebRTCTransport) readRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			t.logger.Debug("failed to parse RTCP", "error", err)
			continue
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				t.keyframeReq.Store(true)
			}
		}
	}
}

// emit never blocks the pion callback goroutines: the event queue is large
// and a full queue (consumer gone during teardown) drops with a warning.
func (t *WebRTCTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("transport event queue full, dropping event", "kind", ev.Kind)
	}
}

func mapState(state webrtc.PeerConnectionState) StateCode {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	default:
		return StateClosed
	}
}
