package endpoint

import (
	"encoding/json"
	"fmt"

	"github.com/mossy-p/call-signaling/internal/logging"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// MediaStack is the media engine of one call. Descriptions and candidates
// cross it as the JSON the coordinator relays.
type MediaStack interface {
	CreateOffer() (json.RawMessage, error)
	// CreateAnswer answers the remote offer already applied with
	// SetRemoteDescription.
	CreateAnswer() (json.RawMessage, error)
	SetRemoteDescription(desc json.RawMessage) error
	AddICECandidate(candidate json.RawMessage) error
	// OnICECandidate must be set before CreateOffer or CreateAnswer.
	OnICECandidate(f func(candidate json.RawMessage))
	OnConnectionStateChange(f func(state string))
	Close() error
}

// StackFactory builds a fresh MediaStack for each call.
type StackFactory func() (MediaStack, error)

// PionStack is a MediaStack backed by a pion PeerConnection carrying one
// audio and one video transceiver.
type PionStack struct {
	pc  *webrtc.PeerConnection
	log *logrus.Entry
}

// PionStackFactory returns a StackFactory producing PionStacks that log
// through log.
func PionStackFactory(cfg webrtc.Configuration, log *logrus.Entry) StackFactory {
	return func() (MediaStack, error) {
		return NewPionStack(cfg, log)
	}
}

func NewPionStack(cfg webrtc.Configuration, log *logrus.Entry) (*PionStack, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	se := webrtc.SettingEngine{
		LoggerFactory: logging.PionFactory{Entry: log.WithField("component", "pion")},
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se))

	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("failed to add %s transceiver: %w", kind, err)
		}
	}

	return &PionStack{pc: pc, log: log}, nil
}

func (s *PionStack) CreateOffer() (json.RawMessage, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return json.Marshal(offer)
}

func (s *PionStack) CreateAnswer() (json.RawMessage, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return json.Marshal(answer)
}

func (s *PionStack) SetRemoteDescription(desc json.RawMessage) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(desc, &sd); err != nil {
		return fmt.Errorf("invalid session description: %w", err)
	}
	return s.pc.SetRemoteDescription(sd)
}

func (s *PionStack) AddICECandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("invalid ice candidate: %w", err)
	}
	return s.pc.AddICECandidate(init)
}

func (s *PionStack) OnICECandidate(f func(json.RawMessage)) {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			s.log.WithError(err).Warn("Failed to encode local candidate")
			return
		}
		f(data)
	})
}

func (s *PionStack) OnConnectionStateChange(f func(string)) {
	s.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		f(state.String())
	})
}

func (s *PionStack) Close() error {
	return s.pc.Close()
}
