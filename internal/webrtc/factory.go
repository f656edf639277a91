package webrtc

import (
	"context"
	"fmt"
	"net"
	"time"

	"meshcall/native/internal/domain"
	"meshcall/native/internal/metrics"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// CaptureProvider supplies local capture tracks. Connections attach the
// returned track without inspecting how its samples are produced.
type CaptureProvider interface {
	AudioTrack() (pion.TrackLocal, error)
}

// SilentCapture provides an opus track that never receives samples.
type SilentCapture struct{}

func (SilentCapture) AudioTrack() (pion.TrackLocal, error) {
	return pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "meshcall",
	)
}

// Options configure a Factory.
type Options struct {
	Logger  zerolog.Logger
	Capture CaptureProvider

	// ICE timeouts; zero values keep the engine defaults.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// LoopbackOnly gathers IPv4 host candidates on the loopback interface
	// only. Two connections of one process can then reach each other
	// without any server.
	LoopbackOnly bool
}

// Factory creates pion-backed connections. It owns the serialization queue
// shared by every connection it creates.
type Factory struct {
	api     *pion.API
	serial  *Queue
	capture CaptureProvider
	log     zerolog.Logger
}

// NewFactory registers codecs and interceptors and starts the shared queue.
func NewFactory(opts Options) (*Factory, error) {
	m := &pion.MediaEngine{}
	if err := registerCodecs(m); err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responderFactory)
	generatorFactory, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generatorFactory)

	se := pion.SettingEngine{}
	if opts.FailedTimeout > 0 {
		se.SetICETimeouts(opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepAliveInterval)
	}
	if opts.LoopbackOnly {
		se.SetIncludeLoopbackCandidate(true)
		se.SetIPFilter(func(ip net.IP) bool { return ip.IsLoopback() })
		se.SetNetworkTypes([]pion.NetworkType{pion.NetworkTypeUDP4})
	}

	capture := opts.Capture
	if capture == nil {
		capture = SilentCapture{}
	}

	return &Factory{
		api: pion.NewAPI(
			pion.WithMediaEngine(m),
			pion.WithInterceptorRegistry(i),
			pion.WithSettingEngine(se),
		),
		serial:  NewQueue(),
		capture: capture,
		log:     opts.Logger.With().Str("component", "webrtc").Logger(),
	}, nil
}

func registerCodecs(m *pion.MediaEngine) error {
	audio := []pion.RTPCodecParameters{
		{
			RTPCodecCapability: pion.RTPCodecCapability{
				MimeType:    pion.MimeTypeOpus,
				ClockRate:   48000,
				Channels:    2,
				SDPFmtpLine: "minptime=10;useinbandfec=1",
			},
			PayloadType: 111,
		},
		{
			RTPCodecCapability: pion.RTPCodecCapability{MimeType: pion.MimeTypePCMU, ClockRate: 8000, Channels: 1},
			PayloadType:        0,
		},
		{
			RTPCodecCapability: pion.RTPCodecCapability{MimeType: pion.MimeTypePCMA, ClockRate: 8000, Channels: 1},
			PayloadType:        8,
		},
	}
	for _, codec := range audio {
		if err := m.RegisterCodec(codec, pion.RTPCodecTypeAudio); err != nil {
			return fmt.Errorf("register %s: %w", codec.MimeType, err)
		}
	}

	h264Codec := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:    pion.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: 102,
	}
	if err := m.RegisterCodec(h264Codec, pion.RTPCodecTypeVideo); err != nil {
		return fmt.Errorf("register H264: %w", err)
	}
	return nil
}

// NewConnection creates a peer connection on the shared queue.
func (f *Factory) NewConnection(ctx context.Context, cfg domain.ConnectionConfig) (domain.EngineConnection, error) {
	var conn *Connection
	err := f.serial.Do(ctx, func() error {
		pc, err := f.api.NewPeerConnection(configuration(cfg))
		if err != nil {
			return fmt.Errorf("create peer connection: %w", err)
		}
		conn = newConnection(pc, f.serial, f.capture, f.log)
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ConnectionsCreatedTotal.Inc()
	metrics.ActiveConnections.Inc()
	f.log.Debug().
		Int("ice_servers", len(cfg.ICEServers)).
		Bool("relay_only", cfg.RelayOnly).
		Stringer("gathering", cfg.GatheringPolicy).
		Msg("peer connection created")
	return conn, nil
}

// Close stops the shared queue. Connections created by f become unusable.
func (f *Factory) Close() {
	f.serial.Close()
}

// configuration maps the negotiation layer's request onto pion. Pion gathers
// once and trickles candidates as found, which serves both gathering
// policies; the bundling for GatherOnce happens in the negotiation layer.
func configuration(cfg domain.ConnectionConfig) pion.Configuration {
	servers := make([]pion.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		servers = append(servers, pion.ICEServer{
			URLs:       []string{s.URL},
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	c := pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	}
	if cfg.RelayOnly {
		c.ICETransportPolicy = pion.ICETransportPolicyRelay
	}
	return c
}
