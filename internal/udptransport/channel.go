// Package udptransport implements UdpChannel: a pair of UDP sockets per
// LogicalDevice (command/control, video ingress), a ping round-trip
// tracker, and the receive worker that feeds acknowledgements into the
// command dispatcher and encoded video into the RTP depacketizer.
package udptransport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mirage-project/mirage/internal/mlog"
	"github.com/mirage-project/mirage/internal/wire"
)

// DefaultPingEvictWindow bounds how long an outstanding ping is kept
// before being evicted as unanswered.
const DefaultPingEvictWindow = 5 * time.Second

// DefaultRecvBufferSize is the datagram buffer size for both sockets.
const DefaultRecvBufferSize = 64 * 1024

// Config bounds one Channel's buffering and ping bookkeeping.
type Config struct {
	PingEvictWindow time.Duration
	RecvBufferSize  int
	MaxControlCap   int
}

func DefaultConfig() Config {
	return Config{
		PingEvictWindow: DefaultPingEvictWindow,
		RecvBufferSize:  DefaultRecvBufferSize,
		MaxControlCap:   wire.DefaultControlCap,
	}
}

// Callbacks a Channel reports through; every field is optional.
type Callbacks struct {
	// OnVideoPacket is invoked once per datagram received on the video
	// socket, still RTP-framed (the depacketizer's Feed does the unwrap).
	OnVideoPacket func(data []byte)
	// OnAck is invoked for every CmdAck frame received, forwarding to the
	// dispatcher's waiting-map (Dispatcher.HandleAck).
	OnAck func(ackSeq uint32, status uint8)
	// OnPingLatency fires once per ping whose ack arrives before the ping
	// is evicted, with the measured round trip. Pings older than
	// PingEvictWindow are evicted on the next SendPing.
	OnPingLatency func(seq uint32, latency time.Duration)
}

// Channel owns the control and video sockets for one LogicalDevice.
type Channel struct {
	cfg Config
	cb  Callbacks

	codec *wire.Codec

	controlConn *net.UDPConn
	videoConn   *net.UDPConn

	pingMu sync.Mutex
	pings  map[uint32]time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	log *mlog.Throttle
}

// Dial opens both sockets for one device, connected to its control and
// video remote addresses (a device's command port and video port may
// differ, so two addresses are accepted). A connected UDP socket's Write
// is the Go equivalent of a bound sendto with a fixed peer, and its Read
// unblocks the instant Close is called, which is what the shutdown
// ordering in §4.3 relies on.
func Dial(remoteControlAddr, remoteVideoAddr string, cfg Config) (*Channel, error) {
	if cfg.RecvBufferSize <= 0 {
		cfg = DefaultConfig()
	}

	controlConn, err := dialUDP(remoteControlAddr)
	if err != nil {
		return nil, fmt.Errorf("dial control socket: %w", err)
	}
	videoConn, err := dialUDP(remoteVideoAddr)
	if err != nil {
		controlConn.Close()
		return nil, fmt.Errorf("dial video socket: %w", err)
	}

	return &Channel{
		cfg:         cfg,
		codec:       wire.NewCodec(),
		controlConn: controlConn,
		videoConn:   videoConn,
		pings:       make(map[uint32]time.Time),
		stopCh:      make(chan struct{}),
		log:         mlog.NewThrottle(5, 200),
	}, nil
}

func dialUDP(addr string) (*net.UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// Start launches the two receive workers. Cb is set here rather than at
// Dial time so a caller can finish wiring its dispatcher/depacketizer
// first.
func (c *Channel) Start(cb Callbacks) {
	c.cb = cb
	c.wg.Add(2)
	go c.recvLoop(c.controlConn, c.handleControlDatagram)
	go c.recvLoop(c.videoConn, c.handleVideoDatagram)
}

func (c *Channel) recvLoop(conn *net.UDPConn, handle func([]byte)) {
	defer c.wg.Done()
	buf := make([]byte, c.cfg.RecvBufferSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			c.log.Printf("recv-error", "udptransport: read error: %v", err)
			continue
		}
		if n == 0 {
			continue
		}
		out := make([]byte, n)
		copy(out, buf[:n])
		handle(out)
	}
}

func (c *Channel) handleVideoDatagram(data []byte) {
	if c.cb.OnVideoPacket != nil {
		c.cb.OnVideoPacket(data)
	}
}

func (c *Channel) handleControlDatagram(data []byte) {
	hdr, payload, _, err := wire.Decode(data, c.cfg.MaxControlCap)
	if err != nil {
		c.log.Printf("bad-frame", "udptransport: dropping malformed control datagram: %v", err)
		return
	}
	if hdr.Command != wire.CmdAck {
		return
	}
	ack, err := wire.DecodeAckPayload(payload)
	if err != nil {
		return
	}

	c.resolvePing(ack.AckSeq)
	if c.cb.OnAck != nil {
		c.cb.OnAck(ack.AckSeq, ack.Status)
	}
}

// Send implements dispatch.FramedSink: encode and transmit one control
// frame over sendto, returning the sequence number it was sent under.
func (c *Channel) Send(cmd wire.Command, payload []byte) (uint32, error) {
	frame, seq := c.codec.Encode(cmd, payload)
	if _, err := c.controlConn.Write(frame); err != nil {
		return seq, fmt.Errorf("control sendto: %w", err)
	}
	return seq, nil
}

// SendPing transmits a ping frame and records its send time keyed by
// sequence number, evicting any prior pings that have aged out of
// PingEvictWindow.
func (c *Channel) SendPing() (uint32, error) {
	seq, err := c.Send(wire.CmdPing, nil)
	if err != nil {
		return seq, err
	}
	now := time.Now()
	c.pingMu.Lock()
	c.pings[seq] = now
	c.evictStalePingsLocked(now)
	c.pingMu.Unlock()
	return seq, nil
}

// resolvePing completes a pending ping if ackSeq matches one, reporting
// its round-trip latency and removing it from the outstanding set.
func (c *Channel) resolvePing(ackSeq uint32) {
	c.pingMu.Lock()
	sentAt, ok := c.pings[ackSeq]
	if ok {
		delete(c.pings, ackSeq)
	}
	c.pingMu.Unlock()
	if !ok {
		return
	}
	if c.cb.OnPingLatency != nil {
		c.cb.OnPingLatency(ackSeq, time.Since(sentAt))
	}
}

// evictStalePingsLocked drops pings older than PingEvictWindow that never
// received an ack. Caller holds pingMu.
func (c *Channel) evictStalePingsLocked(now time.Time) {
	for seq, sentAt := range c.pings {
		if now.Sub(sentAt) > c.cfg.PingEvictWindow {
			delete(c.pings, seq)
		}
	}
}

// OutstandingPings returns the count of pings sent but not yet
// acknowledged or evicted.
func (c *Channel) OutstandingPings() int {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()
	return len(c.pings)
}

// Close shuts the sockets down (unblocking both receive workers
// immediately) and waits for them to exit before returning.
func (c *Channel) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.controlConn.Close()
	c.videoConn.Close()
	c.wg.Wait()
}
