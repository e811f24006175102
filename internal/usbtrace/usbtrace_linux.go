//go:build linux

package usbtrace

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
)

// rawEvent matches the struct the attached program writes into
// bulk_events: bus, address, direction and byte count packed the way a
// kernel-side BPF program would lay out a fixed C struct.
type rawEvent struct {
	Bus       uint8
	Address   uint8
	Direction uint8
	_         uint8 // padding to a 4-byte boundary
	Bytes     uint32
}

// bpfObjects mirrors eBPF_driver.go's BpfObjects shape: one XDP program and
// one ring buffer map, loaded by name from the compiled object.
type bpfObjects struct {
	TraceUsbBulk *ebpf.Program `ebpf:"trace_usb_bulk"`
	BulkEvents   *ebpf.Map     `ebpf:"bulk_events"`
}

func (o *bpfObjects) Close() error {
	if o.TraceUsbBulk != nil {
		o.TraceUsbBulk.Close()
	}
	if o.BulkEvents != nil {
		o.BulkEvents.Close()
	}
	return nil
}

// loadBpfObjects loads the compiled usb_bulk_tracer.bpf.o program into obj.
// No BPF object is bundled with this module (there is no build pipeline
// here to compile one), so this always reports ErrUnsupported; a real
// deployment replaces this with the usual bpf2go-generated loader.
func loadBpfObjects(obj *bpfObjects, opts *ebpf.CollectionOptions) error {
	return ErrUnsupported
}

// Tracer attaches trace_usb_bulk to a host network interface and delivers
// parsed TraceEvents over a channel until Close is called.
type Tracer struct {
	objs    bpfObjects
	xdpLink link.Link
	reader  *ringbuf.Reader
	iface   string
	events  chan TraceEvent
	done    chan struct{}
}

// NewTracer attaches the bulk-transfer tracer to the named interface (the
// usbmonN interface exposing the bus the traced devices sit on).
func NewTracer(iface string) (*Tracer, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("usbtrace: remove memlock rlimit: %w", err)
	}

	var objs bpfObjects
	if err := loadBpfObjects(&objs, nil); err != nil {
		return nil, fmt.Errorf("usbtrace: load bpf objects: %w", err)
	}

	netIface, err := net.InterfaceByName(iface)
	if err != nil {
		objs.Close()
		return nil, fmt.Errorf("usbtrace: lookup interface %s: %w", iface, err)
	}

	l, err := link.AttachXDP(link.XDPOptions{
		Program:   objs.TraceUsbBulk,
		Interface: netIface.Index,
	})
	if err != nil {
		objs.Close()
		return nil, fmt.Errorf("usbtrace: attach xdp to %s: %w", iface, err)
	}

	reader, err := ringbuf.NewReader(objs.BulkEvents)
	if err != nil {
		l.Close()
		objs.Close()
		return nil, fmt.Errorf("usbtrace: open ring buffer: %w", err)
	}

	t := &Tracer{
		objs:    objs,
		xdpLink: l,
		reader:  reader,
		iface:   iface,
		events:  make(chan TraceEvent, 64),
		done:    make(chan struct{}),
	}
	go t.readLoop()
	log.Printf("usbtrace: attached to %s", iface)
	return t, nil
}

// Events returns the channel TraceEvents are delivered on. It is closed
// once the tracer's ring buffer reader stops (on Close or a fatal read
// error).
func (t *Tracer) Events() <-chan TraceEvent { return t.events }

func (t *Tracer) readLoop() {
	defer close(t.events)
	for {
		record, err := t.reader.Read()
		if err != nil {
			if !errors.Is(err, ringbuf.ErrClosed) {
				log.Printf("usbtrace: ring buffer read failed: %v", err)
			}
			return
		}

		var raw rawEvent
		if err := binary.Read(bytes.NewReader(record.RawSample), binary.LittleEndian, &raw); err != nil {
			log.Printf("usbtrace: malformed trace record: %v", err)
			continue
		}

		select {
		case t.events <- TraceEvent{
			BusAddr:   fmt.Sprintf("%d:%d", raw.Bus, raw.Address),
			Direction: Direction(raw.Direction),
			Bytes:     raw.Bytes,
		}:
		case <-t.done:
			return
		}
	}
}

// Close detaches the XDP program and releases the ring buffer reader.
func (t *Tracer) Close() {
	close(t.done)
	if t.xdpLink != nil {
		if err := t.xdpLink.Close(); err != nil {
			log.Printf("usbtrace: error detaching xdp program: %v", err)
		}
	}
	if t.reader != nil {
		if err := t.reader.Close(); err != nil {
			log.Printf("usbtrace: error closing ring buffer reader: %v", err)
		}
	}
	t.objs.Close()
	log.Printf("usbtrace: detached from %s", t.iface)
}
