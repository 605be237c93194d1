// Package trace records frames crossing the tunnel boundary to a pcap
// file, so interop problems between independently built clients can be
// debugged with ordinary capture tooling.
package trace

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"LanLink/internal/model"
)

const snapshotLen = 1600

// Writer appends tunneled frames to a timestamped pcap file. Recording is
// non-blocking: a single goroutine owns the file and a full queue drops
// the frame rather than stalling the dispatcher.
type Writer struct {
	frameChan chan *model.Frame
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewWriter creates the trace directory if needed and starts the writer
// goroutine.
func NewWriter(dir string, bufferSize int) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}
	if bufferSize <= 0 {
		bufferSize = 1024
	}

	fileName := fmt.Sprintf("%s.pcap", time.Now().Format("2006-01-02_15-04-05"))
	file, err := os.OpenFile(filepath.Join(dir, fileName), os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace file: %w", err)
	}

	pcapWriter := pcapgo.NewWriter(file)
	if err := pcapWriter.WriteFileHeader(snapshotLen, layers.LinkTypeEthernet); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}

	w := &Writer{
		frameChan: make(chan *model.Frame, bufferSize),
		stopChan:  make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run(file, pcapWriter)
	log.Printf("Frame trace started, writing to %s", file.Name())
	return w, nil
}

func (w *Writer) run(file *os.File, pcapWriter *pcapgo.Writer) {
	defer w.wg.Done()
	defer func() {
		if err := file.Close(); err != nil {
			log.Printf("Trace: error closing file: %v", err)
		}
	}()
	for {
		select {
		case <-w.stopChan:
			// Drain what is already queued before closing.
			for {
				select {
				case frame := <-w.frameChan:
					w.write(pcapWriter, frame)
				default:
					return
				}
			}
		case frame := <-w.frameChan:
			w.write(pcapWriter, frame)
		}
	}
}

func (w *Writer) write(pcapWriter *pcapgo.Writer, frame *model.Frame) {
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: frame.Len(),
		Length:        frame.Len(),
	}
	if err := pcapWriter.WritePacket(ci, frame.Bytes()); err != nil {
		log.Printf("Trace: error writing frame: %v", err)
	}
}

// Record queues a frame for the trace. Full queue drops the frame.
func (w *Writer) Record(frame *model.Frame) {
	select {
	case w.frameChan <- frame:
	default:
	}
}

// Stop flushes queued frames and closes the file.
func (w *Writer) Stop() {
	close(w.stopChan)
	w.wg.Wait()
}
