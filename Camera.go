package pi_short_circuit

import (
	"archive/zip"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/blackjack/webcam"
	"github.com/rs/zerolog"
)

const FORMAT_MJPG = webcam.PixelFormat((uint32(byte('M'))) | (uint32(byte('J')) << 8) | (uint32(byte('P')) << 16) | (uint32(byte('G')) << 24))

// FrameSource yields encoded frames. Frames must be released before the next GetFrame.
type FrameSource interface {
	GetFrame() ([]byte, uint32, error)
	ReleaseFrame(index uint32) error
	Close() error
}

type webcamSource struct {
	*webcam.Webcam
}

func (w webcamSource) GetFrame() ([]byte, uint32, error) {
	if err := w.WaitForFrame(1); err != nil {
		return nil, 0, err
	}
	return w.Webcam.GetFrame()
}

// OpenWebcam opens a V4L2 device streaming 640x480 MJPEG.
func OpenWebcam(dev string) (FrameSource, error) {
	cam, err := webcam.Open(dev)
	if err != nil {
		return nil, err
	}

	var format webcam.PixelFormat
	for f := range cam.GetSupportedFormats() {
		if f == FORMAT_MJPG {
			format = f
		}
	}
	if format == 0 {
		cam.Close()
		return nil, fmt.Errorf("%s does not support MJPG", dev)
	}

	if _, _, _, err = cam.SetImageFormat(format, 640, 480); err != nil {
		cam.Close()
		return nil, err
	}
	if err = cam.SetBufferCount(1); err != nil {
		cam.Close()
		return nil, err
	}
	if err = cam.StartStreaming(); err != nil {
		cam.Close()
		return nil, err
	}
	return webcamSource{cam}, nil
}

// Camera records frames of the stand while the sequence is acquiring.
type Camera struct {
	sync.Mutex
	source  FrameSource
	trigger <-chan time.Time
	logger  zerolog.Logger

	clients        map[chan []byte]bool
	newClients     chan chan []byte
	defunctClients chan chan []byte
	broadcast      chan []byte
	quit           chan struct{}

	// Frames keyed by trigger time in nanoseconds.
	recordedFrames map[int64][]byte

	Initialized bool
	Recording   bool
}

func NewCamera(source FrameSource, trigger <-chan time.Time, logger zerolog.Logger) *Camera {
	c := &Camera{
		source:         source,
		trigger:        trigger,
		logger:         logger.With().Str("component", "camera").Logger(),
		clients:        make(map[chan []byte]bool),
		newClients:     make(chan chan []byte),
		defunctClients: make(chan chan []byte),
		broadcast:      make(chan []byte, 1),
		quit:           make(chan struct{}),
		recordedFrames: make(map[int64][]byte),
		Initialized:    true,
	}
	go c.frameTrigger()
	go c.clientBroadcast()
	return c
}

func (c *Camera) Close() error {
	c.Lock()
	defer c.Unlock()
	if !c.Initialized {
		return nil
	}
	c.Recording = false
	c.Initialized = false
	close(c.quit)
	return c.source.Close()
}

func (c *Camera) StartRecording() {
	c.Lock()
	defer c.Unlock()
	if c.Initialized {
		c.recordedFrames = make(map[int64][]byte)
		c.Recording = true
	}
}

func (c *Camera) StopRecording() {
	c.Lock()
	defer c.Unlock()
	c.Recording = false
	c.logger.Info().Int("frames", len(c.recordedFrames)).Msg("recording stopped")
}

func (c *Camera) GetRecordedData() map[*zip.FileHeader][]byte {
	c.Lock()
	defer c.Unlock()

	files := make(map[*zip.FileHeader][]byte)
	for tstamp, frame := range c.recordedFrames {
		header := &zip.FileHeader{
			Name:     fmt.Sprintf("frames/%d.jpg", tstamp),
			Modified: time.Unix(0, tstamp),
			Method:   zip.Store,
		}
		files[header] = frame
	}
	return files
}

func (c *Camera) frameTrigger() {
	for {
		var when time.Time
		select {
		case <-c.quit:
			return
		case when = <-c.trigger:
		}

		c.Lock()
		if !c.Initialized {
			c.Unlock()
			return
		}
		buf, idx, err := c.source.GetFrame()
		if err != nil {
			c.Unlock()
			continue
		}
		// The driver reuses its buffer, so the frame is copied before release.
		frame := make([]byte, len(buf))
		copy(frame, buf)
		c.source.ReleaseFrame(idx)

		if c.Recording {
			c.recordedFrames[when.UnixNano()] = frame
		}
		c.Unlock()

		select {
		case c.broadcast <- frame:
		default:
		}
	}
}

func (c *Camera) clientBroadcast() {
	for {
		select {
		case s := <-c.newClients:
			c.clients[s] = true
		case s := <-c.defunctClients:
			delete(c.clients, s)
			close(s)
		case frame := <-c.broadcast:
			for s := range c.clients {
				select {
				case s <- frame:
				default:
				}
			}
		case <-c.quit:
			for s := range c.clients {
				delete(c.clients, s)
				close(s)
			}
			return
		}
	}
}

// ServeHTTP streams live frames as MJPEG.
func (c *Camera) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming Unsupported", http.StatusInternalServerError)
		return
	}

	frameChan := make(chan []byte, 1)
	select {
	case c.newClients <- frameChan:
	case <-c.quit:
		http.Error(w, "Camera Closed", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Cache-Control", "no-cache, private")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	f.Flush()

	for {
		select {
		case <-r.Context().Done():
			select {
			case c.defunctClients <- frameChan:
			case <-c.quit:
			}
			return
		case frame, open := <-frameChan:
			if !open {
				return
			}
			w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n"))
			w.Write(frame)
			w.Write([]byte("\r\n"))
			f.Flush()
		}
	}
}
