package rfb

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/bryanchriswhite/weadless/internal/logger"
	"github.com/google/uuid"
)

const (
	securityNone = 1
	securityVNC  = 2
)

// Client-to-server message types.
const (
	msgSetPixelFormat           = 0
	msgSetEncodings             = 2
	msgFramebufferUpdateRequest = 3
	msgKeyEvent                 = 4
	msgPointerEvent             = 5
	msgClientCutText            = 6
)

const (
	encodingRaw         = 0
	maxCutText          = 1 << 20
	serverVersionString = "RFB 003.008\n"
)

var errAuthFailed = errors.New("authentication failed")

type client struct {
	id   uuid.UUID
	srv  *Server
	conn net.Conn
	br   *bufio.Reader

	minor int // negotiated protocol minor version: 3, 7 or 8

	mu        sync.Mutex
	pf        PixelFormat
	encodings []int32
	pending   bool
	req       image.Rectangle
	dirty     image.Rectangle

	wake chan struct{}
}

func newClient(s *Server, conn net.Conn) *client {
	return &client{
		id:    uuid.New(),
		srv:   s,
		conn:  conn,
		br:    bufio.NewReader(conn),
		pf:    DefaultPixelFormat,
		dirty: s.Bounds(),
		wake:  make(chan struct{}, 1),
	}
}

// handshake runs version, security and init exchanges.
func (c *client) handshake() error {
	if _, err := io.WriteString(c.conn, serverVersionString); err != nil {
		return fmt.Errorf("failed to send version: %w", err)
	}

	var version [12]byte
	if _, err := io.ReadFull(c.br, version[:]); err != nil {
		return fmt.Errorf("failed to read client version: %w", err)
	}
	major, minor, err := parseVersion(version[:])
	if err != nil || major != 3 {
		return fmt.Errorf("unsupported client version %q", version[:])
	}
	switch {
	case minor >= 8:
		c.minor = 8
	case minor == 7:
		c.minor = 7
	default:
		c.minor = 3
	}

	if err := c.negotiateSecurity(); err != nil {
		return err
	}

	// ClientInit carries only the shared flag; every session is shared.
	if _, err := c.br.ReadByte(); err != nil {
		return fmt.Errorf("failed to read client init: %w", err)
	}

	pf, _ := DefaultPixelFormat.MarshalBinary()
	msg := make([]byte, 0, 24+len(c.srv.name))
	msg = binary.BigEndian.AppendUint16(msg, uint16(c.srv.width))
	msg = binary.BigEndian.AppendUint16(msg, uint16(c.srv.height))
	msg = append(msg, pf...)
	msg = binary.BigEndian.AppendUint32(msg, uint32(len(c.srv.name)))
	msg = append(msg, c.srv.name...)
	if _, err := c.conn.Write(msg); err != nil {
		return fmt.Errorf("failed to send server init: %w", err)
	}
	return nil
}

// parseVersion reads a ProtocolVersion message, "RFB xxx.yyy\n".
func parseVersion(b []byte) (major, minor int, err error) {
	if len(b) != 12 || string(b[:4]) != "RFB " || b[7] != '.' || b[11] != '\n' {
		return 0, 0, fmt.Errorf("malformed version %q", b)
	}
	if major, err = strconv.Atoi(string(b[4:7])); err != nil {
		return 0, 0, err
	}
	if minor, err = strconv.Atoi(string(b[8:11])); err != nil {
		return 0, 0, err
	}
	return major, minor, nil
}

func (c *client) negotiateSecurity() error {
	secType := byte(securityNone)
	if c.srv.password != "" {
		secType = securityVNC
	}

	if c.minor == 3 {
		// 3.3: the server decides.
		if err := binary.Write(c.conn, binary.BigEndian, uint32(secType)); err != nil {
			return err
		}
	} else {
		if _, err := c.conn.Write([]byte{1, secType}); err != nil {
			return err
		}
		chosen, err := c.br.ReadByte()
		if err != nil {
			return fmt.Errorf("failed to read security type: %w", err)
		}
		if chosen != secType {
			c.securityResult(false, "unsupported security type")
			return fmt.Errorf("client chose security type %d, offered %d", chosen, secType)
		}
	}

	if secType == securityNone {
		// 3.3 and 3.7 skip SecurityResult for None.
		if c.minor == 8 {
			return c.securityResult(true, "")
		}
		return nil
	}

	challenge, err := newChallenge()
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(challenge); err != nil {
		return err
	}
	response := make([]byte, challengeSize)
	if _, err := io.ReadFull(c.br, response); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}
	if !checkResponse(c.srv.password, challenge, response) {
		c.securityResult(false, "authentication failed")
		return errAuthFailed
	}
	return c.securityResult(true, "")
}

func (c *client) securityResult(ok bool, reason string) error {
	msg := make([]byte, 4, 8+len(reason))
	if !ok {
		binary.BigEndian.PutUint32(msg, 1)
		if c.minor == 8 {
			msg = binary.BigEndian.AppendUint32(msg, uint32(len(reason)))
			msg = append(msg, reason...)
		}
	}
	_, err := c.conn.Write(msg)
	return err
}

// run serves the client until it disconnects or the server closes. The
// reader runs here; updates are written from a second goroutine so a slow
// socket never stalls input handling.
func (c *client) run() error {
	done := make(chan struct{})
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- c.writeLoop(done)
	}()

	err := c.readLoop()
	close(done)
	c.conn.Close()
	if werr := <-writeErr; isClosed(err) {
		err = werr
	}
	if isClosed(err) {
		return nil
	}
	return err
}

func isClosed(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

func (c *client) readLoop() error {
	log := logger.WithComponent("rfb")
	var buf [19]byte

	for {
		msgType, err := c.br.ReadByte()
		if err != nil {
			return err
		}

		switch msgType {
		case msgSetPixelFormat:
			if _, err := io.ReadFull(c.br, buf[:19]); err != nil {
				return err
			}
			var pf PixelFormat
			if err := pf.UnmarshalBinary(buf[3:19]); err != nil {
				return err
			}
			if err := pf.Validate(); err != nil {
				return fmt.Errorf("client pixel format: %w", err)
			}
			c.mu.Lock()
			c.pf = pf
			c.dirty = c.srv.Bounds()
			c.mu.Unlock()
			log.Debug().Str("client", c.id.String()).Uint8("bpp", pf.BitsPerPixel).Msg("Client set pixel format")

		case msgSetEncodings:
			if _, err := io.ReadFull(c.br, buf[:3]); err != nil {
				return err
			}
			n := int(binary.BigEndian.Uint16(buf[1:3]))
			encs := make([]int32, n)
			if err := binary.Read(c.br, binary.BigEndian, encs); err != nil {
				return err
			}
			c.mu.Lock()
			c.encodings = encs
			c.mu.Unlock()

		case msgFramebufferUpdateRequest:
			if _, err := io.ReadFull(c.br, buf[:9]); err != nil {
				return err
			}
			incremental := buf[0] != 0
			x := int(binary.BigEndian.Uint16(buf[1:]))
			y := int(binary.BigEndian.Uint16(buf[3:]))
			w := int(binary.BigEndian.Uint16(buf[5:]))
			h := int(binary.BigEndian.Uint16(buf[7:]))
			c.request(image.Rect(x, y, x+w, y+h), incremental)

		case msgKeyEvent:
			if _, err := io.ReadFull(c.br, buf[:7]); err != nil {
				return err
			}

		case msgPointerEvent:
			if _, err := io.ReadFull(c.br, buf[:5]); err != nil {
				return err
			}

		case msgClientCutText:
			if _, err := io.ReadFull(c.br, buf[:7]); err != nil {
				return err
			}
			n := int64(binary.BigEndian.Uint32(buf[3:7]))
			if n > maxCutText {
				return fmt.Errorf("cut text of %d bytes exceeds limit", n)
			}
			if _, err := io.CopyN(io.Discard, c.br, n); err != nil {
				return err
			}

		default:
			return fmt.Errorf("unknown client message type %d", msgType)
		}
	}
}

func (c *client) request(r image.Rectangle, incremental bool) {
	r = r.Intersect(c.srv.Bounds())

	c.mu.Lock()
	c.pending = true
	c.req = r
	if !incremental {
		c.dirty = c.dirty.Union(r)
	}
	c.mu.Unlock()
	c.poke()
}

func (c *client) markDirty(r image.Rectangle) {
	c.mu.Lock()
	c.dirty = c.dirty.Union(r)
	c.mu.Unlock()
	c.poke()
}

func (c *client) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// takeUpdate returns the rectangle to send, if a request is pending and
// part of it is dirty.
func (c *client) takeUpdate() (image.Rectangle, PixelFormat, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.pending {
		return image.Rectangle{}, c.pf, false
	}
	send := c.dirty.Intersect(c.req)
	if send.Empty() {
		return image.Rectangle{}, c.pf, false
	}
	c.pending = false
	if c.dirty.In(c.req) {
		c.dirty = image.Rectangle{}
	}
	return send, c.pf, true
}

func (c *client) writeLoop(done <-chan struct{}) error {
	var rgb, out []byte
	for {
		select {
		case <-done:
			return nil
		case <-c.wake:
		}

		r, pf, ok := c.takeUpdate()
		if !ok {
			continue
		}

		rgb = c.srv.snapshot(r, rgb)

		out = out[:0]
		out = append(out, 0, 0) // FramebufferUpdate, padding
		out = binary.BigEndian.AppendUint16(out, 1)
		out = binary.BigEndian.AppendUint16(out, uint16(r.Min.X))
		out = binary.BigEndian.AppendUint16(out, uint16(r.Min.Y))
		out = binary.BigEndian.AppendUint16(out, uint16(r.Dx()))
		out = binary.BigEndian.AppendUint16(out, uint16(r.Dy()))
		out = binary.BigEndian.AppendUint32(out, encodingRaw)
		out = pf.Encode(out, rgb)

		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := c.conn.Write(out); err != nil {
			c.conn.Close()
			return fmt.Errorf("failed to send update: %w", err)
		}
	}
}
