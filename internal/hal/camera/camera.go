// Package camera wraps the observation camera's vendor transport behind
// the HAL contract. Frame capture and recording belong to external
// collaborators; the core only needs connect/disconnect/stream control so
// the selective-shutdown policy (camera stays live through Unsafe and
// EmergencyStop) has a real device to hold open.
package camera

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/photomed/lasercore/internal/event"
	"github.com/photomed/lasercore/internal/hal"
)

// Transport is the vendor SDK surface the controller depends on.
type Transport interface {
	Open() error
	Close() error
	StartStream() error
	StopStream() error
}

// Camera is the observation camera controller.
type Camera struct {
	hal.Base

	transport Transport
	streaming atomic.Bool
}

// New creates a camera controller over the given vendor transport.
func New(transport Transport, sink event.Sink) *Camera {
	c := &Camera{transport: transport}
	c.Base = hal.NewBase("camera", sink)
	return c
}

// Connect implements hal.Controller.
func (c *Camera) Connect(ctx context.Context) error {
	return c.ConnectWith(ctx, func(ctx context.Context) error {
		if err := c.transport.Open(); err != nil {
			return hal.Errf(hal.KindTransport, c.Name(), "connect", "%v", err)
		}
		return nil
	})
}

// Disconnect implements hal.Controller.
func (c *Camera) Disconnect() error {
	return c.DisconnectWith(func() error {
		c.streaming.Store(false)
		return c.transport.Close()
	})
}

// StartStream begins live video.
func (c *Camera) StartStream(ctx context.Context) error {
	return c.Command(ctx, "start_stream", func() error {
		if c.streaming.Load() {
			return nil
		}
		if err := c.transport.StartStream(); err != nil {
			return hal.Errf(hal.KindTransport, c.Name(), "start_stream", "%v", err)
		}
		c.streaming.Store(true)
		return nil
	})
}

// StopStream ends live video.
func (c *Camera) StopStream(ctx context.Context) error {
	return c.Command(ctx, "stop_stream", func() error {
		if !c.streaming.Load() {
			return nil
		}
		if err := c.transport.StopStream(); err != nil {
			return hal.Errf(hal.KindTransport, c.Name(), "stop_stream", "%v", err)
		}
		c.streaming.Store(false)
		return nil
	})
}

// Streaming reports whether live video is running.
func (c *Camera) Streaming() bool {
	return c.streaming.Load()
}

// SimTransport is an in-memory transport for bench and test use.
type SimTransport struct {
	open      bool
	streaming bool
	FailOpen  bool
}

// Open implements Transport.
func (s *SimTransport) Open() error {
	if s.FailOpen {
		return errors.New("camera sim: open refused")
	}
	s.open = true
	return nil
}

// Close implements Transport.
func (s *SimTransport) Close() error {
	s.open = false
	s.streaming = false
	return nil
}

// StartStream implements Transport.
func (s *SimTransport) StartStream() error {
	if !s.open {
		return errors.New("camera sim: not open")
	}
	s.streaming = true
	return nil
}

// StopStream implements Transport.
func (s *SimTransport) StopStream() error {
	s.streaming = false
	return nil
}
