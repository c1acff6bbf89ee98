package modbus

import (
	"context"
	"errors"
	"sync"
)

// ServeTCP accepts peers on a listening Conn and answers their requests
// from m, one goroutine per peer. It returns when ctx is done or accept
// fails, after every peer has stopped.
func ServeTCP(ctx context.Context, server *Conn, m *Mapping) error {
	if _, ok := server.transport.(*TCPTransport); !ok {
		return ErrUnimplemented
	}
	ctx, cancel := context.WithCancel(ctx)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		stopped bool
		peers   = make(map[*Conn]struct{})
	)
	go func() {
		<-ctx.Done()
		server.Close() // nolint: errcheck
		mu.Lock()
		stopped = true
		for peer := range peers {
			peer.Close() // nolint: errcheck
		}
		mu.Unlock()
	}()
	defer func() {
		cancel()
		wg.Wait()
		server.transport.Debug("server stop")
	}()

	server.transport.Debug("server running")
	for {
		peer, err := server.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		mu.Lock()
		if stopped {
			mu.Unlock()
			peer.Close() // nolint: errcheck
			continue
		}
		peers[peer] = struct{}{}
		mu.Unlock()
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := serve(ctx, peer, m)
			peer.Close() // nolint: errcheck
			mu.Lock()
			delete(peers, peer)
			mu.Unlock()
			server.transport.Debug("client(%v) disconnected, cause by %v", peer.transport.(*TCPTransport).Address, err)
		}()
	}
}

// ServeRTU answers requests addressed to c's slave address from m until
// ctx is done or the line fails. The port is opened if needed and closed
// on return.
func ServeRTU(ctx context.Context, c *Conn, m *Mapping) error {
	if _, ok := c.transport.(*RTUTransport); !ok {
		return ErrUnimplemented
	}
	if !c.IsConnected() {
		if err := c.Connect(); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		c.Close() // nolint: errcheck
	}()
	c.transport.Debug("server running")
	return serve(ctx, c, m)
}

// serve runs the receive then reply loop on c. Timeouts and malformed
// frames are skipped, link faults end the loop.
func serve(ctx context.Context, c *Conn, m *Mapping) error {
	var te *TransportError
	for {
		request, err := c.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if IsTimeout(err) || !errors.As(err, &te) {
				c.transport.Debug("receive: %v", err)
				continue
			}
			return err
		}
		if err = c.Reply(request, m); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.transport.Error("reply: %v", err)
			if errors.As(err, &te) {
				return err
			}
		}
	}
}
