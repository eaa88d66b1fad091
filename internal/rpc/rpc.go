// Package rpc provides Unix socket IPC between a running ensemble node and the
// one-shot control commands.
package rpc

import (
	"errors"
	"fmt"
	"net"
	netrpc "net/rpc"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ensemble/internal/session"
)

// Controller is the operator surface the service exposes.
type Controller interface {
	Start(delay time.Duration) error
	Configure(octavesPerClient int) error
	PushPayload(path, name string) (string, int, error)
	Clients() []session.ClientInfo
}

// Service is the RPC service exposed by the node.
type Service struct {
	ctl Controller
	log zerolog.Logger
}

// ListClientsArgs is the request for ListClients.
type ListClientsArgs struct{}

// ListClientsReply is the response for ListClients.
type ListClientsReply struct {
	Clients []session.ClientInfo
}

// StartArgs is the request for Start.
type StartArgs struct {
	Delay time.Duration
}

// ConfigureArgs is the request for Configure.
type ConfigureArgs struct {
	OctavesPerClient int
}

// PushPayloadArgs is the request for PushPayload.
type PushPayloadArgs struct {
	Path string
	Name string
}

// PushPayloadReply is the response for PushPayload.
type PushPayloadReply struct {
	Path  string
	Bytes int
}

// Ack is the empty response of commands without a result.
type Ack struct{}

// ListClients returns the registered devices.
func (s *Service) ListClients(args *ListClientsArgs, reply *ListClientsReply) error {
	reply.Clients = s.ctl.Clients()
	return nil
}

// Start tells every device to start after the given delay.
func (s *Service) Start(args *StartArgs, reply *Ack) error {
	s.log.Info().Dur("delay", args.Delay).Msg("RPC start")
	return s.ctl.Start(args.Delay)
}

// Configure assigns octave ranges to the devices.
func (s *Service) Configure(args *ConfigureArgs, reply *Ack) error {
	s.log.Info().Int("octaves", args.OctavesPerClient).Msg("RPC configure")
	return s.ctl.Configure(args.OctavesPerClient)
}

// PushPayload sends a file to every device.
func (s *Service) PushPayload(args *PushPayloadArgs, reply *PushPayloadReply) error {
	path, n, err := s.ctl.PushPayload(args.Path, args.Name)
	if err != nil {
		return err
	}
	s.log.Info().Str("path", path).Int("bytes", n).Msg("RPC payload pushed")
	reply.Path = path
	reply.Bytes = n
	return nil
}

// Server serves the RPC service on a Unix socket.
type Server struct {
	listener net.Listener
	socket   string
	log      zerolog.Logger
	wg       sync.WaitGroup
}

// StartServer starts the Unix socket RPC server.
func StartServer(socketPath string, ctl Controller, log zerolog.Logger) (*Server, error) {
	service := &Service{ctl: ctl, log: log}

	server := netrpc.NewServer()
	if err := server.Register(service); err != nil {
		return nil, fmt.Errorf("registering RPC service: %w", err)
	}

	// Remove existing socket file if present
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", socketPath, err)
	}

	// Set socket permissions
	if err := os.Chmod(socketPath, 0660); err != nil {
		log.Warn().Err(err).Msg("Failed to set socket permissions")
	}

	log.Info().Str("socket", socketPath).Msg("RPC server started")

	s := &Server{listener: listener, socket: socketPath, log: log}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				log.Error().Err(err).Msg("RPC accept error")
				continue
			}
			go server.ServeConn(conn)
		}
	}()

	return s, nil
}

// Close stops accepting connections and removes the socket file.
func (s *Server) Close() error {
	err := s.listener.Close()
	s.wg.Wait()
	os.Remove(s.socket)
	return err
}

// Client is a client for the ensemble RPC service.
type Client struct {
	client *netrpc.Client
}

// NewClient dials the Unix socket and returns an RPC client.
func NewClient(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to RPC socket %s: %w", socketPath, err)
	}
	return &Client{client: netrpc.NewClient(conn)}, nil
}

// Close closes the RPC client connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// ListClients fetches the registered devices from the node.
func (c *Client) ListClients() ([]session.ClientInfo, error) {
	args := &ListClientsArgs{}
	reply := &ListClientsReply{}
	if err := c.client.Call("Service.ListClients", args, reply); err != nil {
		return nil, err
	}
	return reply.Clients, nil
}

// Start asks the node to start the performance after delay.
func (c *Client) Start(delay time.Duration) error {
	return c.client.Call("Service.Start", &StartArgs{Delay: delay}, &Ack{})
}

// Configure asks the node to assign octavesPerClient octaves to each device.
func (c *Client) Configure(octavesPerClient int) error {
	return c.client.Call("Service.Configure", &ConfigureArgs{OctavesPerClient: octavesPerClient}, &Ack{})
}

// PushPayload asks the node to send the file at path to every device.
func (c *Client) PushPayload(path, name string) (string, int, error) {
	reply := &PushPayloadReply{}
	if err := c.client.Call("Service.PushPayload", &PushPayloadArgs{Path: path, Name: name}, reply); err != nil {
		return "", 0, err
	}
	return reply.Path, reply.Bytes, nil
}
