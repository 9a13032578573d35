// Copyright 2024 The mergerfs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"
)

// Request types
const (
	RequestStatus       = "status"
	RequestStop         = "stop"
	RequestGetOption    = "get_option"
	RequestSetOption    = "set_option"
	RequestListOptions  = "list_options"
	RequestReloadConfig = "reload_config" // Re-read settings.yaml and the mount file
	RequestStatx        = "statx"         // Stat a fuse path through the dispatcher
)

// Request represents an IPC request
type Request struct {
	Type  string `json:"type"`
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
	Path  string `json:"path,omitempty"` // fuse path for statx
}

// HandleStatus describes one open file or directory handle.
type HandleStatus struct {
	ID       uint64 `json:"id"`
	Path     string `json:"path"`
	IsDir    bool   `json:"is_dir,omitempty"`
	Flags    int    `json:"flags"`
	Basepath string `json:"basepath,omitempty"`
}

// BranchStatus describes one branch of a running mount.
type BranchStatus struct {
	Path         string `json:"path"`
	Mode         string `json:"mode"`
	MinFreeSpace uint64 `json:"minfreespace"`
	Available    uint64 `json:"available,omitempty"`
	Total        uint64 `json:"total,omitempty"`
	ReadOnly     bool   `json:"readonly,omitempty"`
	Error        string `json:"error,omitempty"`
}

// MountStatus represents a mount daemon's status
type MountStatus struct {
	InstanceID  string         `json:"instance_id"`
	Mountpoint  string         `json:"mountpoint"`
	PID         int            `json:"pid"`
	StartedAt   int64          `json:"started_at"` // Unix timestamp
	ReadOnly    bool           `json:"readonly,omitempty"`
	NFSAddr     string         `json:"nfs_addr,omitempty"`
	MetricsAddr string         `json:"metrics_addr,omitempty"`
	Branches    []BranchStatus `json:"branches"`
	Handles     []HandleStatus `json:"handles,omitempty"`
}

// StatInfo is the merged statx of a fuse path.
type StatInfo struct {
	Path     string   `json:"path"`
	Ino      uint64   `json:"ino"`
	Mode     uint32   `json:"mode"`
	Nlink    uint32   `json:"nlink"`
	UID      uint32   `json:"uid"`
	GID      uint32   `json:"gid"`
	Size     uint64   `json:"size"`
	Blocks   uint64   `json:"blocks"`
	Atime    int64    `json:"atime"`
	Mtime    int64    `json:"mtime"`
	Ctime    int64    `json:"ctime"`
	Btime    int64    `json:"btime,omitempty"`
	Branches []string `json:"branches,omitempty"` // every branch holding the path
}

// Response represents an IPC response
type Response struct {
	Success bool              `json:"success"`
	Message string            `json:"message,omitempty"`
	Error   string            `json:"error,omitempty"`
	Errno   int               `json:"errno,omitempty"`
	Status  *MountStatus      `json:"status,omitempty"`
	Value   string            `json:"value,omitempty"`
	Options map[string]string `json:"options,omitempty"`
	Stat    *StatInfo         `json:"stat,omitempty"`
}

// Server is the IPC server
type Server struct {
	path     string
	listener net.Listener
	handler  func(*Request) *Response
}

// NewServer creates an IPC server listening on the unix socket at path
func NewServer(path string, handler func(*Request) *Response) *Server {
	return &Server{path: path, handler: handler}
}

// Start starts the IPC server
func (s *Server) Start() error {
	// Remove existing socket
	os.Remove(s.path)

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to create socket: %w", err)
	}
	s.listener = listener

	os.Chmod(s.path, 0o600)

	go s.accept()
	return nil
}

// Stop stops the IPC server
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
		os.Remove(s.path)
	}
}

func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // Server stopped
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		return
	}

	resp := s.handler(&req)
	json.NewEncoder(conn).Encode(resp)
}

// Client is the IPC client of one mount daemon
type Client struct {
	conn net.Conn
}

// Connect connects to the daemon listening on the socket at path
func Connect(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// ConnectMount connects to the daemon serving mountpoint
func ConnectMount(mountpoint string) (*Client, error) {
	return Connect(SocketPath(MountID(mountpoint)))
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send sends a request and returns the response
func (c *Client) Send(req *Request) (*Response, error) {
	if err := json.NewEncoder(c.conn).Encode(req); err != nil {
		return nil, err
	}

	var resp Response
	if err := json.NewDecoder(c.conn).Decode(&resp); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("daemon closed connection")
		}
		return nil, err
	}
	return &resp, nil
}

// call sends req and turns an unsuccessful response into an error
func (c *Client) call(req *Request) (*Response, error) {
	resp, err := c.Send(req)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return resp, &RemoteError{Op: req.Type, Msg: resp.Error, Errno: resp.Errno}
	}
	return resp, nil
}

// Status returns the daemon's status
func (c *Client) Status() (*MountStatus, error) {
	resp, err := c.call(&Request{Type: RequestStatus})
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}

// Stop asks the daemon to unmount and exit
func (c *Client) Stop() error {
	_, err := c.call(&Request{Type: RequestStop})
	return err
}

// GetOption reads a runtime option
func (c *Client) GetOption(key string) (string, error) {
	resp, err := c.call(&Request{Type: RequestGetOption, Key: key})
	if err != nil {
		return "", err
	}
	return resp.Value, nil
}

// SetOption changes a runtime option
func (c *Client) SetOption(key, value string) error {
	_, err := c.call(&Request{Type: RequestSetOption, Key: key, Value: value})
	return err
}

// ListOptions returns every runtime option and its value
func (c *Client) ListOptions() (map[string]string, error) {
	resp, err := c.call(&Request{Type: RequestListOptions})
	if err != nil {
		return nil, err
	}
	return resp.Options, nil
}

// ReloadConfig asks the daemon to re-read its settings and mount file and
// returns its summary of what changed.
func (c *Client) ReloadConfig() (string, error) {
	resp, err := c.call(&Request{Type: RequestReloadConfig})
	if err != nil {
		return "", err
	}
	return resp.Message, nil
}

// Statx stats a fuse path through the daemon
func (c *Client) Statx(path string) (*StatInfo, error) {
	resp, err := c.call(&Request{Type: RequestStatx, Path: path})
	if err != nil {
		return nil, err
	}
	return resp.Stat, nil
}

// RemoteError is a failure reported by the daemon.
type RemoteError struct {
	Op    string
	Msg   string
	Errno int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Op, e.Msg)
}

// Unwrap exposes the errno the daemon reported, if any.
func (e *RemoteError) Unwrap() error {
	if e.Errno == 0 {
		return nil
	}
	return syscall.Errno(e.Errno)
}

// IsDaemonRunning checks if a daemon is serving mountpoint
func IsDaemonRunning(mountpoint string) bool {
	return isSocketAlive(SocketPath(MountID(mountpoint)))
}

func isSocketAlive(path string) bool {
	client, err := Connect(path)
	if err != nil {
		return false
	}
	client.Close()
	return true
}
