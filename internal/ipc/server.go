package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
)

// request is one command envelope delivered over the socket. Privilege is
// not claimed by the client; the server derives it from the source folder.
type request struct {
	SourceFolder string          `json:"source_folder"`
	Command      json.RawMessage `json:"command"`
}

type response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Server accepts task commands over a unix socket, one request per
// connection.
type Server struct {
	socketPath string
	mainFolder string
	deps       Deps
	listener   net.Listener
}

// NewServer creates the socket under socketDir. mainFolder names the single
// privileged control workspace.
func NewServer(socketDir, mainFolder string, deps Deps) (*Server, error) {
	if err := os.MkdirAll(socketDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}

	socketPath := filepath.Join(socketDir, "clawsched.sock")
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	if err := os.Chmod(socketPath, 0o770); err != nil {
		listener.Close()
		return nil, fmt.Errorf("chmod: %w", err)
	}

	return &Server{
		socketPath: socketPath,
		mainFolder: mainFolder,
		deps:       deps,
		listener:   listener,
	}, nil
}

// SocketPath returns the path clients dial.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Error("ipc: accept", "err", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting connections and removes the socket.
func (s *Server) Close() error {
	err := s.listener.Close()
	os.Remove(s.socketPath)
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	decoder := json.NewDecoder(bufio.NewReader(conn))
	encoder := json.NewEncoder(conn)

	var req request
	if err := decoder.Decode(&req); err != nil {
		encoder.Encode(response{Error: err.Error()})
		return
	}

	cmd, err := Decode(req.Command)
	if err != nil {
		encoder.Encode(response{Error: err.Error()})
		return
	}

	isPrivileged := req.SourceFolder == s.mainFolder
	if err := Process(ctx, cmd, req.SourceFolder, isPrivileged, s.deps); err != nil {
		slog.Error("ipc: process command", "source", req.SourceFolder, "err", err)
		encoder.Encode(response{Error: err.Error()})
		return
	}
	encoder.Encode(response{OK: true})
}

// Client dials the command socket.
type Client struct {
	socketPath string
}

// NewClient creates a client for the given socket path.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Send delivers one command on behalf of sourceFolder and waits for the
// acknowledgement.
func (c *Client) Send(sourceFolder string, cmd Command) error {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	raw, err := json.Marshal(envelope(cmd))
	if err != nil {
		return err
	}
	if err := json.NewEncoder(conn).Encode(request{SourceFolder: sourceFolder, Command: raw}); err != nil {
		return err
	}

	var resp response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	return nil
}

// envelope adds the wire "type" tag to a command value.
func envelope(cmd Command) map[string]any {
	var kind string
	switch cmd.(type) {
	case ScheduleTask:
		kind = "schedule_task"
	case PauseTask:
		kind = "pause_task"
	case ResumeTask:
		kind = "resume_task"
	case CancelTask:
		kind = "cancel_task"
	case RegisterGroup:
		kind = "register_group"
	case RefreshGroups:
		kind = "refresh_groups"
	case SendMessage:
		kind = "send_message"
	}

	out := map[string]any{"type": kind}
	raw, _ := json.Marshal(cmd)
	fields := map[string]any{}
	json.Unmarshal(raw, &fields)
	for k, v := range fields {
		out[k] = v
	}
	return out
}
