package transport

import (
	"bufio"
	"fmt"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mkdlm/rangedl/internal/dlm"
)

func TestFTPSessionPassiveParsesAddress(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		r := bufio.NewReader(server)
		line, _ := r.ReadString('\n')
		if strings.TrimSpace(line) != "PASV" {
			return
		}
		fmt.Fprintf(server, "227 Entering Passive Mode (127,0,0,1,200,10)\r\n")
	}()

	s := &ftpSession{conn: textproto.NewConn(client)}
	addr, err := s.passive()
	if err != nil {
		t.Fatalf("passive() error = %v", err)
	}
	want := net.JoinHostPort("127.0.0.1", strconv.Itoa(200*256+10))
	if addr != want {
		t.Fatalf("passive() = %q; want %q", addr, want)
	}
}

func TestFTPSessionPassiveRejectsMalformedResponse(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		r := bufio.NewReader(server)
		r.ReadString('\n')
		fmt.Fprintf(server, "227 Entering Passive Mode\r\n")
	}()

	s := &ftpSession{conn: textproto.NewConn(client)}
	if _, err := s.passive(); err == nil {
		t.Fatalf("passive() should fail on a response with no parenthesized tuple")
	}
}

// fakeFTPServer is a minimal single-file FTP server: greeting, USER/PASS,
// TYPE I, SIZE, PASV, REST and RETR, enough to exercise FTPFetcher
// end-to-end without a real network service.
type fakeFTPServer struct {
	ln   net.Listener
	body []byte
}

func newFakeFTPServer(t *testing.T, body []byte) *fakeFTPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &fakeFTPServer{ln: ln, body: body}
	go s.serve(t)
	return s
}

func (s *fakeFTPServer) addr() string { return s.ln.Addr().String() }

func (s *fakeFTPServer) close() { s.ln.Close() }

// serve accepts every connection the fetcher opens: dialFTP dials a fresh
// control connection for each FetchInfo/FetchData call, so a download
// spanning more than one call needs more than one accepted connection.
func (s *fakeFTPServer) serve(t *testing.T) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *fakeFTPServer) handleConn(conn net.Conn) {
	defer conn.Close()
	ctl := textproto.NewConn(conn)

	ctl.PrintfLine("220 fake ftp ready")
	readLine := func() string {
		line, _ := ctl.ReadLine()
		return line
	}

	if !strings.HasPrefix(readLine(), "USER") {
		return
	}
	ctl.PrintfLine("331 need password")
	if !strings.HasPrefix(readLine(), "PASS") {
		return
	}
	ctl.PrintfLine("230 logged in")

	var dataLn net.Listener
	var restOffset int64

	for {
		line := readLine()
		switch {
		case line == "":
			return
		case strings.HasPrefix(line, "TYPE"):
			ctl.PrintfLine("200 type set")
		case strings.HasPrefix(line, "SIZE"):
			ctl.PrintfLine("213 %d", len(s.body))
		case line == "PASV":
			dl, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				ctl.PrintfLine("425 cannot open data connection")
				continue
			}
			dataLn = dl
			_, portStr, _ := net.SplitHostPort(dl.Addr().String())
			port, _ := strconv.Atoi(portStr)
			ctl.PrintfLine("227 Entering Passive Mode (127,0,0,1,%d,%d)", port/256, port%256)
		case strings.HasPrefix(line, "REST"):
			fmt.Sscanf(line, "REST %d", &restOffset)
			ctl.PrintfLine("350 restarting at %d", restOffset)
		case strings.HasPrefix(line, "RETR"):
			ctl.PrintfLine("150 opening data connection")
			data, err := dataLn.Accept()
			if err == nil {
				data.Write(s.body[restOffset:])
				data.Close()
			}
			ctl.PrintfLine("226 transfer complete")
			restOffset = 0
		default:
			ctl.PrintfLine("500 unknown command")
		}
	}
}

func TestFTPFetcherEndToEnd(t *testing.T) {
	body := []byte("the quick brown fox jumps over the lazy dog")
	srv := newFakeFTPServer(t, body)
	defer srv.close()

	src := dlm.NewSource("ftp://" + srv.addr() + "/file.bin")
	f := NewFTPFetcher()

	_, filename, filesize, err := f.FetchInfo(t.Context(), src)
	if err != nil {
		t.Fatalf("FetchInfo() error = %v", err)
	}
	if filesize != int64(len(body)) {
		t.Fatalf("filesize = %d; want %d", filesize, len(body))
	}
	if filename != "file.bin" {
		t.Fatalf("filename = %q; want file.bin", filename)
	}

	dir := t.TempDir()
	d := dlm.NewDownload("d1", dir, "out.bin", f)
	d.SetMaxSlot(1) // one control connection per fetch call; the fake server tolerates any number, but keep this deterministic
	d.AddSource(src.URL())

	done := make(chan dlm.State, 1)
	d.StatusChanged.Subscribe(func(s dlm.State) {
		if s == dlm.StateFinished || s == dlm.StateFailed {
			select {
			case done <- s:
			default:
			}
		}
	})

	if !d.Start() {
		t.Fatalf("Start() = false")
	}

	select {
	case s := <-done:
		if s != dlm.StateFinished {
			t.Fatalf("download ended in state %s; want finished", s)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("download did not finish within 10s, state = %s", d.State())
	}

	got, err := os.ReadFile(filepath.Join(dir, d.Filename()))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(body) {
		t.Fatalf("file content = %q; want %q", got, body)
	}
}
