package main

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/nerrad567/controlroom/internal/logsink"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantListen string
		wantFile   string
		wantErr    error
	}{
		{name: "defaults", wantListen: logsink.DefaultAddress, wantFile: logsink.DefaultFile},
		{name: "explicit", args: []string{"--listen", "127.0.0.1:9999", "--file=/tmp/x.log"}, wantListen: "127.0.0.1:9999", wantFile: "/tmp/x.log"},
		{name: "help", args: []string{"--help"}, wantErr: pflag.ErrHelp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := parseFlags(tt.args, io.Discard)
			if err != tt.wantErr {
				t.Fatalf("parseFlags() error = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if opts.listen != tt.wantListen || opts.file != tt.wantFile {
				t.Errorf("parseFlags() = %+v", opts)
			}
		})
	}
}

func TestRun_WritesRecordsUntilCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	file := filepath.Join(t.TempDir(), "all.log")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, options{listen: addr, file: file, logLevel: "error"})
	}()

	var conn net.Conn
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sink never listened: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	conn.Write([]byte("{\"msg\":\"hello\"}\n"))
	conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for {
		data, _ := os.ReadFile(file)
		if string(data) == "{\"msg\":\"hello\"}\n" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("log file = %q", data)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
}

func TestRun_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	err = run(context.Background(), options{listen: ln.Addr().String(), file: filepath.Join(t.TempDir(), "a.log"), logLevel: "error"})
	if err == nil {
		t.Fatal("run() on a bound port: error = nil, want error")
	}
}
